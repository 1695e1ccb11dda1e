package chatmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RosterIsSorted(t *testing.T) {
	r := NewRegistry("c1")
	r.PatientRegistry[PatientID("patient_15")] = &PatientContext{PatientID: "patient_15"}
	r.PatientRegistry[PatientID("patient_4")] = &PatientContext{PatientID: "patient_4"}

	roster := r.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, []PatientID{"patient_15", "patient_4"}, roster) // lexicographic: "1" < "4"
}

func TestRegistry_ValidateActiveIDMustBeRosterKey(t *testing.T) {
	r := NewRegistry("c1")
	active := PatientID("patient_4")
	r.ActivePatientID = &active

	assert.Error(t, r.Validate())

	r.PatientRegistry[active] = &PatientContext{PatientID: active}
	assert.NoError(t, r.Validate())
}

func TestRegistry_ValidateNilActiveIsAlwaysValid(t *testing.T) {
	r := NewRegistry("c1")
	assert.NoError(t, r.Validate())
}
