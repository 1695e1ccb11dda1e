package contextsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/analyzer"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/blobstore"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/history"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/registry"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

type scriptedProvider struct {
	responses []string
	i         int
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	r := p.responses[p.i]
	if p.i < len(p.responses)-1 {
		p.i++
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Content: r}}}}, nil
}
func (p *scriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{}, nil
}
func (p *scriptedProvider) Name() string                       { return "scripted" }
func (p *scriptedProvider) SupportsNativeFunctionCalling() bool { return false }

func newService(responses ...string) (*Service, *registry.Store, *history.Store, blobstore.Facade) {
	blob := blobstore.NewMemoryStore()
	regStore := registry.NewStore(blob, nil)
	histStore := history.NewStore(blob, nil)
	validator, _ := chatmodel.NewPatientIDValidator("")
	az := analyzer.New(&scriptedProvider{responses: responses}, "gpt-4o", nil)
	return New(regStore, histStore, validator, az, nil), regStore, histStore, blob
}

func TestService_DecideAndApply_FirstActivation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newService(`{"action":"ACTIVATE_NEW","patient_id":"patient_4","reasoning":"named"}`)

	d, reg, err := svc.DecideAndApply(ctx, "c1", "start a tumor board discussion for patient_4")
	require.NoError(t, err)
	assert.Equal(t, DecisionNewBlank, d)
	require.NotNil(t, reg.ActivePatientID)
	assert.Equal(t, chatmodel.PatientID("patient_4"), *reg.ActivePatientID)
}

func TestService_DecideAndApply_InvalidActivation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newService(`{"action":"ACTIVATE_NEW","patient_id":"bob","reasoning":"named"}`)

	d, _, err := svc.DecideAndApply(ctx, "c1", "start a discussion for bob")
	require.NoError(t, err)
	assert.Equal(t, DecisionNeedsPatientID, d)
}

func TestService_DecideAndApply_ShortMessageUnchangedWhenActive(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService()

	pid := chatmodel.PatientID("patient_4")
	_, err := regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", pid, time.Now()), &pid)
	require.NoError(t, err)

	d, reg, err := svc.DecideAndApply(ctx, "c1", "ok")
	require.NoError(t, err)
	assert.Equal(t, DecisionUnchanged, d)
	assert.Equal(t, pid, *reg.ActivePatientID)
}

func TestService_DecideAndApply_ShortMessageNoneWhenNoActiveAndNoRoster(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newService()

	d, _, err := svc.DecideAndApply(ctx, "c1", "ok")
	require.NoError(t, err)
	assert.Equal(t, DecisionNone, d)
}

func TestService_DecideAndApply_ShortMessageRestoresFromStorage(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService()

	pid := chatmodel.PatientID("patient_4")
	pc := chatmodel.NewPatientContext("c1", pid, time.Now())
	_, err := regStore.Upsert(ctx, "c1", pc, &pid)
	require.NoError(t, err)

	// Clear the active pointer directly to simulate a conversation that
	// was restarted without a recorded active patient but with roster
	// history still present.
	reg, err := regStore.Read(ctx, "c1")
	require.NoError(t, err)
	reg.ActivePatientID = nil
	require.NoError(t, regStore.Write(ctx, reg))

	d, got, err := svc.DecideAndApply(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, DecisionRestoredFromStorage, d)
	require.NotNil(t, got.ActivePatientID)
	assert.Equal(t, pid, *got.ActivePatientID)
}

func TestService_DecideAndApply_SwitchToNewPatient(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService(`{"action":"SWITCH_EXISTING","patient_id":"patient_9","reasoning":"different patient"}`)

	p4 := chatmodel.PatientID("patient_4")
	_, err := regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p4, time.Now()), &p4)
	require.NoError(t, err)

	d, reg, err := svc.DecideAndApply(ctx, "c1", "now let's discuss a different patient, patient_9")
	require.NoError(t, err)
	assert.Equal(t, DecisionNewBlank, d)
	assert.True(t, reg.Has(chatmodel.PatientID("patient_9")))
	assert.True(t, reg.Has(p4))
	assert.Equal(t, chatmodel.PatientID("patient_9"), *reg.ActivePatientID)
}

func TestService_DecideAndApply_SwitchToKnownExisting(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService(`{"action":"SWITCH_EXISTING","patient_id":"patient_4","reasoning":"back to original"}`)

	p4 := chatmodel.PatientID("patient_4")
	p9 := chatmodel.PatientID("patient_9")
	_, err := regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p4, time.Now()), &p4)
	require.NoError(t, err)
	_, err = regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p9, time.Now()), &p9)
	require.NoError(t, err)

	d, reg, err := svc.DecideAndApply(ctx, "c1", "let's go back to the first patient discussed here")
	require.NoError(t, err)
	assert.Equal(t, DecisionSwitchExisting, d)
	assert.Equal(t, p4, *reg.ActivePatientID)
}

func TestService_DecideAndApply_SwitchToSameActiveIsUnchanged(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService(`{"action":"SWITCH_EXISTING","patient_id":"patient_4","reasoning":"same patient named again"}`)

	p4 := chatmodel.PatientID("patient_4")
	createdAt := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	_, err := regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p4, createdAt), &p4)
	require.NoError(t, err)

	d, reg, err := svc.DecideAndApply(ctx, "c1", "let's keep discussing patient_4's imaging results")
	require.NoError(t, err)
	assert.Equal(t, DecisionUnchanged, d)
	assert.Equal(t, p4, *reg.ActivePatientID)
	assert.True(t, reg.PatientRegistry[p4].CreatedAt.Equal(createdAt))
}

func TestService_DecideAndApply_ActivateNewOnExistingIsTreatedAsSwitch(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService(`{"action":"ACTIVATE_NEW","patient_id":"patient_4","reasoning":"named a patient already in the roster"}`)

	p9 := chatmodel.PatientID("patient_9")
	p4 := chatmodel.PatientID("patient_4")
	createdAt := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	_, err := regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p9, time.Now()), &p9)
	require.NoError(t, err)
	_, err = regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p4, createdAt), nil)
	require.NoError(t, err)

	d, reg, err := svc.DecideAndApply(ctx, "c1", "start a tumor board discussion for patient_4 again")
	require.NoError(t, err)
	assert.Equal(t, DecisionSwitchExisting, d)
	assert.Equal(t, p4, *reg.ActivePatientID)
	assert.True(t, reg.PatientRegistry[p4].CreatedAt.Equal(createdAt))
}

func TestService_Clear_ArchivesSessionPatientsAndRegistry(t *testing.T) {
	ctx := context.Background()
	svc, regStore, histStore, blob := newService()

	p4 := chatmodel.PatientID("patient_4")
	_, err := regStore.Upsert(ctx, "c1", chatmodel.NewPatientContext("c1", p4, time.Now()), &p4)
	require.NoError(t, err)

	sessionCC := chatmodel.NewChatContext("c1")
	require.NoError(t, histStore.Write(ctx, sessionCC))

	patientCC := chatmodel.NewChatContext("c1")
	patientCC.PatientID = &p4
	require.NoError(t, histStore.Write(ctx, patientCC))

	result, err := svc.Clear(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, result.FailedPatients)
	assert.NotEmpty(t, result.ArchiveFolder)

	reg, err := regStore.Read(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, reg.ActivePatientID)
	assert.Empty(t, reg.PatientRegistry)

	_, err = blob.Get(ctx, "c1/patient_context_registry.json")
	assert.Equal(t, types.ErrBlobNotFound, types.GetErrorCode(err))
}

func TestService_Clear_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newService()

	_, err := svc.Clear(ctx, "c-empty")
	require.NoError(t, err)
	_, err = svc.Clear(ctx, "c-empty")
	require.NoError(t, err)
}

func TestService_SetExplicitPatientContext(t *testing.T) {
	ctx := context.Background()
	svc, regStore, _, _ := newService()

	reg, err := svc.SetExplicitPatientContext(ctx, "c1", "patient_7")
	require.NoError(t, err)
	assert.Equal(t, chatmodel.PatientID("patient_7"), *reg.ActivePatientID)

	persisted, err := regStore.Read(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, chatmodel.PatientID("patient_7"), *persisted.ActivePatientID)
}

func TestService_SetExplicitPatientContext_RejectsInvalidPattern(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newService()

	_, err := svc.SetExplicitPatientContext(ctx, "c1", "not-a-patient")
	assert.Error(t, err)
}

func TestIsClearCommand(t *testing.T) {
	commands := []string{"clear", "clear patient", "clear context", "clear patient context"}
	assert.True(t, IsClearCommand("  Clear  ", commands))
	assert.True(t, IsClearCommand("CLEAR PATIENT CONTEXT", commands))
	assert.False(t, IsClearCommand("clear the table", commands))
}
