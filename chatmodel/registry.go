package chatmodel

import "github.com/Azure-Samples/healthcare-agent-orchestrator/types"

// Registry is the source of truth, per conversation, for which
// patient is active and the full roster of known patients. Exactly
// one Registry exists per conversation.
type Registry struct {
	ConversationID  string                         `json:"conversation_id"`
	ActivePatientID *PatientID                     `json:"active_patient_id,omitempty"`
	PatientRegistry map[PatientID]*PatientContext  `json:"patient_registry"`
	LastUpdated     string                         `json:"last_updated,omitempty"`
}

// NewRegistry creates an empty Registry for conversationID.
func NewRegistry(conversationID string) *Registry {
	return &Registry{
		ConversationID:  conversationID,
		PatientRegistry: make(map[PatientID]*PatientContext),
	}
}

// Roster returns the sorted list of known patient ids. Sorting is
// lexicographic on the underlying string, matching the snapshot's
// all_patient_ids ordering requirement.
func (r *Registry) Roster() []PatientID {
	ids := make([]PatientID, 0, len(r.PatientRegistry))
	for id := range r.PatientRegistry {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Has reports whether id is a roster key.
func (r *Registry) Has(id PatientID) bool {
	_, ok := r.PatientRegistry[id]
	return ok
}

// Validate enforces the registry invariant: an active patient id, if
// set, must be a roster key.
func (r *Registry) Validate() error {
	if r.ActivePatientID == nil {
		return nil
	}
	if !r.Has(*r.ActivePatientID) {
		return types.NewError(types.ErrRegistryWrite, "active_patient_id is not a roster key")
	}
	return nil
}
