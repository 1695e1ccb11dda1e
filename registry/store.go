// Package registry implements the Registry Store: read, write,
// upsert, and archive for the per-conversation registry document that
// tracks the active patient and the full patient roster.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/blobstore"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// wirePatientContext mirrors chatmodel.PatientContext with
// string-formatted timestamps for a stable wire shape.
type wirePatientContext struct {
	PatientID      string                 `json:"patient_id"`
	Facts          map[string]interface{} `json:"facts"`
	ConversationID string                 `json:"conversation_id"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
}

type wireRegistry struct {
	ConversationID  string                         `json:"conversation_id"`
	ActivePatientID *string                        `json:"active_patient_id,omitempty"`
	PatientRegistry map[string]wirePatientContext  `json:"patient_registry"`
	LastUpdated     string                         `json:"last_updated,omitempty"`
}

// Store is the Registry Store.
type Store struct {
	blob   blobstore.Facade
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a Registry Store backed by blob.
func NewStore(blob blobstore.Facade, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blob: blob, logger: logger.With(zap.String("component", "registry.Store")), now: time.Now}
}

func path(conversationID string) string {
	return fmt.Sprintf("%s/patient_context_registry.json", conversationID)
}

func toWire(r *chatmodel.Registry) wireRegistry {
	w := wireRegistry{
		ConversationID:  r.ConversationID,
		PatientRegistry: make(map[string]wirePatientContext, len(r.PatientRegistry)),
		LastUpdated:     r.LastUpdated,
	}
	if r.ActivePatientID != nil {
		id := string(*r.ActivePatientID)
		w.ActivePatientID = &id
	}
	for id, pc := range r.PatientRegistry {
		w.PatientRegistry[string(id)] = wirePatientContext{
			PatientID:      string(pc.PatientID),
			Facts:          pc.Facts,
			ConversationID: pc.ConversationID,
			CreatedAt:      pc.CreatedAt.UTC().Format(timeLayout),
			UpdatedAt:      pc.UpdatedAt.UTC().Format(timeLayout),
		}
	}
	return w
}

func fromWire(w wireRegistry) *chatmodel.Registry {
	r := &chatmodel.Registry{
		ConversationID:  w.ConversationID,
		PatientRegistry: make(map[chatmodel.PatientID]*chatmodel.PatientContext, len(w.PatientRegistry)),
		LastUpdated:     w.LastUpdated,
	}
	if w.ActivePatientID != nil {
		id := chatmodel.PatientID(*w.ActivePatientID)
		r.ActivePatientID = &id
	}
	for id, pc := range w.PatientRegistry {
		created, _ := time.Parse(timeLayout, pc.CreatedAt)
		updated, _ := time.Parse(timeLayout, pc.UpdatedAt)
		r.PatientRegistry[chatmodel.PatientID(id)] = &chatmodel.PatientContext{
			PatientID:      chatmodel.PatientID(pc.PatientID),
			Facts:          pc.Facts,
			ConversationID: pc.ConversationID,
			CreatedAt:      created,
			UpdatedAt:      updated,
		}
	}
	return r
}

// Read loads the registry for conversationID. A missing file yields an
// empty roster with no active patient, not an error.
func (s *Store) Read(ctx context.Context, conversationID string) (*chatmodel.Registry, error) {
	data, err := s.blob.Get(ctx, path(conversationID))
	if err != nil {
		if types.GetErrorCode(err) == types.ErrBlobNotFound {
			return chatmodel.NewRegistry(conversationID), nil
		}
		return nil, err
	}

	var w wireRegistry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, types.NewError(types.ErrBlobFatal, "corrupt registry document").WithCause(err)
	}
	return fromWire(w), nil
}

// Write fully overwrites the registry document for conversationID.
func (s *Store) Write(ctx context.Context, r *chatmodel.Registry) error {
	if err := r.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(toWire(r))
	if err != nil {
		return types.NewError(types.ErrBlobFatal, "failed to marshal registry").WithCause(err)
	}
	if err := s.blob.Put(ctx, path(r.ConversationID), data); err != nil {
		return err
	}
	s.logger.Debug("wrote registry", zap.String("conversation_id", r.ConversationID))
	return nil
}

// Upsert reads the current registry, applies patientCtx (creating or
// updating its entry), optionally sets the active pointer, stamps
// updated_at on both the entry and the envelope, and writes the
// result back. Last-writer-wins under the single-writer-per-conversation
// assumption; there is no CAS token.
func (s *Store) Upsert(ctx context.Context, conversationID string, patientCtx *chatmodel.PatientContext, active *chatmodel.PatientID) (*chatmodel.Registry, error) {
	r, err := s.Read(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	patientCtx.UpdatedAt = now
	r.PatientRegistry[patientCtx.PatientID] = patientCtx
	if active != nil {
		r.ActivePatientID = active
	}
	r.LastUpdated = now.Format(timeLayout)

	if err := s.Write(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Archive copies the live registry document into the same archive
// folder used for history files, under the
// {ts}_patient_context_registry_archived.json name, then deletes the
// live copy.
func (s *Store) Archive(ctx context.Context, conversationID, archiveFolder, fileTS string) error {
	src := path(conversationID)
	dst := fmt.Sprintf("%s/%s_patient_context_registry_archived.json", archiveFolder, fileTS)

	if err := s.blob.Copy(ctx, src, dst); err != nil {
		if types.GetErrorCode(err) == types.ErrBlobNotFound {
			return nil
		}
		return err
	}
	return s.blob.Delete(ctx, src)
}
