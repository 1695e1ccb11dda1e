// Package history implements the History Store: per-conversation,
// per-patient (or session) chat history persistence, with a
// write-time filter that guarantees ephemeral grounding snapshots
// never reach durable storage.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/blobstore"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

const schemaVersion = 2

// wireMessage is the persisted shape of a single chat message: no
// timestamp, no snapshot, nothing beyond role/name/content.
type wireMessage struct {
	Role    types.Role `json:"role"`
	Name    string     `json:"name,omitempty"`
	Content string     `json:"content"`
}

type wireChatContext struct {
	SchemaVersion int           `json:"schema_version"`
	ConversationID string      `json:"conversation_id"`
	PatientID     *string       `json:"patient_id"`
	ChatHistory   []wireMessage `json:"chat_history"`
}

// Store is the History Store.
type Store struct {
	blob   blobstore.Facade
	logger *zap.Logger
}

// NewStore creates a History Store backed by blob.
func NewStore(blob blobstore.Facade, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blob: blob, logger: logger.With(zap.String("component", "history.Store"))}
}

// Path returns the blob path for conversationID's session history, or
// its patient-scoped history when patientID is non-nil.
func Path(conversationID string, patientID *chatmodel.PatientID) string {
	if patientID == nil {
		return fmt.Sprintf("%s/session_context.json", conversationID)
	}
	return fmt.Sprintf("%s/patient_%s_context.json", conversationID, *patientID)
}

func kind(patientID *chatmodel.PatientID) string {
	if patientID == nil {
		return "session"
	}
	return "patient_" + string(*patientID)
}

// Read loads the chat history at the path derived from patientID. A
// missing object is not an error: it returns an empty-history
// ChatContext.
func (s *Store) Read(ctx context.Context, conversationID string, patientID *chatmodel.PatientID) (*chatmodel.ChatContext, error) {
	cc := chatmodel.NewChatContext(conversationID)
	if patientID != nil {
		id := *patientID
		cc.PatientID = &id
	}

	path := Path(conversationID, patientID)
	data, err := s.blob.Get(ctx, path)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrBlobNotFound {
			return cc, nil
		}
		return nil, err
	}

	var wire wireChatContext
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, types.NewError(types.ErrBlobFatal, "corrupt history document at "+path).WithCause(err)
	}

	hist := make(chatmodel.ChatHistory, 0, len(wire.ChatHistory))
	for _, m := range wire.ChatHistory {
		hist = append(hist, types.Message{Role: m.Role, Name: m.Name, Content: m.Content})
	}
	cc.ChatHistory = hist
	return cc, nil
}

// Write persists cc at the path derived from cc.PatientID, filtering
// out every ephemeral snapshot message first. This filter is the
// final safety net: no other component may assume stripping happened
// upstream.
func (s *Store) Write(ctx context.Context, cc *chatmodel.ChatContext) error {
	path := Path(cc.ConversationID, cc.PatientID)

	wire := wireChatContext{
		SchemaVersion:  schemaVersion,
		ConversationID: cc.ConversationID,
		ChatHistory:    make([]wireMessage, 0, len(cc.ChatHistory)),
	}
	if cc.PatientID != nil {
		id := string(*cc.PatientID)
		wire.PatientID = &id
	}

	for _, m := range cc.ChatHistory {
		if chatmodel.IsSnapshot(m) {
			continue
		}
		wire.ChatHistory = append(wire.ChatHistory, wireMessage{Role: m.Role, Name: m.Name, Content: m.Content})
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return types.NewError(types.ErrBlobFatal, "failed to marshal history").WithCause(err)
	}

	if err := s.blob.Put(ctx, path, data); err != nil {
		return err
	}
	s.logger.Debug("wrote history", zap.String("path", path), zap.Int("messages", len(wire.ChatHistory)))
	return nil
}

// ArchiveToFolder copies the live history at the path derived from
// patientID into archiveFolder, then deletes the live copy. fileTS
// names the archived file using the compact timestamp format shared
// across one clear operation's artifacts. Idempotent: if the source
// is already missing, the copy is skipped without error.
func (s *Store) ArchiveToFolder(ctx context.Context, conversationID string, patientID *chatmodel.PatientID, archiveFolder, fileTS string) error {
	src := Path(conversationID, patientID)
	dst := fmt.Sprintf("%s/%s/%s_%s_archived.json", archiveFolder, conversationID, fileTS, kind(patientID))

	if err := s.blob.Copy(ctx, src, dst); err != nil {
		if types.GetErrorCode(err) == types.ErrBlobNotFound {
			return nil
		}
		return err
	}
	return s.blob.Delete(ctx, src)
}
