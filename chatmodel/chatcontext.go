package chatmodel

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// Message is the persisted/in-memory chat unit. Aliasing types.Message
// keeps the wire shape identical across the blob store and the LLM
// provider boundary.
type Message = types.Message

// ChatHistory is an ordered sequence of Message; persistence preserves
// order.
type ChatHistory []Message

// SnapshotPrefix is the literal prefix identifying an ephemeral
// grounding snapshot message.
const SnapshotPrefix = "PATIENT_CONTEXT_JSON:"

// IsSnapshot reports whether m is an ephemeral grounding snapshot:
// role=system and content starting with SnapshotPrefix.
func IsSnapshot(m Message) bool {
	return m.Role == types.RoleSystem && strings.HasPrefix(m.Content, SnapshotPrefix)
}

// snapshotBody is the JSON payload carried after SnapshotPrefix.
type snapshotBody struct {
	ConversationID string   `json:"conversation_id"`
	PatientID      string   `json:"patient_id,omitempty"`
	AllPatientIDs  []string `json:"all_patient_ids"`
	GeneratedAt    string   `json:"generated_at"`
}

// BuildSnapshotMessage constructs the ephemeral grounding snapshot for
// a turn, as a pure function of the registry, conversation id, and the
// current instant. activePatientID may be empty if no patient is
// active.
func BuildSnapshotMessage(conversationID string, activePatientID PatientID, allPatientIDs []PatientID, now time.Time) Message {
	ids := make([]string, len(allPatientIDs))
	for i, id := range allPatientIDs {
		ids[i] = string(id)
	}

	body := snapshotBody{
		ConversationID: conversationID,
		PatientID:      string(activePatientID),
		AllPatientIDs:  ids,
		GeneratedAt:    now.UTC().Format("2006-01-02T15:04:05.000Z"),
	}

	payload, _ := json.Marshal(body)
	return types.NewSystemMessage(SnapshotPrefix + " " + string(payload))
}

// ChatContext is the in-memory turn state threaded through the Turn
// Controller, Context Service, Snapshot Injector, and Scheduler.
type ChatContext struct {
	ConversationID  string
	PatientID       *PatientID
	PatientContexts map[PatientID]*PatientContext
	ChatHistory     ChatHistory
}

// NewChatContext creates an empty ChatContext for conversationID.
func NewChatContext(conversationID string) *ChatContext {
	return &ChatContext{
		ConversationID:  conversationID,
		PatientContexts: make(map[PatientID]*PatientContext),
	}
}
