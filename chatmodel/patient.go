// Package chatmodel defines the core domain types shared by the
// Context Service, History Store, Registry Store, Snapshot Injector,
// and Turn Controller: patient identity, the registry of known
// patients, and the in-memory chat context carried through a turn.
package chatmodel

import (
	"regexp"
	"time"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// PatientID is a validated patient identifier. Validation against the
// configured pattern happens in PatientIDValidator.Validate; a
// PatientID returned from it is known-valid.
type PatientID string

// DefaultPatientIDPattern is used when no pattern is configured.
const DefaultPatientIDPattern = `^patient_[0-9]+$`

// PatientIDValidator validates candidate patient identifiers against a
// compiled regular expression.
type PatientIDValidator struct {
	pattern *regexp.Regexp
	raw     string
}

// NewPatientIDValidator compiles pattern, falling back to
// DefaultPatientIDPattern if pattern is empty.
func NewPatientIDValidator(pattern string) (*PatientIDValidator, error) {
	if pattern == "" {
		pattern = DefaultPatientIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid patient id pattern").WithCause(err)
	}
	return &PatientIDValidator{pattern: re, raw: pattern}, nil
}

// Pattern returns the raw regular expression string, used in
// user-facing NEEDS_PATIENT_ID guidance.
func (v *PatientIDValidator) Pattern() string { return v.raw }

// Validate returns a PatientID if candidate matches the configured
// pattern, or an ErrInvalidPatientID error.
func (v *PatientIDValidator) Validate(candidate string) (PatientID, error) {
	if candidate == "" || !v.pattern.MatchString(candidate) {
		return "", types.NewError(types.ErrInvalidPatientID, "patient id does not match pattern "+v.raw)
	}
	return PatientID(candidate), nil
}

// PatientContext is the durable, registry-owned record for one
// patient within one conversation.
type PatientContext struct {
	PatientID      PatientID              `json:"patient_id"`
	Facts          map[string]interface{} `json:"facts"`
	ConversationID string                 `json:"conversation_id"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewPatientContext creates a fresh PatientContext with both
// timestamps set to now.
func NewPatientContext(conversationID string, id PatientID, now time.Time) *PatientContext {
	return &PatientContext{
		PatientID:      id,
		Facts:          map[string]interface{}{},
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
