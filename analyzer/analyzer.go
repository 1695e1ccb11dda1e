// Package analyzer implements the Context Analyzer: a classifier that
// turns a user utterance into a structured patient-context Decision,
// backed by an llm.Provider.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// Action is the classifier's verdict on the user's intent toward
// patient context.
type Action string

const (
	ActionNone           Action = "NONE"
	ActionActivateNew    Action = "ACTIVATE_NEW"
	ActionSwitchExisting Action = "SWITCH_EXISTING"
	ActionUnchanged      Action = "UNCHANGED"
	ActionClear          Action = "CLEAR"
)

// Decision is the Analyzer's structured output.
type Decision struct {
	Action    Action `json:"action"`
	PatientID string `json:"patient_id,omitempty"`
	Reasoning string `json:"reasoning"`
}

// shortMessageKeywords are checked case-insensitively against the raw
// user text by the short-message heuristic.
var shortMessageKeywords = []string{"patient", "clear", "switch"}

// IsShortMessage applies the short-message heuristic: true when the
// text is short and free of the keywords that would warrant a full
// classification pass.
func IsShortMessage(userText string) bool {
	if len(userText) > 15 {
		return false
	}
	lower := strings.ToLower(userText)
	for _, kw := range shortMessageKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

const systemPrompt = `You classify a user's message about which patient a clinical conversation concerns.
Respond with a single compact JSON object of the exact shape:
{"action": "NONE"|"ACTIVATE_NEW"|"SWITCH_EXISTING"|"UNCHANGED"|"CLEAR", "patient_id": "patient_N or empty", "reasoning": "short justification"}
patient_id MUST be populated for ACTIVATE_NEW and SWITCH_EXISTING, and MUST be empty otherwise.
Output nothing besides the JSON object.`

// Analyzer classifies user utterances into a Decision. It holds
// provider-side conversational state that must be reset whenever the
// active patient changes, to prevent reasoning leakage between
// patients.
type Analyzer struct {
	provider llm.Provider
	model    string
	logger   *zap.Logger

	kernel []llm.Message // accumulated classifier-facing turns
}

// New creates an Analyzer backed by provider.
func New(provider llm.Provider, model string, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{provider: provider, model: model, logger: logger.With(zap.String("component", "analyzer.Analyzer"))}
}

// Reset clears the analyzer's accumulated kernel state. Invoked
// whenever the active patient changes, per spec.
func (a *Analyzer) Reset() {
	a.kernel = nil
}

// Classify runs the full classification pass over userText given the
// prior active patient (if any) and the known roster. On any
// unparseable or invalid output, Classify degrades to ActionNone with
// empty reasoning rather than returning an error: classification
// degradation is a safe default, not a fatal condition.
func (a *Analyzer) Classify(ctx context.Context, userText string, priorPatientID string, knownPatientIDs []string) *Decision {
	userPrompt := fmt.Sprintf(
		"prior_patient_id: %q\nknown_patient_ids: %v\nmessage: %q",
		priorPatientID, knownPatientIDs, userText,
	)

	req := &llm.ChatRequest{
		Model: a.model,
		Messages: append(append([]llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
		}, a.kernel...), llm.Message{Role: llm.RoleUser, Content: userPrompt}),
		Temperature: 0,
	}

	resp, err := a.provider.Completion(ctx, req)
	if err != nil {
		a.logger.Warn("analyzer completion failed, degrading to NONE", zap.Error(err))
		return &Decision{Action: ActionNone}
	}
	if len(resp.Choices) == 0 {
		a.logger.Warn("analyzer returned no choices, degrading to NONE")
		return &Decision{Action: ActionNone}
	}

	raw := resp.Choices[0].Message.Content
	decision, ok := parseDecision(raw)
	if !ok {
		a.logger.Warn("analyzer output unparseable, degrading to NONE", zap.String("raw", raw))
		return &Decision{Action: ActionNone}
	}

	a.kernel = append(a.kernel,
		llm.Message{Role: llm.RoleUser, Content: userPrompt},
		llm.Message{Role: llm.RoleAssistant, Content: raw},
	)

	return decision
}

// parseDecision validates the exact schema required by spec: action
// must be a recognized value, patient_id must be populated iff action
// requires it.
func parseDecision(raw string) (*Decision, bool) {
	raw = strings.TrimSpace(raw)
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, false
	}

	switch d.Action {
	case ActionActivateNew, ActionSwitchExisting:
		if d.PatientID == "" {
			return nil, false
		}
	case ActionNone, ActionUnchanged, ActionClear:
		if d.PatientID != "" {
			return nil, false
		}
	default:
		return nil, false
	}

	return &d, true
}

// Degraded builds the safe-default Decision used when the Analyzer
// itself could not be reached, wrapping the cause for logging.
func Degraded(cause error) (*Decision, error) {
	return &Decision{Action: ActionNone}, types.NewError(types.ErrClassificationDegraded, "analyzer degraded to NONE").WithCause(cause)
}
