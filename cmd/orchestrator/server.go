package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// messageRequest is the ingress contract's (conversation_id, user_text)
// pair, with conversation_id taken from the URL path instead of the
// body.
type messageRequest struct {
	UserText string `json:"user_text"`
}

// messageResponse carries the Turn Controller's Result back to the
// caller, who plays the role of the out-of-scope reply_sink.
type messageResponse struct {
	Reply           string `json:"reply"`
	SchedulerState  string `json:"scheduler_state,omitempty"`
	ServiceDecision string `json:"service_decision,omitempty"`
	PatientID       string `json:"patient_id,omitempty"`
}

// newMux builds the HTTP ingress: the turn-handling endpoint, a
// liveness probe, and a Prometheus scrape endpoint.
func newMux(a *app, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations/{id}/messages", a.handleMessage)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", metricsHandler)
	return mux
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleMessage realizes the ingress contract's single operation: hand
// a (conversation_id, user_text) pair to the Turn Controller and
// return its final reply. Streaming intermediate agent messages is out
// of scope (spec Non-goals); only the terminal reply is returned.
func (a *app) handleMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.PathValue("id"))
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserText) == "" {
		writeError(w, http.StatusBadRequest, "user_text is required")
		return
	}

	result, err := a.controller.HandleTurn(r.Context(), conversationID, req.UserText)
	if err != nil {
		a.logger.Error("turn failed", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := messageResponse{
		Reply:           result.Reply,
		SchedulerState:  string(result.SchedulerState),
		ServiceDecision: string(result.ServiceDecision),
	}
	if result.PatientID != nil {
		resp.PatientID = string(*result.PatientID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// statusForError maps the orchestration core's error taxonomy onto an
// HTTP status code for the ingress response.
func statusForError(err error) int {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidPatientID, types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrLockUnattained, types.ErrBlobConflict, types.ErrBlobTransient:
		return http.StatusConflict
	case types.ErrTurnDeadline:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
