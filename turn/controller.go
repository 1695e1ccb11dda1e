// Package turn implements the Turn Controller: the single component
// that owns a conversation's pre- and post-scheduler chat history, the
// clear-command fast path, and the sole source of user-visible replies.
package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/agentfactory"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/contextsvc"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/history"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/convlock"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/metrics"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/internal/telemetry"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/registry"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/scheduler"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/snapshot"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// DefaultTurnDeadline bounds the wall-clock time a single turn may take
// end to end, per spec's concurrency recommendation.
const DefaultTurnDeadline = 120 * time.Second

// auditFooterMarker guards renderAuditFooter against double-appension.
const auditFooterMarker = "PT_CTX:"

// DefaultClearCommands are the case-insensitive, trimmed phrases that
// trigger the clear fast path.
var DefaultClearCommands = []string{"clear", "clear patient", "clear context", "clear patient context"}

// Result is the outcome of one HandleTurn call.
type Result struct {
	Reply           string
	SchedulerState  scheduler.TerminalState
	ServiceDecision contextsvc.Decision
	ClearResult     *contextsvc.ClearResult
	PatientID       *chatmodel.PatientID
}

// Controller is the Turn Controller.
type Controller struct {
	registryStore *registry.Store
	historyStore  *history.Store
	contextSvc    *contextsvc.Service
	agents        []agentfactory.Agent
	ruleEvaluator llm.Provider
	ruleModel     string
	maxIterations int
	clearCommands []string
	validator     *chatmodel.PatientIDValidator
	turnDeadline  time.Duration
	logger        *zap.Logger
	metrics       *metrics.Collector
	lockManager   *convlock.Manager
	lockTTL       time.Duration
	now           func() time.Time
}

// Config collects the dependencies a Controller needs.
type Config struct {
	RegistryStore *registry.Store
	HistoryStore  *history.Store
	ContextSvc    *contextsvc.Service
	Agents        []agentfactory.Agent
	RuleEvaluator llm.Provider
	RuleModel     string
	MaxIterations int
	ClearCommands []string
	Validator     *chatmodel.PatientIDValidator
	TurnDeadline  time.Duration
	Logger        *zap.Logger
	// Metrics is optional; when nil, turn outcomes are not recorded.
	Metrics *metrics.Collector
	// LockManager is optional; when nil, HandleTurn does not serialize
	// concurrent turns for the same conversation across replicas.
	LockManager *convlock.Manager
	// LockTTL defaults to convlock.DefaultTTL when unset.
	LockTTL time.Duration
}

// New creates a Controller from cfg.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clearCommands := cfg.ClearCommands
	if len(clearCommands) == 0 {
		clearCommands = DefaultClearCommands
	}
	deadline := cfg.TurnDeadline
	if deadline <= 0 {
		deadline = DefaultTurnDeadline
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = convlock.DefaultTTL
	}
	return &Controller{
		registryStore: cfg.RegistryStore,
		historyStore:  cfg.HistoryStore,
		contextSvc:    cfg.ContextSvc,
		agents:        cfg.Agents,
		ruleEvaluator: cfg.RuleEvaluator,
		ruleModel:     cfg.RuleModel,
		maxIterations: cfg.MaxIterations,
		clearCommands: clearCommands,
		validator:     cfg.Validator,
		turnDeadline:  deadline,
		logger:        logger.With(zap.String("component", "turn.Controller")),
		metrics:       cfg.Metrics,
		lockManager:   cfg.LockManager,
		lockTTL:       lockTTL,
		now:           time.Now,
	}
}

// withRetry retries fn up to 3 attempts total with exponential backoff,
// but only for errors the blob layer has marked retryable. Any other
// error, or exhaustion of attempts, is returned immediately.
func withRetry(ctx context.Context, logger *zap.Logger, fn func() error) error {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !types.IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warn("retrying after transient failure", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// HandleTurn runs the eight-step turn pipeline for a single user
// utterance.
func (c *Controller) HandleTurn(ctx context.Context, conversationID, userText string) (result *Result, err error) {
	start := c.now()
	ctx, span := telemetry.Tracer().Start(ctx, "HandleTurn",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.metrics == nil {
			return
		}
		if result != nil {
			c.metrics.ObserveTurn(string(result.SchedulerState), c.now().Sub(start))
			c.metrics.RecordContextDecision(string(result.ServiceDecision))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.turnDeadline)
	defer cancel()

	if c.lockManager != nil {
		lock, lockErr := c.lockManager.Acquire(ctx, conversationID, c.lockTTL)
		if lockErr != nil {
			if c.metrics != nil {
				c.metrics.RecordLockContention()
			}
			return nil, lockErr
		}
		defer func() {
			if relErr := lock.Release(ctx); relErr != nil {
				c.logger.Warn("failed to release conversation lock", zap.String("conversation_id", conversationID), zap.Error(relErr))
			}
		}()
	}

	// Step 1: load the session-level chat context. This is the fallback
	// history used whenever no patient is active, and the target for
	// NEEDS_PATIENT_ID replies.
	var sessionCC *chatmodel.ChatContext
	if err := withRetry(ctx, c.logger, func() error {
		var rerr error
		sessionCC, rerr = c.historyStore.Read(ctx, conversationID, nil)
		return rerr
	}); err != nil {
		return nil, err
	}

	// Step 2: clear-command fast path.
	if contextsvc.IsClearCommand(userText, c.clearCommands) {
		return c.handleClear(ctx, conversationID, userText)
	}

	// Step 3: decide_and_apply.
	decision, reg, err := c.contextSvc.DecideAndApply(ctx, conversationID, userText)
	if err != nil {
		return nil, err
	}

	// Step 3b: the Analyzer can independently surface a clear intent
	// (e.g. "please clear this out") that did not match the literal
	// CLEAR_COMMANDS list checked in step 2. Route it through the same
	// clear path rather than letting it fall through to the scheduler.
	if decision == contextsvc.DecisionClear {
		return c.handleClear(ctx, conversationID, userText)
	}

	// Step 4: NEEDS_PATIENT_ID short-circuits with a guidance reply.
	if decision == contextsvc.DecisionNeedsPatientID {
		reply := fmt.Sprintf("I couldn't identify a valid patient id. Patient ids must match the pattern %q.", c.validator.Pattern())
		sessionCC.ChatHistory = append(sessionCC.ChatHistory, types.NewUserMessage(userText), types.NewAssistantMessage("Facilitator", reply))
		if err := withRetry(ctx, c.logger, func() error { return c.historyStore.Write(ctx, sessionCC) }); err != nil {
			return nil, err
		}
		return &Result{Reply: reply, ServiceDecision: decision}, nil
	}

	// Step 5: if a patient is active, read patient-scoped history instead
	// of the session history loaded in step 1.
	cc := sessionCC
	if reg.ActivePatientID != nil {
		if err := withRetry(ctx, c.logger, func() error {
			var rerr error
			cc, rerr = c.historyStore.Read(ctx, conversationID, reg.ActivePatientID)
			return rerr
		}); err != nil {
			return nil, err
		}
	}

	// Step 6: strip any stale snapshot and inject a fresh one.
	var active chatmodel.PatientID
	if reg.ActivePatientID != nil {
		active = *reg.ActivePatientID
	}
	injected := snapshot.Inject(conversationID, active, reg.Roster(), cc.ChatHistory, c.now())

	// Step 7: append the user message and run the scheduler.
	injected = append(injected, types.NewUserMessage(userText))
	sched := scheduler.New(c.agents, c.ruleEvaluator, c.ruleModel, c.maxIterations, c.logger)
	schedResult := sched.Run(ctx, injected)
	if c.metrics != nil {
		c.metrics.ObserveSchedulerIterations(string(schedResult.State), schedResult.Iterations)
	}

	// Step 8: persist via the History Store, which strips snapshots on
	// the way out regardless of what the scheduler returned.
	cc.ChatHistory = schedResult.History
	cc.PatientID = reg.ActivePatientID
	if err := withRetry(ctx, c.logger, func() error { return c.historyStore.Write(ctx, cc) }); err != nil {
		return nil, err
	}

	reply := finalReply(schedResult.History)
	reply = c.renderAuditFooter(reply, reg)

	return &Result{
		Reply:           reply,
		SchedulerState:  schedResult.State,
		ServiceDecision: decision,
		PatientID:       reg.ActivePatientID,
	}, nil
}

// handleClear runs the clear operation and produces the user-visible
// confirmation, surfacing any partial per-patient archival failure.
func (c *Controller) handleClear(ctx context.Context, conversationID string, _ string) (*Result, error) {
	result, err := c.contextSvc.Clear(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	reply := "Patient context cleared."
	if len(result.FailedPatients) > 0 {
		names := make([]string, len(result.FailedPatients))
		for i, id := range result.FailedPatients {
			names[i] = string(id)
		}
		reply = fmt.Sprintf("Patient context cleared, but archival failed for: %s. Please retry if this persists.", strings.Join(names, ", "))
		if c.metrics != nil {
			for range result.FailedPatients {
				c.metrics.RecordClearFailure()
			}
		}
	}

	freshSession := chatmodel.NewChatContext(conversationID)
	if err := withRetry(ctx, c.logger, func() error { return c.historyStore.Write(ctx, freshSession) }); err != nil {
		return nil, err
	}

	return &Result{Reply: reply, ServiceDecision: contextsvc.DecisionClear, ClearResult: result}, nil
}

// finalReply extracts the conversation-facing text from the scheduler's
// final history: the content of the last assistant message.
func finalReply(hist chatmodel.ChatHistory) string {
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Role == types.RoleAssistant {
			return hist[i].Content
		}
	}
	return ""
}

// renderAuditFooter appends a PT_CTX audit block naming the active
// patient and full roster, unless reply already carries one or the
// roster is empty.
func (c *Controller) renderAuditFooter(reply string, reg *chatmodel.Registry) string {
	if strings.Contains(reply, auditFooterMarker) {
		return reply
	}
	roster := reg.Roster()
	if len(roster) == 0 {
		return reply
	}

	active := "none"
	if reg.ActivePatientID != nil {
		active = string(*reg.ActivePatientID)
	}
	ids := make([]string, len(roster))
	for i, id := range roster {
		ids[i] = string(id)
	}

	footer := fmt.Sprintf("\n\n%s active=%s roster=[%s]", auditFooterMarker, active, strings.Join(ids, ","))
	return reply + footer
}
