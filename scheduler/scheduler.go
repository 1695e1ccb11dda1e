// Package scheduler implements the Group-Chat Scheduler: per-iteration
// speaker selection, agent invocation, deterministic-then-model-backed
// termination evaluation, and the iteration cap.
package scheduler

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/agentfactory"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// TerminalState names why a Run call stopped.
type TerminalState string

const (
	StateAwaitUser  TerminalState = "AWAIT_USER"
	StateDone       TerminalState = "DONE"
	StateCapReached TerminalState = "CAP_REACHED"
)

// DefaultMaxIterations bounds a single turn's agent-to-agent exchange
// when neither the rule evaluator nor the confirmation gate stops it
// first.
const DefaultMaxIterations = 30

var handoffToken = regexp.MustCompile(`\*([A-Za-z0-9_ ]+)\*`)

// planIndicatorNumberedItem matches a numbered list item like "1. " at
// the start of a line.
var planIndicatorNumberedItem = regexp.MustCompile(`(?m)^\s*\d+\.\s`)

// bulletLine matches a bullet list item like "- " at the start of a
// line.
var bulletLine = regexp.MustCompile(`(?m)^\s*-\s`)

// hasPlanIndicators reports whether text shows the surface markers of
// a proposed plan awaiting confirmation: the literal word "Plan" or
// "plan:", a numbered list item, or at least two bullet lines.
func hasPlanIndicators(text string) bool {
	if strings.Contains(text, "Plan") || strings.Contains(strings.ToLower(text), "plan:") {
		return true
	}
	if planIndicatorNumberedItem.MatchString(text) {
		return true
	}
	return len(bulletLine.FindAllString(text, -1)) >= 2
}

// Result is the outcome of a Run call.
type Result struct {
	State      TerminalState
	History    chatmodel.ChatHistory
	Iterations int
}

// Scheduler runs the group-chat loop for a single turn.
type Scheduler struct {
	agents        map[string]agentfactory.Agent
	order         []agentfactory.Agent
	facilitator   agentfactory.Agent
	ruleEvaluator llm.Provider
	ruleModel     string
	maxIterations int
	logger        *zap.Logger
}

// New creates a Scheduler over roster. Exactly one agent in roster must
// report IsFacilitator() true.
func New(roster []agentfactory.Agent, ruleEvaluator llm.Provider, ruleModel string, maxIterations int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	agents := make(map[string]agentfactory.Agent, len(roster))
	var facilitator agentfactory.Agent
	for _, a := range roster {
		agents[a.Name()] = a
		if a.IsFacilitator() {
			facilitator = a
		}
	}
	return &Scheduler{
		agents:        agents,
		order:         roster,
		facilitator:   facilitator,
		ruleEvaluator: ruleEvaluator,
		ruleModel:     ruleModel,
		maxIterations: maxIterations,
		logger:        logger.With(zap.String("component", "scheduler.Scheduler")),
	}
}

// lastNonSystem returns the last message in hist that is not a system
// message, and whether one was found.
func lastNonSystem(hist chatmodel.ChatHistory) (chatmodel.Message, bool) {
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Role != types.RoleSystem {
			return hist[i], true
		}
	}
	return chatmodel.Message{}, false
}

// confirmationGateHolds implements the deterministic confirmation gate:
// true when the most recent non-system message was posted by the
// facilitator, carries plan indicators, and no user message has
// arrived since. Holding the gate means the group has made no progress
// since proposing a plan and must wait for the user rather than loop.
func confirmationGateHolds(hist chatmodel.ChatHistory, facilitatorName string) bool {
	last, ok := lastNonSystem(hist)
	if !ok {
		return false
	}
	if last.Role != types.RoleAssistant || last.Name != facilitatorName {
		return false
	}
	return hasPlanIndicators(last.Content)
}

// selectSpeaker resolves the next agent to invoke: an explicit handoff
// token in the last message, constrained to once per agent per turn,
// or the facilitator by default.
func (s *Scheduler) selectSpeaker(hist chatmodel.ChatHistory, used map[string]bool) agentfactory.Agent {
	last, ok := lastNonSystem(hist)
	if !ok {
		return s.facilitator
	}

	matches := handoffToken.FindAllStringSubmatch(last.Content, -1)
	if len(matches) == 0 {
		return s.facilitator
	}

	target := strings.TrimSpace(matches[len(matches)-1][1])
	if target == last.Name {
		// Self-handoff (e.g. the facilitator naming itself) is treated
		// as a default-to-facilitator to avoid a trivial infinite loop.
		return s.facilitator
	}
	if used[target] {
		return s.facilitator
	}
	if agent, ok := s.agents[target]; ok {
		used[target] = true
		return agent
	}
	return s.facilitator
}

// shouldContinue evaluates the termination question for the most
// recent agent reply: deterministic overrides first, then a
// model-backed rule evaluator.
func (s *Scheduler) shouldContinue(ctx context.Context, reply chatmodel.Message) bool {
	lower := strings.ToLower(reply.Content)
	if strings.HasPrefix(lower, "patient_context_json") {
		return true
	}
	if strings.Contains(lower, "back to you") {
		return true
	}

	if s.ruleEvaluator == nil {
		return false
	}

	req := &llm.ChatRequest{
		Model: s.ruleModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Reply with exactly CONTINUE or DONE: has this multi-agent conversation reached a natural stopping point for the user?"},
			{Role: llm.RoleUser, Content: reply.Content},
		},
		Temperature: 0,
	}
	resp, err := s.ruleEvaluator.Completion(ctx, req)
	if err != nil || len(resp.Choices) == 0 {
		s.logger.Warn("termination rule evaluator failed, defaulting to continue", zap.Error(err))
		return true
	}
	return strings.Contains(strings.ToUpper(resp.Choices[0].Message.Content), "CONTINUE")
}

// Run drives the group chat forward from hist until a terminal state is
// reached: the confirmation gate holds, the rule evaluator (or a
// deterministic override) signals done, or the iteration cap is hit.
func (s *Scheduler) Run(ctx context.Context, hist chatmodel.ChatHistory) Result {
	facilitatorName := ""
	if s.facilitator != nil {
		facilitatorName = s.facilitator.Name()
	}

	used := make(map[string]bool)
	for i := 0; i < s.maxIterations; i++ {
		if confirmationGateHolds(hist, facilitatorName) {
			return Result{State: StateAwaitUser, History: hist, Iterations: i}
		}

		agent := s.selectSpeaker(hist, used)
		if agent == nil {
			return Result{State: StateDone, History: hist, Iterations: i}
		}

		reply, err := agent.Invoke(ctx, hist)
		if err != nil {
			s.logger.Warn("agent invocation failed, synthesizing notice and deferring to facilitator",
				zap.String("agent", agent.Name()), zap.Error(err))
			reply = types.NewAssistantMessage(agent.Name(), agent.Name()+" was unable to respond this turn. Back to you, "+facilitatorName+".")
		}
		hist = append(hist, reply)

		if !s.shouldContinue(ctx, reply) {
			return Result{State: StateDone, History: hist, Iterations: i + 1}
		}
	}

	return Result{State: StateCapReached, History: hist, Iterations: s.maxIterations}
}
