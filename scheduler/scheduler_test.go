package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/agentfactory"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

type scriptedAgent struct {
	name        string
	description string
	facilitator bool
	replies     []string
	i           int
	fail        bool
}

func (a *scriptedAgent) Name() string        { return a.name }
func (a *scriptedAgent) Description() string { return a.description }
func (a *scriptedAgent) IsFacilitator() bool { return a.facilitator }
func (a *scriptedAgent) Invoke(ctx context.Context, hist chatmodel.ChatHistory) (chatmodel.Message, error) {
	if a.fail {
		a.fail = false
		return chatmodel.Message{}, errors.New("boom")
	}
	r := a.replies[a.i]
	if a.i < len(a.replies)-1 {
		a.i++
	}
	return types.NewAssistantMessage(a.name, r), nil
}

var _ agentfactory.Agent = (*scriptedAgent)(nil)

// fixedRuleEvaluator always returns the same verdict.
type fixedRuleEvaluator struct{ verdict string }

func (f *fixedRuleEvaluator) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Content: f.verdict}}}}, nil
}
func (f *fixedRuleEvaluator) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{}, nil
}
func (f *fixedRuleEvaluator) Name() string                       { return "rule" }
func (f *fixedRuleEvaluator) SupportsNativeFunctionCalling() bool { return false }

// sequencedRuleEvaluator returns successive verdicts from a fixed
// sequence, holding the last one once exhausted.
type sequencedRuleEvaluator struct {
	verdicts []string
	i        int
}

func (f *sequencedRuleEvaluator) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	v := f.verdicts[f.i]
	if f.i < len(f.verdicts)-1 {
		f.i++
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Content: v}}}}, nil
}
func (f *sequencedRuleEvaluator) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{}, nil
}
func (f *sequencedRuleEvaluator) Name() string                       { return "rule" }
func (f *sequencedRuleEvaluator) SupportsNativeFunctionCalling() bool { return false }

func TestHasPlanIndicators(t *testing.T) {
	assert.True(t, hasPlanIndicators("Plan: review labs then imaging"))
	assert.True(t, hasPlanIndicators("1. review labs\n2. order imaging"))
	assert.True(t, hasPlanIndicators("- review labs\n- order imaging"))
	assert.False(t, hasPlanIndicators("sure, let's discuss"))
	assert.False(t, hasPlanIndicators("- only one bullet"))
}

func TestScheduler_DefaultsToFacilitatorWithNoHandoff(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"all set, nothing more to add"}}
	s := New([]agentfactory.Agent{fac}, &fixedRuleEvaluator{verdict: "DONE"}, "rule-model", 10, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("hi")})
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Iterations)
}

func TestScheduler_ConfirmationGateHoldsAfterFacilitatorPlan(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"Plan: 1. review labs\n2. order imaging"}}
	s := New([]agentfactory.Agent{fac}, &fixedRuleEvaluator{verdict: "CONTINUE"}, "rule-model", 10, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("start a tumor board")})
	assert.Equal(t, StateAwaitUser, res.State)
	assert.Equal(t, 1, res.Iterations)
}

func TestScheduler_ProceedsAfterUserConfirms(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"all set, nothing more to add"}}
	s := New([]agentfactory.Agent{fac}, &fixedRuleEvaluator{verdict: "DONE"}, "rule-model", 10, nil)

	hist := chatmodel.ChatHistory{
		types.NewUserMessage("start a tumor board"),
		types.NewAssistantMessage("Facilitator", "Plan: 1. review labs\n2. order imaging"),
		types.NewUserMessage("yes go ahead"),
	}
	res := s.Run(context.Background(), hist)
	assert.Equal(t, StateDone, res.State)
}

func TestScheduler_HandoffTokenRoutesToNamedAgent(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"Let's ask *Radiologist* to weigh in"}}
	rad := &scriptedAgent{name: "Radiologist", replies: []string{"All clear, nothing further needed"}}
	s := New([]agentfactory.Agent{fac, rad}, &sequencedRuleEvaluator{verdicts: []string{"CONTINUE", "DONE"}}, "rule-model", 10, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("ask the radiologist")})
	require.Len(t, res.History, 3)
	assert.Equal(t, "Radiologist", res.History[2].Name)
	assert.Equal(t, StateDone, res.State)
}

func TestScheduler_HandoffBackToAlreadySpokenAgentDefersToFacilitator(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"Let's ask *Radiologist* to weigh in", "noted, thanks everyone"}}
	rad := &scriptedAgent{name: "Radiologist", replies: []string{"Handing to *Oncologist* for staging"}}
	onc := &scriptedAgent{name: "Oncologist", replies: []string{"Back over to *Radiologist* for another look"}}
	s := New([]agentfactory.Agent{fac, rad, onc}, &sequencedRuleEvaluator{verdicts: []string{"CONTINUE", "CONTINUE", "CONTINUE", "DONE"}}, "rule-model", 10, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("ask the radiologist")})
	require.Len(t, res.History, 5)
	assert.Equal(t, "Radiologist", res.History[2].Name)
	assert.Equal(t, "Oncologist", res.History[3].Name)
	assert.Equal(t, "Facilitator", res.History[4].Name)
	assert.Equal(t, StateDone, res.State)
}

func TestScheduler_SelfHandoffDefaultsToFacilitator(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"I, *Facilitator*, will continue", "solid, nothing more needed"}}
	s := New([]agentfactory.Agent{fac}, &sequencedRuleEvaluator{verdicts: []string{"CONTINUE", "DONE"}}, "rule-model", 10, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("go")})
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.History, 3)
}

func TestScheduler_IterationCapReached(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"still working on it"}}
	s := New([]agentfactory.Agent{fac}, &fixedRuleEvaluator{verdict: "CONTINUE"}, "rule-model", 3, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("go")})
	assert.Equal(t, StateCapReached, res.State)
	assert.Equal(t, 3, res.Iterations)
}

func TestScheduler_AgentFailureProducesSyntheticMessageAndDefersToFacilitator(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"Let's ask *Radiologist* to weigh in", "ok all set, thanks everyone"}}
	rad := &scriptedAgent{name: "Radiologist", fail: true, replies: []string{"unused"}}
	s := New([]agentfactory.Agent{fac, rad}, &sequencedRuleEvaluator{verdicts: []string{"CONTINUE", "DONE"}}, "rule-model", 10, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("ask the radiologist")})
	require.Len(t, res.History, 4)
	assert.Contains(t, res.History[2].Content, "unable to respond")
	assert.Equal(t, StateDone, res.State)
}

func TestScheduler_DeterministicOverride_BackToYouForcesContinueDespiteDoneVerdict(t *testing.T) {
	fac := &scriptedAgent{name: "Facilitator", facilitator: true, replies: []string{"back to you, everyone, let's keep going"}}
	s := New([]agentfactory.Agent{fac}, &fixedRuleEvaluator{verdict: "DONE"}, "rule-model", 5, nil)

	res := s.Run(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("go")})
	assert.Equal(t, StateCapReached, res.State)
	assert.Equal(t, 5, res.Iterations)
}
