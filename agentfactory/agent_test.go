package agentfactory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: f.content}}}}, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (f *fakeProvider) Name() string                       { return "fake" }
func (f *fakeProvider) SupportsNativeFunctionCalling() bool { return false }

func TestLLMAgent_Invoke_ReturnsAssistantMessage(t *testing.T) {
	p := &fakeProvider{content: "Plan: review labs"}
	cfg := chatmodel.AgentConfig{Name: "Facilitator", Description: "runs the meeting", Instructions: "be the facilitator", Facilitator: true}
	a := NewLLMAgent(cfg, p, "gpt-4o", 4096, nil)

	msg, err := a.Invoke(context.Background(), chatmodel.ChatHistory{types.NewUserMessage("start")})
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "Facilitator", msg.Name)
	assert.Equal(t, "Plan: review labs", msg.Content)
}

func TestLLMAgent_Invoke_WrapsProviderFailure(t *testing.T) {
	p := &fakeProvider{err: assertErr{}}
	cfg := chatmodel.AgentConfig{Name: "Radiologist"}
	a := NewLLMAgent(cfg, p, "gpt-4o", 4096, nil)

	_, err := a.Invoke(context.Background(), chatmodel.ChatHistory{})
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentInvocation, types.GetErrorCode(err))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestFactory_Build_RequiresExactlyOneFacilitator(t *testing.T) {
	f := NewFactory(&fakeProvider{}, "gpt-4o", 4096, nil, nil)

	_, err := f.Build([]chatmodel.AgentConfig{
		{Name: "A"},
		{Name: "B"},
	})
	assert.Error(t, err)

	_, err = f.Build([]chatmodel.AgentConfig{
		{Name: "A", Facilitator: true},
		{Name: "B", Facilitator: true},
	})
	assert.Error(t, err)
}

func TestFactory_Build_ProducesExternalAndLLMAgents(t *testing.T) {
	f := NewFactory(&fakeProvider{}, "gpt-4o", 4096, nil, nil)

	agents, err := f.Build([]chatmodel.AgentConfig{
		{Name: "Facilitator", Facilitator: true},
		{Name: "External", External: true, Endpoint: "https://example.invalid/agent"},
	})
	require.NoError(t, err)
	require.Len(t, agents, 2)

	_, isExternal := agents[1].(*ExternalAgent)
	assert.True(t, isExternal)
	_, isLLM := agents[0].(*LLMAgent)
	assert.True(t, isLLM)
}

func TestRenderFacilitatorInstructions_SubstitutesOtherParticipants(t *testing.T) {
	f := NewFactory(&fakeProvider{}, "gpt-4o", 4096, nil, nil)
	agents, err := f.Build([]chatmodel.AgentConfig{
		{Name: "Facilitator", Facilitator: true},
		{Name: "Radiologist", Description: "reads imaging"},
		{Name: "Oncologist", Description: "treatment plans"},
	})
	require.NoError(t, err)

	rendered := RenderFacilitatorInstructions("Participants:\n{{aiAgents}}", agents, "Facilitator")
	assert.Contains(t, rendered, "Radiologist: reads imaging")
	assert.Contains(t, rendered, "Oncologist: treatment plans")
	assert.NotContains(t, rendered, "Facilitator: ")
}

func TestTrimToBudget_KeepsMostRecentMessageEvenIfOversized(t *testing.T) {
	hist := chatmodel.ChatHistory{types.NewUserMessage(bigText(10000))}
	got := TrimToBudget(hist, "gpt-4o", 10)
	require.Len(t, got, 1)
}

func TestTrimToBudget_DropsOldestFirst(t *testing.T) {
	hist := chatmodel.ChatHistory{
		types.NewUserMessage("first message here"),
		types.NewUserMessage("second message here"),
		types.NewUserMessage("third"),
	}
	got := TrimToBudget(hist, "gpt-4o", 3)
	assert.Equal(t, "third", got[len(got)-1].Content)
}

func TestTrimToBudget_NoopWhenNoLimit(t *testing.T) {
	hist := chatmodel.ChatHistory{types.NewUserMessage("a"), types.NewUserMessage("b")}
	got := TrimToBudget(hist, "gpt-4o", 0)
	assert.Equal(t, hist, got)
}

func bigText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
