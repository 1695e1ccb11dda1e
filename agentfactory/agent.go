// Package agentfactory builds Agent values from AgentConfig and
// runtime state, and the handful of context-window bookkeeping
// (token-budget trimming) every agent invocation needs regardless of
// backing provider.
package agentfactory

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/types"
)

// fixedSeed is used wherever a provider supports a deterministic seed,
// to keep scenario tests reproducible.
const fixedSeed = 42

// Agent is the minimal execution contract shared by every participant
// in a group chat, whether backed by an LLM or an external system.
// This mirrors the smallest-common-denominator Executor pattern: an
// identity and a single invocation method, with no assumption about
// what backs it.
type Agent interface {
	// Name returns the agent's display name, used for handoff token
	// matching and transcript attribution.
	Name() string
	// Description summarizes the agent's role, used when templating
	// the facilitator's participant list.
	Description() string
	// IsFacilitator reports whether this agent holds the facilitator
	// role for its group chat.
	IsFacilitator() bool
	// Invoke runs the agent against hist and returns its reply
	// message. Invoke never returns a fatal error to the caller under
	// normal operation: invocation failures are translated into a
	// types.ErrAgentInvocation-coded error for the caller to convert
	// into a synthetic message.
	Invoke(ctx context.Context, hist chatmodel.ChatHistory) (chatmodel.Message, error)
}

// LLMAgent is an Agent backed by an llm.Provider.
type LLMAgent struct {
	name          string
	description   string
	instructions  string
	facilitator   bool
	temperature   float32
	model         string
	provider      llm.Provider
	maxContextTok int
	logger        *zap.Logger
}

// NewLLMAgent builds an LLMAgent from cfg.
func NewLLMAgent(cfg chatmodel.AgentConfig, provider llm.Provider, model string, maxContextTok int, logger *zap.Logger) *LLMAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMAgent{
		name:          cfg.Name,
		description:   cfg.Description,
		instructions:  cfg.Instructions,
		facilitator:   cfg.Facilitator,
		temperature:   float32(cfg.Temperature),
		model:         model,
		provider:      provider,
		maxContextTok: maxContextTok,
		logger:        logger.With(zap.String("component", "agentfactory.LLMAgent"), zap.String("agent", cfg.Name)),
	}
}

func (a *LLMAgent) Name() string        { return a.name }
func (a *LLMAgent) Description() string { return a.description }
func (a *LLMAgent) IsFacilitator() bool { return a.facilitator }

// Invoke renders a's instructions as the system prompt, trims hist to
// fit the configured token budget, and issues a single completion.
func (a *LLMAgent) Invoke(ctx context.Context, hist chatmodel.ChatHistory) (chatmodel.Message, error) {
	trimmed := TrimToBudget(hist, a.model, a.maxContextTok)

	messages := make([]llm.Message, 0, len(trimmed)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.instructions})
	for _, m := range trimmed {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content, Name: m.Name})
	}

	req := &llm.ChatRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
		Metadata:    map[string]string{"seed": fmt.Sprintf("%d", fixedSeed)},
	}

	resp, err := a.provider.Completion(ctx, req)
	if err != nil {
		a.logger.Warn("agent invocation failed", zap.Error(err))
		return chatmodel.Message{}, types.NewError(types.ErrAgentInvocation, "agent "+a.name+" invocation failed").WithCause(err).WithRetryable(false)
	}
	if len(resp.Choices) == 0 {
		return chatmodel.Message{}, types.NewError(types.ErrAgentInvocation, "agent "+a.name+" returned no choices")
	}

	return types.NewAssistantMessage(a.name, resp.Choices[0].Message.Content), nil
}

// ExternalAgent is an Agent backed by an opaque HTTP endpoint rather
// than a direct LLM call, for participants implemented outside this
// process.
type ExternalAgent struct {
	name        string
	description string
	facilitator bool
	endpoint    string
	client      *http.Client
	logger      *zap.Logger
}

// NewExternalAgent builds an ExternalAgent from cfg.
func NewExternalAgent(cfg chatmodel.AgentConfig, client *http.Client, logger *zap.Logger) *ExternalAgent {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExternalAgent{
		name:        cfg.Name,
		description: cfg.Description,
		facilitator: cfg.Facilitator,
		endpoint:    cfg.Endpoint,
		client:      client,
		logger:      logger.With(zap.String("component", "agentfactory.ExternalAgent"), zap.String("agent", cfg.Name)),
	}
}

func (a *ExternalAgent) Name() string        { return a.name }
func (a *ExternalAgent) Description() string { return a.description }
func (a *ExternalAgent) IsFacilitator() bool { return a.facilitator }

// Invoke is implemented by callers that supply a transport; the base
// ExternalAgent only carries identity and endpoint configuration. A
// concrete deployment wires client.Do against a.endpoint using
// whatever wire format the external system expects; that wiring is
// deployment-specific and lives outside this package.
func (a *ExternalAgent) Invoke(ctx context.Context, hist chatmodel.ChatHistory) (chatmodel.Message, error) {
	return chatmodel.Message{}, types.NewError(types.ErrAgentInvocation, "external agent "+a.name+" has no transport configured")
}

// Factory builds Agent values from a roster of AgentConfig.
type Factory struct {
	provider      llm.Provider
	model         string
	maxContextTok int
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewFactory creates a Factory.
func NewFactory(provider llm.Provider, model string, maxContextTok int, httpClient *http.Client, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{provider: provider, model: model, maxContextTok: maxContextTok, httpClient: httpClient, logger: logger.With(zap.String("component", "agentfactory.Factory"))}
}

// Build constructs the full roster of Agent values from cfgs. The
// facilitator's instructions are re-rendered once the full roster is
// known, substituting {{aiAgents}} with the other participants' names
// and descriptions.
func (f *Factory) Build(cfgs []chatmodel.AgentConfig) ([]Agent, error) {
	agents := make([]Agent, 0, len(cfgs))
	facilitators := 0
	facilitatorIdx := -1
	facilitatorCfg := chatmodel.AgentConfig{}
	for i, cfg := range cfgs {
		if cfg.Facilitator {
			facilitators++
			facilitatorIdx = i
			facilitatorCfg = cfg
		}
		if cfg.External {
			agents = append(agents, NewExternalAgent(cfg, f.httpClient, f.logger))
			continue
		}
		agents = append(agents, NewLLMAgent(cfg, f.provider, f.model, f.maxContextTok, f.logger))
	}
	if facilitators != 1 {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("agent roster must name exactly one facilitator, found %d", facilitators))
	}

	if !facilitatorCfg.External {
		rendered := RenderFacilitatorInstructions(facilitatorCfg.Instructions, agents, facilitatorCfg.Name)
		facilitatorCfg.Instructions = rendered
		agents[facilitatorIdx] = NewLLMAgent(facilitatorCfg, f.provider, f.model, f.maxContextTok, f.logger)
	}
	return agents, nil
}

// RenderFacilitatorInstructions substitutes the {{aiAgents}} token in
// the facilitator's instructions template with a bullet list of every
// other participant's "name: description".
func RenderFacilitatorInstructions(template string, roster []Agent, facilitatorName string) string {
	list := ""
	for _, a := range roster {
		if a.Name() == facilitatorName {
			continue
		}
		list += fmt.Sprintf("- %s: %s\n", a.Name(), a.Description())
	}
	return strings.ReplaceAll(template, "{{aiAgents}}", list)
}

// TrimToBudget drops the oldest messages in hist until the remaining
// tail fits within maxTokens as counted by the tokenizer for model,
// falling back to the cl100k_base encoding for unrecognized models.
// The most recent message is never dropped, even if it alone exceeds
// the budget: a truncated turn is preferable to an empty one.
func TrimToBudget(hist chatmodel.ChatHistory, model string, maxTokens int) chatmodel.ChatHistory {
	if maxTokens <= 0 || len(hist) == 0 {
		return hist
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return hist
		}
	}

	total := 0
	counts := make([]int, len(hist))
	for i, m := range hist {
		n := len(enc.Encode(m.Content, nil, nil))
		counts[i] = n
		total += n
	}

	start := 0
	for start < len(hist)-1 && total > maxTokens {
		total -= counts[start]
		start++
	}
	return hist[start:]
}
