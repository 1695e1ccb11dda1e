// Package anthropicprovider implements llm.Provider against Anthropic's
// Messages API via github.com/anthropics/anthropic-sdk-go.
//
// Claude's wire protocol differs from OpenAI's in ways this adapter must
// bridge: system instructions travel in a dedicated field rather than as
// a message with role "system", and max_tokens is a required parameter
// rather than an optional one.
package anthropicprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/providers"
)

// defaultMaxTokens is used when the caller does not specify one; Claude,
// unlike OpenAI, rejects requests that omit max_tokens entirely.
const defaultMaxTokens = 4096

// defaultModel is used when neither the request nor the config names one.
const defaultModel = anthropic.ModelClaudeSonnet4_6

// Provider adapts an Anthropic client to llm.Provider.
type Provider struct {
	client anthropic.Client
	cfg    providers.ClaudeConfig
	logger *zap.Logger
}

// New creates a Provider from cfg.
func New(cfg providers.ClaudeConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return &Provider{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "anthropicprovider.Provider")),
	}
}

// Name returns the provider's identifier.
func (p *Provider) Name() string { return "anthropic" }

// SupportsNativeFunctionCalling reports that Claude models support
// tool_use/tool_result natively.
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

// Completion issues a single Messages API call, extracting any system
// message from req.Messages into the dedicated System field.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if model == "" {
		model = defaultModel
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, messages := convertMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err, p.Name())
	}

	return toChatResponse(msg, p.Name()), nil
}

// HealthCheck issues a minimal Messages API call to verify the provider
// is reachable and authorized.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	model := p.cfg.Model
	if model == "" {
		model = defaultModel
	}
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	latency := time.Since(start)
	if err != nil {
		p.logger.Warn("health check failed", zap.Error(err))
		return &llm.HealthStatus{Healthy: false, Latency: latency}, mapError(err, p.Name())
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// convertMessages extracts a leading system instruction (if any) and
// converts the remainder to Claude's message shape.
func convertMessages(msgs []llm.Message) (string, []anthropic.MessageParam) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return system, out
}

// toChatResponse flattens Claude's content-block array into a single
// assistant message, concatenating consecutive text blocks.
func toChatResponse(msg *anthropic.Message, provider string) *llm.ChatResponse {
	var content string
	for _, block := range msg.Content {
		if text := block.AsAny(); text != nil {
			if tb, ok := text.(anthropic.TextBlock); ok {
				content += tb.Text
			}
		}
	}

	resp := &llm.ChatResponse{
		ID:       msg.ID,
		Provider: provider,
		Model:    string(msg.Model),
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: string(msg.StopReason),
			Message: llm.Message{
				Role:    llm.RoleAssistant,
				Content: content,
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	return resp
}

// mapError translates an anthropic-sdk-go error into the orchestration
// core's llm.Error taxonomy.
func mapError(err error, provider string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := llm.ErrUpstreamError
		retryable := false
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = llm.ErrUnauthorized
		case http.StatusTooManyRequests:
			code = llm.ErrRateLimited
			retryable = true
		case http.StatusBadRequest:
			code = llm.ErrInvalidRequest
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			code = llm.ErrUpstreamTimeout
			retryable = true
		case 529: // Anthropic's overloaded status code
			code = llm.ErrProviderUnavailable
			retryable = true
		default:
			if apiErr.StatusCode >= 500 {
				retryable = true
			}
		}
		return &llm.Error{
			Code:      code,
			Message:   fmt.Sprintf("anthropic: %s", apiErr.Error()),
			Retryable: retryable,
			Provider:  provider,
		}
	}

	return &llm.Error{
		Code:      llm.ErrProviderUnavailable,
		Message:   fmt.Sprintf("anthropic: %v", err),
		Retryable: true,
		Provider:  provider,
	}
}
