// Package openaiprovider implements llm.Provider against the OpenAI
// (and Azure-OpenAI-compatible) chat-completions API via
// github.com/sashabaranov/go-openai.
package openaiprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/llm"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/providers"
)

// Provider adapts an OpenAI client to llm.Provider.
type Provider struct {
	client *openai.Client
	cfg    providers.OpenAIConfig
	logger *zap.Logger
}

// New creates a Provider from cfg. When cfg.BaseURL is set the client is
// pointed at it instead of the public OpenAI endpoint, which covers
// Azure OpenAI and self-hosted OpenAI-compatible gateways.
func New(cfg providers.OpenAIConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "openaiprovider.Provider")),
	}
}

// Name returns the provider's identifier.
func (p *Provider) Name() string { return "openai" }

// SupportsNativeFunctionCalling reports that OpenAI chat models support
// tool/function calling; the orchestration core does not currently issue
// any, but callers may rely on this to gate future behavior.
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

// Completion issues a single chat-completion request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	if s, ok := req.Metadata["seed"]; ok {
		if seed, err := strconv.Atoi(s); err == nil {
			chatReq.Seed = &seed
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapError(err, p.Name())
	}

	choices := make([]llm.ChatChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: string(c.FinishReason),
			Message: llm.Message{
				Role:    llm.Role(c.Message.Role),
				Content: c.Message.Content,
				Name:    c.Message.Name,
			},
		})
	}

	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: p.Name(),
		Model:    resp.Model,
		Choices:  choices,
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		CreatedAt: time.Unix(resp.Created, 0),
	}, nil
}

// HealthCheck issues a minimal completion request against the configured
// model to verify the provider is reachable and authorized.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	latency := time.Since(start)
	if err != nil {
		p.logger.Warn("health check failed", zap.Error(err))
		return &llm.HealthStatus{Healthy: false, Latency: latency}, mapError(err, p.Name())
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// mapError translates a go-openai error into the orchestration core's
// llm.Error taxonomy so retry and routing decisions do not need to know
// about vendor-specific error shapes.
func mapError(err error, provider string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := llm.ErrUpstreamError
		retryable := false
		switch apiErr.HTTPStatusCode {
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
		default:
			if apiErr.HTTPStatusCode >= 500 {
				code = llm.ErrUpstreamError
				retryable = true
			}
		}
		return &llm.Error{
			Code:      code,
			Message:   fmt.Sprintf("openai: %s", apiErr.Message),
			Retryable: retryable,
			Provider:  provider,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &llm.Error{
			Code:      llm.ErrProviderUnavailable,
			Message:   fmt.Sprintf("openai: request error: %v", reqErr.Err),
			Retryable: true,
			Provider:  provider,
		}
	}

	return &llm.Error{
		Code:      llm.ErrProviderUnavailable,
		Message:   fmt.Sprintf("openai: %v", err),
		Retryable: true,
		Provider:  provider,
	}
}
