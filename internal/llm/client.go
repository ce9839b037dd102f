// Package llm holds the chat clients behind the orchestrator: one
// chat-completions client per model role plus the extraction client used by
// consolidation. All failures surface as typed *Error values.
package llm

import (
	"context"
	"encoding/json"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/medulla-ai/medulla/internal/backoff"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/pkg/models"
)

// ChatRequest is one chat-completions exchange.
type ChatRequest struct {
	Messages  []models.Message
	Functions []tools.LLMFunction
	MaxTokens int
}

// ChatResponse is the normalized model reply. Embedded tool-request blocks
// are already folded into ToolCalls and stripped from Content.
type ChatResponse struct {
	Content          string
	ToolCalls        []models.ToolCall
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// ChatClient is the orchestrator-facing model interface.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Role() models.ModelRole
	SupportsFunctionCalling() bool
}

// RoleClient serves one model role over a chat-completions endpoint.
// Concurrency per role is bounded by the governance max_concurrency.
type RoleClient struct {
	role   models.ModelRole
	spec   governance.ModelSpec
	client *openai.Client
	sem    *semaphore.Weighted

	logger  *observability.Logger
	events  *observability.EventLog
	metrics *observability.Metrics

	retry       backoff.Policy
	maxAttempts int
}

// ClientOption configures a RoleClient.
type ClientOption func(*RoleClient)

// WithClientMetrics attaches the metrics registry.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *RoleClient) { c.metrics = m }
}

// WithEvents attaches the event log.
func WithEvents(e *observability.EventLog) ClientOption {
	return func(c *RoleClient) { c.events = e }
}

// WithRetry overrides the retry policy.
func WithRetry(p backoff.Policy, maxAttempts int) ClientOption {
	return func(c *RoleClient) {
		c.retry = p
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

// NewRoleClient builds a client for one role binding. A non-empty endpoint in
// the model spec overrides the SDK default base URL, which is how local
// backends are addressed.
func NewRoleClient(role models.ModelRole, spec governance.ModelSpec, apiKey string,
	logger *observability.Logger, opts ...ClientOption) *RoleClient {
	concurrency := int64(spec.MaxConcurrency)
	if concurrency < 1 {
		concurrency = 1
	}

	cfg := openai.DefaultConfig(apiKey)
	if spec.Endpoint != "" {
		cfg.BaseURL = spec.Endpoint
	}

	c := &RoleClient{
		role:        role,
		spec:        spec,
		client:      openai.NewClientWithConfig(cfg),
		sem:         semaphore.NewWeighted(concurrency),
		logger:      logger,
		retry:       backoff.Default(),
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Role returns the logical role this client serves.
func (c *RoleClient) Role() models.ModelRole { return c.role }

// SupportsFunctionCalling reports whether tool descriptors should be sent.
func (c *RoleClient) SupportsFunctionCalling() bool { return c.spec.SupportsFunctionCalling }

// Chat issues one chat-completions request. Retryable failures (connection,
// timeout, rate limit, server) are retried with backoff; others fail fast.
func (c *RoleClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: KindTimeout, Role: c.role, Model: c.spec.ID, Err: err}
	}
	defer c.sem.Release(1)

	if c.spec.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.spec.DefaultTimeout)*time.Second)
		defer cancel()
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    c.spec.ID,
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if c.spec.Temperature != nil {
		chatReq.Temperature = float32(*c.spec.Temperature)
	}
	if c.spec.SupportsFunctionCalling && len(req.Functions) > 0 {
		chatReq.Tools = convertFunctions(req.Functions)
	}

	c.emit(ctx, observability.EventModelCallStarted, map[string]any{
		"role": string(c.role), "model": c.spec.ID, "messages": len(req.Messages),
	})
	start := time.Now()

	var resp openai.ChatCompletionResponse
	for attempt := 1; ; attempt++ {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}

		typed := &Error{Kind: Classify(err), Role: c.role, Model: c.spec.ID, Err: err}
		if !typed.Retryable() || attempt >= c.maxAttempts {
			c.record(ctx, start, string(typed.Kind), 0, 0)
			return nil, typed
		}
		c.logger.Warn(ctx, "model call retry",
			"role", string(c.role), "attempt", attempt, "kind", string(typed.Kind), "error", err)
		if err := c.retry.Sleep(ctx, attempt); err != nil {
			c.record(ctx, start, string(KindTimeout), 0, 0)
			return nil, &Error{Kind: KindTimeout, Role: c.role, Model: c.spec.ID, Err: err}
		}
	}

	if len(resp.Choices) == 0 {
		typed := &Error{Kind: KindInvalidResponse, Role: c.role, Model: c.spec.ID,
			Err: errNoChoices}
		c.record(ctx, start, string(KindInvalidResponse), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return nil, typed
	}

	message := resp.Choices[0].Message
	out := &ChatResponse{
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	content, embedded, parseErr := ParseToolRequests(message.Content)
	if parseErr != nil {
		c.logger.Warn(ctx, "malformed embedded tool request",
			"role", string(c.role), "error", parseErr)
		c.emit(ctx, observability.EventModelCallError, map[string]any{
			"role": string(c.role), "model": c.spec.ID, "error": parseErr.Error(),
		})
	}
	out.Content = content
	out.ToolCalls = append(out.ToolCalls, embedded...)

	c.record(ctx, start, "ok", out.PromptTokens, out.CompletionTokens)
	c.emit(ctx, observability.EventModelCallCompleted, map[string]any{
		"role": string(c.role), "model": c.spec.ID,
		"tool_calls": len(out.ToolCalls), "duration_ms": time.Since(start).Milliseconds(),
	})
	return out, nil
}

func (c *RoleClient) record(ctx context.Context, start time.Time, status string, prompt, completion int) {
	if c.metrics != nil {
		c.metrics.RecordModelCall(string(c.role), c.spec.ID, status,
			time.Since(start).Seconds(), prompt, completion)
	}
	if status != "ok" {
		c.emit(ctx, observability.EventModelCallError, map[string]any{
			"role": string(c.role), "model": c.spec.ID, "status": status,
		})
	}
}

func (c *RoleClient) emit(ctx context.Context, t observability.EventType, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Emit(ctx, observability.Event{Type: t, Component: "llm", Data: data})
}

func convertMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		}
		if m.Role == models.RoleTool {
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.Name
		}
		out = append(out, cm)
	}
	return out
}

func convertFunctions(fns []tools.LLMFunction) []openai.Tool {
	out := make([]openai.Tool, len(fns))
	for i, fn := range fns {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		}
	}
	return out
}
