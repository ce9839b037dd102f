package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/medulla-ai/medulla/internal/backoff"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func completionJSON(content string) string {
	resp := map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func newStubClient(t *testing.T, handler http.HandlerFunc, spec governance.ModelSpec, opts ...ClientOption) *RoleClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	spec.Endpoint = srv.URL + "/v1"
	opts = append(opts, WithRetry(backoff.Policy{Initial: 0, Factor: 1}, 3))
	return NewRoleClient(models.ModelRoleStandard, spec, "test-key", testLogger(), opts...)
}

func TestChatPlainReply(t *testing.T) {
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("hello back")))
	}, governance.ModelSpec{ID: "test-model", SupportsFunctionCalling: true})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello back" || len(resp.ToolCalls) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 7 {
		t.Fatalf("usage = %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
}

func TestChatNormalizesEmbeddedToolRequests(t *testing.T) {
	content := `Checking. [TOOL_REQUEST]{"name": "disk_usage", "arguments": {"path": "/"}}[END_TOOL_REQUEST]`
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON(content)))
	}, governance.ModelSpec{ID: "test-model"})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "disk?"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "disk_usage" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Content != "Checking." {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestChatOmitsToolsWithoutFunctionCalling(t *testing.T) {
	var sawTools atomic.Bool
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := req["tools"]; ok {
			sawTools.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("ok")))
	}, governance.ModelSpec{ID: "test-model", SupportsFunctionCalling: false})

	_, err := client.Chat(context.Background(), ChatRequest{
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Functions: []tools.LLMFunction{{Name: "read_file", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawTools.Load() {
		t.Fatal("tools must not be sent when function calling is unsupported")
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("recovered")))
	}, governance.ModelSpec{ID: "test-model"})

	resp, err := client.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("content = %q", resp.Content)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error": {"message": "bad request"}}`, http.StatusBadRequest)
	}, governance.ModelSpec{ID: "test-model"})

	_, err := client.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("error type = %T", err)
	}
	if typed.Retryable() {
		t.Fatal("4xx must not be retryable")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestConvertMessagesRoundtrip(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "opener"},
		{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "read_file", Arguments: json.RawMessage(`{"path":"/tmp/x"}`)},
		}},
		{Role: models.RoleTool, Content: "result", ToolCallID: "tc1", Name: "read_file"},
	}
	out := convertMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("converted %d messages", len(out))
	}
	if out[1].ToolCalls[0].Function.Name != "read_file" || out[1].ToolCalls[0].Type != openai.ToolTypeFunction {
		t.Fatalf("tool call = %+v", out[1].ToolCalls[0])
	}
	if out[2].ToolCallID != "tc1" || out[2].Role != "tool" {
		t.Fatalf("tool message = %+v", out[2])
	}
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{&openai.APIError{HTTPStatusCode: 429}, KindRateLimit},
		{&openai.APIError{HTTPStatusCode: 500}, KindServer},
		{&openai.RequestError{HTTPStatusCode: 503}, KindServer},
		{errors.New("dial tcp: connection refused"), KindConnection},
		{errors.New("request rate limit exceeded"), KindRateLimit},
		{errors.New("something else"), KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
