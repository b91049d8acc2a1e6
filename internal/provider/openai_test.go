package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/deskrunner/deskrunner/pkg/models"
)

func TestNewOpenAI(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}

	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want %q", p.Name(), "openai")
	}
	if p.defaultModel == "" || p.defaultMaxTokens <= 0 {
		t.Error("defaults should be applied")
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	messages := []models.Message{
		{Role: models.RoleUser, Content: "What's the weather in London?"},
		{
			Role:    models.RoleAssistant,
			Content: "Let me check.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"London"}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "Sunny, 22C"},
				{ToolCallID: "call_2", Content: "Windy"},
			},
		},
	}

	result := p.convertMessages(messages, "You are helpful.")

	// System + user + assistant + one message per tool result.
	if len(result) != 5 {
		t.Fatalf("converted %d messages, want 5", len(result))
	}

	if result[0].Role != openai.ChatMessageRoleSystem || result[0].Content != "You are helpful." {
		t.Errorf("first message = %+v, want system prompt", result[0])
	}
	if result[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("second message role = %q, want user", result[1].Role)
	}

	assistant := result[2]
	if assistant.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("assistant role = %q", assistant.Role)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(assistant.ToolCalls))
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"city":"London"}` {
		t.Errorf("arguments = %q, want raw JSON string", assistant.ToolCalls[0].Function.Arguments)
	}

	for i, wantID := range map[int]string{3: "call_1", 4: "call_2"} {
		if result[i].Role != openai.ChatMessageRoleTool {
			t.Errorf("message %d role = %q, want tool", i, result[i].Role)
		}
		if result[i].ToolCallID != wantID {
			t.Errorf("message %d ToolCallID = %q, want %q", i, result[i].ToolCallID, wantID)
		}
	}
}

func TestOpenAIConvertMessagesWithoutSystem(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	result := p.convertMessages([]models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, "")

	if len(result) != 1 {
		t.Fatalf("converted %d messages, want 1", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("role = %q, want user", result[0].Role)
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	tools := []models.ToolDescriptor{
		{
			Name:        "get_weather",
			Description: "Get current weather",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
		{
			// Broken schema degrades to an empty object schema instead of
			// failing the whole request.
			Name:        "broken",
			InputSchema: json.RawMessage(`{not json`),
		},
	}

	result := p.convertTools(tools)
	if len(result) != 2 {
		t.Fatalf("converted %d tools, want 2", len(result))
	}
	if result[0].Function.Name != "get_weather" {
		t.Errorf("tool name = %q, want get_weather", result[0].Function.Name)
	}

	degraded, ok := result[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("degraded parameters have type %T, want map", result[1].Function.Parameters)
	}
	if degraded["type"] != "object" {
		t.Errorf("degraded schema = %v, want empty object schema", degraded)
	}
}

func TestOpenAIWrapError(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	apiErr := &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
		Code:           "rate_limit_error",
	}
	var perr *Error
	if !errors.As(p.wrapError(apiErr, "gpt-4o"), &perr) {
		t.Fatal("expected *Error")
	}
	if perr.Status != 429 || perr.Reason != ReasonRateLimit {
		t.Errorf("got status=%d reason=%v, want 429/rate_limit", perr.Status, perr.Reason)
	}
	if perr.Code != "rate_limit_error" {
		t.Errorf("Code = %q, want rate_limit_error", perr.Code)
	}

	reqErr := &openai.RequestError{
		HTTPStatusCode: 503,
		Err:            errors.New("upstream unavailable"),
	}
	if !errors.As(p.wrapError(reqErr, "gpt-4o"), &perr) {
		t.Fatal("expected *Error")
	}
	if perr.Status != 503 || perr.Reason != ReasonServerError {
		t.Errorf("got status=%d reason=%v, want 503/server_error", perr.Status, perr.Reason)
	}
	if !perr.Retryable() {
		t.Error("503 should be retryable")
	}
}

// newOpenAITestServer runs a fake Chat Completions endpoint and returns a
// provider pointed at it.
func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewOpenAI(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return p
}

func TestOpenAICompleteToolCallResponse(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer key", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_9",
						"type": "function",
						"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 9, "total_tokens": 29}
		}`))
	})

	resp, err := p.Complete(context.Background(), &Request{
		Model: "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "Weather in Paris?"},
		},
		Tools: []models.ToolDescriptor{
			{Name: "get_weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, want %q", resp.StopReason, StopToolUse)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_9" || resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("tool call = %+v", resp.ToolCalls[0])
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 9 {
		t.Errorf("usage = %d/%d, want 20/9", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAICompleteTextResponse(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Bonjour"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}
		}`))
	})

	resp, err := p.Complete(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "Say hi in French"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Bonjour" {
		t.Errorf("Content = %q, want Bonjour", resp.Content)
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("StopReason = %q, want %q", resp.StopReason, StopEndTurn)
	}
}

func TestOpenAICompleteClassifiesAuthError(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{
			"error": {
				"message": "Incorrect API key provided",
				"type": "invalid_request_error",
				"code": "invalid_api_key"
			}
		}`))
	})

	_, err := p.Complete(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if perr.Reason != ReasonAuth {
		t.Errorf("Reason = %v, want %v", perr.Reason, ReasonAuth)
	}
	if IsRetryable(err) {
		t.Error("auth failure must not be retryable")
	}
}

func TestOpenAICompleteEmptyChoices(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "chatcmpl-3", "object": "chat.completion", "choices": []}`))
	})

	_, err := p.Complete(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Reason != ReasonServerError {
		t.Errorf("Reason = %v, want %v", perr.Reason, ReasonServerError)
	}
}
