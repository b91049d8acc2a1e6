package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// OpenAI implements Provider against the OpenAI Chat Completions API.
//
// Format differences from Anthropic are handled here: the system prompt
// becomes the first message, tool results become one tool-role message per
// result linked by ToolCallID, and tool call arguments travel as JSON
// strings rather than structured blocks.
//
// Thread Safety:
// OpenAI is safe for concurrent use across multiple goroutines.
//
// Example:
//
//	p, err := provider.NewOpenAI(provider.OpenAIConfig{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
//	if err != nil {
//	    return err
//	}
//
//	resp, err := p.Complete(ctx, &provider.Request{
//	    Model:    "gpt-4o",
//	    Messages: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
//	})
type OpenAI struct {
	// client is the underlying OpenAI SDK client.
	client *openai.Client

	// defaultModel is used when Request.Model is empty.
	defaultModel string

	// defaultMaxTokens caps generation when Request.MaxTokens is zero.
	defaultMaxTokens int
}

// OpenAIConfig holds construction parameters for the OpenAI adapter.
// All fields except APIKey are optional.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	// Format: sk-...
	APIKey string

	// BaseURL overrides the default API base URL, for proxies and
	// OpenAI-compatible endpoints.
	BaseURL string

	// DefaultModel is used when a request does not name one.
	// Default: "gpt-4o"
	DefaultModel string

	// DefaultMaxTokens caps generation when a request does not set a
	// limit. Default: 4096
	DefaultMaxTokens int
}

// NewOpenAI creates an OpenAI adapter with the given configuration.
// It returns an error only when APIKey is empty; everything else defaults.
func NewOpenAI(config OpenAIConfig) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 4096
	}

	var client *openai.Client
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		clientConfig.BaseURL = config.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(config.APIKey)
	}

	return &OpenAI{
		client:           client,
		defaultModel:     config.DefaultModel,
		defaultMaxTokens: config.DefaultMaxTokens,
	}, nil
}

// Name identifies the adapter in logs, records and error values.
func (p *OpenAI) Name() string { return "openai" }

// Complete sends one bounded completion request and returns the full
// response. Failures come back as a classified *Error.
func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  p.convertMessages(req.Messages, req.SystemPrompt),
		MaxTokens: p.maxTokens(req.MaxTokens),
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	chatResp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(chatResp.Choices) == 0 {
		return nil, &Error{
			Provider: p.Name(),
			Model:    model,
			Reason:   ReasonServerError,
			Message:  "response contained no choices",
		}
	}

	choice := chatResp.Choices[0]
	resp := &Response{
		Content:      choice.Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		resp.StopReason = StopToolUse
	case openai.FinishReasonLength:
		resp.StopReason = StopMaxTokens
	default:
		if len(resp.ToolCalls) > 0 {
			resp.StopReason = StopToolUse
		} else {
			resp.StopReason = StopEndTurn
		}
	}

	return resp, nil
}

func (p *OpenAI) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *OpenAI) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return p.defaultMaxTokens
}

// convertMessages translates runtime messages to OpenAI chat format. The
// system prompt is injected as the first message; tool results expand to
// one tool-role message per result, linked by ToolCallID.
func (p *OpenAI) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools translates tool descriptors to OpenAI function definitions.
// A descriptor with an unparseable schema degrades to an empty object schema
// so one bad tool does not break function calling for the rest.
func (p *OpenAI) convertTools(tools []models.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil || schemaMap == nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// wrapError classifies an SDK error into a *Error. The go-openai SDK
// surfaces server rejections as *openai.APIError and transport/protocol
// failures as *openai.RequestError; both carry an HTTP status.
func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := newError(p.Name(), model, err).
			withStatus(apiErr.HTTPStatusCode).
			withMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok {
			perr = perr.withCode(code)
		} else if apiErr.Type != "" {
			perr = perr.withCode(apiErr.Type)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr := newError(p.Name(), model, err).withStatus(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			perr = perr.withMessage(fmt.Sprintf("request failed: %v", reqErr.Err))
		}
		return perr
	}

	return newError(p.Name(), model, err)
}
