package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// Anthropic implements Provider against Anthropic's Messages API.
//
// The adapter converts between the runtime's message format and Anthropic's
// content-block model: the system prompt travels in a dedicated params field,
// tool results are folded into user messages, and tool-use blocks in the
// response come back as structured ToolCalls with raw JSON input.
//
// Thread Safety:
// Anthropic is safe for concurrent use across multiple goroutines. Each
// Complete call is an independent request.
//
// Example:
//
//	p, err := provider.NewAnthropic(provider.AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    return err
//	}
//
//	resp, err := p.Complete(ctx, &provider.Request{
//	    Model:    "claude-sonnet-4-20250514",
//	    Messages: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
//	})
type Anthropic struct {
	// client is the underlying Anthropic SDK client.
	client anthropic.Client

	// defaultModel is used when Request.Model is empty.
	defaultModel string

	// defaultMaxTokens caps generation when Request.MaxTokens is zero.
	defaultMaxTokens int
}

// AnthropicConfig holds construction parameters for the Anthropic adapter.
// All fields except APIKey are optional.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	// Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default Anthropic API base URL, for proxies
	// and compatible gateways.
	BaseURL string

	// DefaultModel is used when a request does not name one.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	// DefaultMaxTokens caps generation when a request does not set a
	// limit. Default: 4096
	DefaultMaxTokens int
}

// NewAnthropic creates an Anthropic adapter with the given configuration.
// It returns an error only when APIKey is empty; everything else defaults.
func NewAnthropic(config AnthropicConfig) (*Anthropic, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 4096
	}

	// Retries live in the caller's resilience layer, not in the SDK.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &Anthropic{
		client:           anthropic.NewClient(options...),
		defaultModel:     config.DefaultModel,
		defaultMaxTokens: config.DefaultMaxTokens,
	}, nil
}

// Name identifies the adapter in logs, records and error values.
func (p *Anthropic) Name() string { return "anthropic" }

// Complete sends one bounded completion request and returns the full
// response. Failures come back as a classified *Error.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Model)

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}

	// System prompt is a dedicated field, separate from the messages array.
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.SystemPrompt,
			},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	resp := &Response{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}
	resp.Content = text.String()

	switch string(msg.StopReason) {
	case "tool_use":
		resp.StopReason = StopToolUse
	case "max_tokens":
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

func (p *Anthropic) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *Anthropic) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return p.defaultMaxTokens
}

// convertMessages translates runtime messages to Anthropic's content-block
// format. Assistant messages keep their tool-use blocks; tool-role messages
// become user messages carrying tool-result blocks, which is how the
// Messages API expects execution results back.
func (p *Anthropic) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", toolCall.Name, err)
			}

			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}

		// The API rejects messages with empty content arrays.
		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			// User and tool roles both map to user messages.
			message = anthropic.NewUserMessage(content...)
		}

		result = append(result, message)
	}

	return result, nil
}

// convertTools translates tool descriptors to Anthropic tool definitions.
func (p *Anthropic) convertTools(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}

		result = append(result, toolParam)
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError classifies an SDK error into a *Error. API errors carry a status
// code and a JSON body with the vendor's error type; both feed classification.
func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := newError(p.Name(), model, err).withStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message == "" {
			message = "anthropic request failed"
		}
		return perr.withMessage(message).withCode(code).withRequestID(requestID)
	}

	return newError(p.Name(), model, err)
}
