package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// Bedrock implements Provider against the AWS Bedrock Converse API.
//
// Converse gives one request/response shape across the model families
// Bedrock hosts, so this adapter works for any tool-capable Bedrock model
// without per-family branching. Tool schemas and tool call inputs travel as
// smithy documents rather than raw JSON.
//
// Thread Safety:
// Bedrock is safe for concurrent use across multiple goroutines.
//
// Example with the default credential chain:
//
//	p, err := provider.NewBedrock(ctx, provider.BedrockConfig{
//	    Region: "us-east-1",
//	})
//
// Example with explicit credentials:
//
//	p, err := provider.NewBedrock(ctx, provider.BedrockConfig{
//	    Region:          "us-west-2",
//	    AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
//	    SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
//	})
type Bedrock struct {
	// client is the underlying Bedrock runtime client.
	client *bedrockruntime.Client

	// region the client was configured for.
	region string

	// defaultModel is used when Request.Model is empty.
	defaultModel string

	// defaultMaxTokens caps generation when Request.MaxTokens is zero.
	defaultMaxTokens int
}

// BedrockConfig holds construction parameters for the Bedrock adapter.
// When AccessKeyID and SecretAccessKey are empty the default AWS credential
// chain applies (environment, shared config, IAM role).
type BedrockConfig struct {
	// Region is the AWS region. Default: "us-east-1"
	Region string

	// AccessKeyID for explicit credentials (optional).
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional).
	SecretAccessKey string

	// SessionToken for temporary credentials (optional).
	SessionToken string

	// DefaultModel is used when a request does not name one.
	// Default: "anthropic.claude-sonnet-4-20250514-v1:0"
	DefaultModel string

	// DefaultMaxTokens caps generation when a request does not set a
	// limit. Default: 4096
	DefaultMaxTokens int
}

// NewBedrock creates a Bedrock adapter. The context bounds AWS config
// resolution, which may touch IMDS or SSO endpoints.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Bedrock{
		client:           bedrockruntime.NewFromConfig(awsCfg),
		region:           cfg.Region,
		defaultModel:     cfg.DefaultModel,
		defaultMaxTokens: cfg.DefaultMaxTokens,
	}, nil
}

// Name identifies the adapter in logs, records and error values.
func (p *Bedrock) Name() string { return "bedrock" }

// Complete sends one bounded Converse request and returns the full
// response. Failures come back as a classified *Error.
func (p *Bedrock) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Model)

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: p.convertMessages(req.Messages),
	}

	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	maxTokens := min(p.maxTokens(req.MaxTokens), math.MaxInt32)
	inference := &types.InferenceConfiguration{
		// #nosec G115 -- bounded by min above
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
	}
	input.InferenceConfig = inference

	if len(req.Tools) > 0 {
		input.ToolConfig = p.convertTools(req.Tools)
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	resp := &Response{}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	message, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, &Error{
			Provider: p.Name(),
			Model:    model,
			Reason:   ReasonServerError,
			Message:  fmt.Sprintf("unexpected converse output type %T", out.Output),
		}
	}

	for _, block := range message.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content += b.Value
		case *types.ContentBlockMemberToolUse:
			raw, err := b.Value.Input.MarshalSmithyDocument()
			if err != nil {
				return nil, fmt.Errorf("bedrock: failed to decode tool input: %w", err)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: json.RawMessage(raw),
			})
		}
	}

	switch out.StopReason {
	case types.StopReasonToolUse:
		resp.StopReason = StopToolUse
	case types.StopReasonMaxTokens:
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

func (p *Bedrock) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *Bedrock) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return p.defaultMaxTokens
}

// convertMessages translates runtime messages to Converse format. Tool
// results and tool calls become typed content blocks; user and tool roles
// both map to the user conversation role.
func (p *Bedrock) convertMessages(messages []models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		var content []types.ContentBlock

		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tr := range msg.ToolResults {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: tr.Content},
					},
				},
			})
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Input, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		result = append(result, types.Message{
			Role:    role,
			Content: content,
		})
	}

	return result
}

// convertTools translates tool descriptors to a Converse tool configuration.
// A descriptor with an unparseable schema degrades to an empty object schema.
func (p *Bedrock) convertTools(tools []models.ToolDescriptor) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))

	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}

// wrapError classifies an SDK error into a *Error. AWS surfaces failures as
// smithy API errors whose codes map onto the shared reason taxonomy
// (ThrottlingException, AccessDeniedException, ValidationException, ...).
func (p *Bedrock) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return newError(p.Name(), model, err).
			withCode(apiErr.ErrorCode()).
			withMessage(apiErr.ErrorMessage())
	}

	return newError(p.Name(), model, err)
}
