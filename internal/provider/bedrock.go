package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// ConverseAPI is the subset of the Bedrock runtime client used by Bedrock.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// NewBedrockClient loads AWS configuration for cfg.Region. Static credentials
// win over a named profile; with neither the default chain is used.
func NewBedrockClient(ctx context.Context, cfg config.ModelConfig) (*bedrockruntime.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case cfg.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

// Bedrock is a Gateway backed by the Bedrock Converse API.
type Bedrock struct {
	api     ConverseAPI
	modelID string
	log     *zap.Logger
}

func NewBedrock(api ConverseAPI, modelID string, log *zap.Logger) *Bedrock {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bedrock{api: api, modelID: modelID, log: log}
}

func (b *Bedrock) Name() string  { return "bedrock" }
func (b *Bedrock) Model() string { return b.modelID }

func (b *Bedrock) Converse(ctx context.Context, req Request) (*conversation.Response, error) {
	msgs, err := ToConverseMessages(req.Transcript)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: no messages to send")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(b.modelID),
		Messages: msgs,
		InferenceConfig: &bedrocktypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(req.MaxTokens)),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.SystemPrompt != "" {
		input.System = []bedrocktypes.SystemContentBlock{
			&bedrocktypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = converseTools(req.Tools)
	}

	out, err := b.api.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("bedrock: converse: %s: %w", apiErr.ErrorCode(), err)
		}
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}

	resp, err := FromConverseOutput(out)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("model", b.modelID),
		zap.String("stop_reason", string(out.StopReason)),
		zap.Int("blocks", len(resp.Blocks)),
	}
	if out.Usage != nil {
		fields = append(fields,
			zap.Int32("input_tokens", aws.ToInt32(out.Usage.InputTokens)),
			zap.Int32("output_tokens", aws.ToInt32(out.Usage.OutputTokens)))
	}
	b.log.Debug("bedrock response", fields...)
	return resp, nil
}

// FromConverseOutput converts a Converse reply into a gateway response.
func FromConverseOutput(out *bedrockruntime.ConverseOutput) (*conversation.Response, error) {
	resp := &conversation.Response{StopReason: conversation.StopReason(out.StopReason)}
	msg, ok := out.Output.(*bedrocktypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *bedrocktypes.ContentBlockMemberText:
			resp.Blocks = append(resp.Blocks, conversation.NewTextBlock(v.Value))
		case *bedrocktypes.ContentBlockMemberToolUse:
			input := json.RawMessage(`{}`)
			if v.Value.Input != nil {
				raw, err := v.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return nil, fmt.Errorf("bedrock: decode tool input for %s: %w", aws.ToString(v.Value.ToolUseId), err)
				}
				input = raw
			}
			resp.Blocks = append(resp.Blocks, conversation.NewToolRequestBlock(
				aws.ToString(v.Value.ToolUseId), aws.ToString(v.Value.Name), input))
		}
	}
	return resp, nil
}

// ToConverseMessages converts a transcript into Converse messages. Structured
// tool results become JSON documents; error results carry status "error".
func ToConverseMessages(turns []conversation.Turn) ([]bedrocktypes.Message, error) {
	out := make([]bedrocktypes.Message, 0, len(turns))
	for _, t := range turns {
		var blocks []bedrocktypes.ContentBlock
		for _, b := range t.Blocks {
			switch b.Kind() {
			case conversation.KindText:
				blocks = append(blocks, &bedrocktypes.ContentBlockMemberText{Value: b.OfText.Text})
			case conversation.KindToolRequest:
				input, err := decodeDocument(b.OfToolRequest.Input)
				if err != nil {
					return nil, fmt.Errorf("bedrock: tool request %s input: %w", b.OfToolRequest.ID, err)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, &bedrocktypes.ContentBlockMemberToolUse{
					Value: bedrocktypes.ToolUseBlock{
						ToolUseId: aws.String(b.OfToolRequest.ID),
						Name:      aws.String(b.OfToolRequest.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			case conversation.KindToolResult:
				blocks = append(blocks, converseToolResult(b.OfToolResult))
			}
		}
		role := bedrocktypes.ConversationRoleUser
		if t.Role == conversation.RoleAssistant {
			role = bedrocktypes.ConversationRoleAssistant
		}
		out = append(out, bedrocktypes.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func converseToolResult(r *conversation.ToolResult) bedrocktypes.ContentBlock {
	var content bedrocktypes.ToolResultContentBlock
	if v, err := decodeDocument(r.Content.Structured); err == nil && v != nil {
		content = &bedrocktypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(v)}
	} else {
		content = &bedrocktypes.ToolResultContentBlockMemberText{Value: r.Content.String()}
	}
	block := bedrocktypes.ToolResultBlock{
		ToolUseId: aws.String(r.ID),
		Content:   []bedrocktypes.ToolResultContentBlock{content},
	}
	if r.IsError {
		block.Status = bedrocktypes.ToolResultStatusError
	}
	return &bedrocktypes.ContentBlockMemberToolResult{Value: block}
}

// decodeDocument unmarshals raw JSON for use as a lazy document. Bedrock only
// accepts JSON objects as tool result documents, so other values yield nil.
func decodeDocument(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func converseTools(specs []ToolSpec) *bedrocktypes.ToolConfiguration {
	tools := make([]bedrocktypes.Tool, 0, len(specs))
	for _, t := range specs {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, &bedrocktypes.ToolMemberToolSpec{
			Value: bedrocktypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &bedrocktypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &bedrocktypes.ToolConfiguration{Tools: tools}
}
