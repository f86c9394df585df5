package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

const DefaultModel = anthropic.ModelClaude3_7SonnetLatest

// NewAnthropicClient returns a client using apiKey, or ANTHROPIC_API_KEY from
// the env when apiKey is empty.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) *anthropic.Client {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	c := anthropic.NewClient(opts...)
	return &c
}

// Anthropic is a Gateway backed by the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  anthropic.Model
	log    *zap.Logger
}

func NewAnthropic(client *anthropic.Client, model string, log *zap.Logger) *Anthropic {
	if log == nil {
		log = zap.NewNop()
	}
	m := anthropic.Model(model)
	if model == "" {
		m = DefaultModel
	}
	return &Anthropic{client: client, model: m, log: log}
}

func (a *Anthropic) Name() string  { return "anthropic" }
func (a *Anthropic) Model() string { return string(a.model) }

func (a *Anthropic) Converse(ctx context.Context, req Request) (*conversation.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    ToAnthropicMessages(req.Transcript),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	a.log.Debug("anthropic response",
		zap.String("model", string(a.model)),
		zap.String("stop_reason", string(msg.StopReason)),
		zap.Int("blocks", len(msg.Content)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens))
	return FromAnthropicMessage(msg), nil
}

// FromAnthropicMessage converts an SDK message into a gateway response.
// Block kinds the conversation does not model (thinking, server tools) are skipped.
func FromAnthropicMessage(msg *anthropic.Message) *conversation.Response {
	resp := &conversation.Response{StopReason: conversation.StopReason(msg.StopReason)}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Blocks = append(resp.Blocks, conversation.NewTextBlock(v.Text))
		case anthropic.ToolUseBlock:
			input := json.RawMessage(v.JSON.Input.Raw())
			resp.Blocks = append(resp.Blocks, conversation.NewToolRequestBlock(v.ID, v.Name, input))
		}
	}
	return resp
}

// ToAnthropicMessages converts a transcript into SDK message params.
// Structured tool results are sent as their JSON text.
func ToAnthropicMessages(turns []conversation.Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Blocks))
		for _, b := range t.Blocks {
			switch b.Kind() {
			case conversation.KindText:
				blocks = append(blocks, anthropic.NewTextBlock(b.OfText.Text))
			case conversation.KindToolRequest:
				input := b.OfToolRequest.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.OfToolRequest.ID, input, b.OfToolRequest.Name))
			case conversation.KindToolResult:
				r := b.OfToolResult
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ID, r.Content.String(), r.IsError))
			}
		}
		if t.Role == conversation.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func anthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, t := range specs {
		schema, err := anthropicSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s: %w", t.Name, err)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}})
	}
	return out, nil
}

// anthropicSchema maps a JSON schema onto the SDK param. Keywords other than
// type, properties and required travel in ExtraFields, which the SDK merges
// into the marshaled object.
func anthropicSchema(schema map[string]any) (anthropic.ToolInputSchemaParam, error) {
	var out anthropic.ToolInputSchemaParam
	for k, v := range schema {
		switch k {
		case "type":
		case "properties":
			out.Properties = v
		case "required":
			req, err := stringList(v)
			if err != nil {
				return out, fmt.Errorf("schema required: %w", err)
			}
			out.Required = req
		default:
			if out.ExtraFields == nil {
				out.ExtraFields = make(map[string]any)
			}
			out.ExtraFields[k] = v
		}
	}
	return out, nil
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("expected list, got %T", v)
}
