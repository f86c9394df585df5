// Package provider adapts hosted model APIs to the conversation transcript.
//
// A Gateway takes the normalized transcript plus the tool catalog and returns
// one assistant response. Two gateways are available: the Anthropic Messages
// API and the AWS Bedrock Converse API.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a single gateway call.
type Request struct {
	Transcript   []conversation.Turn
	Tools        []ToolSpec
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Gateway is a hosted conversational model endpoint.
type Gateway interface {
	Name() string
	Model() string
	Converse(ctx context.Context, req Request) (*conversation.Response, error)
}

// New builds the gateway selected by cfg.Provider.
func New(ctx context.Context, cfg config.ModelConfig, log *zap.Logger) (Gateway, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		client := NewAnthropicClient(cfg.AnthropicAPIKey)
		return NewAnthropic(client, cfg.AnthropicModel, log), nil
	case config.ProviderBedrock:
		api, err := NewBedrockClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewBedrock(api, cfg.BedrockModelID, log), nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", cfg.Provider)
	}
}
