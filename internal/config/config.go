package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFileName = "playground"
	EnvPrefix             = "PLAYGROUND"

	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// DefaultSystemPrompt is used when model.system_prompt is not configured.
const DefaultSystemPrompt = `You are a helpful retail assistant. You can look up products, search the catalog, create orders and check order status using the tools available to you.
When a tool fails, tell the user plainly what went wrong and continue the conversation.`

// Config is the complete playground configuration.
type Config struct {
	Model        ModelConfig        `mapstructure:"model"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Servers      []ServerConfig     `mapstructure:"servers"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Transcript   TranscriptConfig   `mapstructure:"transcript"`
	Retail       RetailConfig       `mapstructure:"retail"`
}

// ModelConfig selects and parameterizes the model gateway.
type ModelConfig struct {
	Provider        string  `mapstructure:"provider"`
	AnthropicModel  string  `mapstructure:"anthropic_model"`
	AnthropicAPIKey string  `mapstructure:"anthropic_api_key"`
	BedrockModelID  string  `mapstructure:"bedrock_model_id"`
	Region          string  `mapstructure:"region"`
	Profile         string  `mapstructure:"profile"`
	AccessKeyID     string  `mapstructure:"access_key_id"`
	SecretAccessKey string  `mapstructure:"secret_access_key"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	SystemPrompt    string  `mapstructure:"system_prompt"`
}

// ConversationConfig tunes the conversation state machine and driver loop.
type ConversationConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	StateTimeout time.Duration `mapstructure:"state_timeout"`
	MaxRounds    int           `mapstructure:"max_rounds"`
	// TokenBudget caps the estimated input size sent per call; 0 sends the whole transcript.
	TokenBudget int `mapstructure:"token_budget"`
}

type ToolsConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	ServersFile string        `mapstructure:"servers_file"`
	// AuthToken is the bearer token for servers that do not set their own.
	AuthToken string `mapstructure:"auth_token"`
}

// EnvServers maps plain environment variables to server names. A variable
// that is set registers its server unless one with that name is configured.
var EnvServers = []struct{ Env, Name string }{
	{"PRODUCT_MCP_SERVER_URL", "products"},
	{"ORDER_MCP_SERVER_URL", "orders"},
}

// ServerConfig registers one tool server.
type ServerConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type TranscriptConfig struct {
	Path string `mapstructure:"path"`
}

// RetailConfig configures the bundled demo tool servers.
type RetailConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig reads defaults, then the config file, then PLAYGROUND_* environment
// variables, then any flags bound to the global viper instance.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".playground"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Tools.ServersFile != "" {
		servers, err := LoadServersFile(cfg.Tools.ServersFile)
		if err != nil {
			return nil, err
		}
		cfg.Servers = append(cfg.Servers, servers...)
	}
	cfg.Servers = appendEnvServers(cfg.Servers)
	for i := range cfg.Servers {
		cfg.Servers[i].AuthToken = cfg.Tools.Token(cfg.Servers[i].AuthToken)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func appendEnvServers(servers []ServerConfig) []ServerConfig {
	for _, e := range EnvServers {
		url := strings.TrimSpace(os.Getenv(e.Env))
		if url == "" {
			continue
		}
		configured := false
		for _, s := range servers {
			if s.Name == e.Name {
				configured = true
				break
			}
		}
		if !configured {
			servers = append(servers, ServerConfig{Name: e.Name, URL: url})
		}
	}
	return servers
}

// Token returns token, or the global tools.auth_token when token is empty.
func (t ToolsConfig) Token(token string) string {
	if token != "" {
		return token
	}
	return t.AuthToken
}

func setDefaults() {
	viper.SetDefault("model.provider", ProviderAnthropic)
	viper.SetDefault("model.anthropic_model", "claude-3-7-sonnet-latest")
	viper.SetDefault("model.anthropic_api_key", "")
	viper.SetDefault("model.bedrock_model_id", "us.anthropic.claude-3-7-sonnet-20250219-v1:0")
	viper.SetDefault("model.region", "us-east-1")
	viper.SetDefault("model.profile", "")
	viper.SetDefault("model.access_key_id", "")
	viper.SetDefault("model.secret_access_key", "")
	viper.SetDefault("model.max_tokens", 4096)
	viper.SetDefault("model.temperature", 0.7)
	viper.SetDefault("model.system_prompt", DefaultSystemPrompt)

	viper.SetDefault("conversation.max_retries", 3)
	viper.SetDefault("conversation.state_timeout", 60*time.Second)
	viper.SetDefault("conversation.max_rounds", 25)
	viper.SetDefault("conversation.token_budget", 0)

	viper.SetDefault("tools.call_timeout", 10*time.Second)
	viper.SetDefault("tools.concurrency", 4)
	viper.SetDefault("tools.servers_file", "")
	viper.SetDefault("tools.auth_token", "")

	viper.SetDefault("logging.level", "warn")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.file", "")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.dir", ".playground")

	viper.SetDefault("transcript.path", "conversation.json")

	viper.SetDefault("retail.addr", "127.0.0.1:8931")
}

// Validate rejects configurations the driver cannot run with.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderAnthropic, ProviderBedrock:
	default:
		return fmt.Errorf("config: unknown model.provider %q (want %s or %s)", c.Model.Provider, ProviderAnthropic, ProviderBedrock)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("config: model.max_tokens must be positive, got %d", c.Model.MaxTokens)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("config: model.temperature must be within [0, 1], got %g", c.Model.Temperature)
	}
	if c.Conversation.MaxRetries < 0 {
		return fmt.Errorf("config: conversation.max_retries must not be negative")
	}
	if c.Conversation.StateTimeout <= 0 {
		return fmt.Errorf("config: conversation.state_timeout must be positive")
	}
	if c.Conversation.MaxRounds <= 0 {
		return fmt.Errorf("config: conversation.max_rounds must be positive")
	}
	if c.Conversation.TokenBudget < 0 {
		return fmt.Errorf("config: conversation.token_budget must not be negative")
	}
	if c.Tools.CallTimeout <= 0 {
		return fmt.Errorf("config: tools.call_timeout must be positive")
	}
	if c.Tools.Concurrency <= 0 {
		return fmt.Errorf("config: tools.concurrency must be positive")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("config: servers[%d] needs both name and url", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

type serversFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServersFile reads a YAML file with a top-level servers list.
func LoadServersFile(path string) ([]ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read servers file: %w", err)
	}
	var f serversFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: parse servers file %s: %w", path, err)
	}
	return f.Servers, nil
}

// SaveServersFile writes servers in the format LoadServersFile reads.
func SaveServersFile(path string, servers []ServerConfig) error {
	b, err := yaml.Marshal(serversFile{Servers: servers})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
