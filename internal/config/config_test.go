package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petasbytes/mcp-playground/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("PRODUCT_MCP_SERVER_URL", "")
	t.Setenv("ORDER_MCP_SERVER_URL", "")
	p := writeFile(t, "empty.yaml", "{}\n")

	cfg, err := config.LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, config.ProviderAnthropic, cfg.Model.Provider)
	assert.Equal(t, 4096, cfg.Model.MaxTokens)
	assert.InDelta(t, 0.7, cfg.Model.Temperature, 1e-9)
	assert.Equal(t, config.DefaultSystemPrompt, cfg.Model.SystemPrompt)
	assert.Equal(t, 3, cfg.Conversation.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Conversation.StateTimeout)
	assert.Equal(t, 25, cfg.Conversation.MaxRounds)
	assert.Zero(t, cfg.Conversation.TokenBudget)
	assert.Equal(t, 10*time.Second, cfg.Tools.CallTimeout)
	assert.Equal(t, 4, cfg.Tools.Concurrency)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Empty(t, cfg.Servers)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	p := writeFile(t, "playground.yaml", `
model:
  provider: bedrock
  temperature: 0.2
conversation:
  state_timeout: 30s
servers:
  - name: products
    url: http://localhost:8001/mcp
  - name: orders
    url: http://localhost:8002/mcp
    auth_token: secret
`)
	t.Setenv("PLAYGROUND_MODEL_MAX_TOKENS", "512")

	cfg, err := config.LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, config.ProviderBedrock, cfg.Model.Provider)
	assert.InDelta(t, 0.2, cfg.Model.Temperature, 1e-9)
	assert.Equal(t, 512, cfg.Model.MaxTokens)
	assert.Equal(t, 30*time.Second, cfg.Conversation.StateTimeout)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "orders", cfg.Servers[1].Name)
	assert.Equal(t, "secret", cfg.Servers[1].AuthToken)
}

func TestLoadConfig_ServersFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("PRODUCT_MCP_SERVER_URL", "")
	servers := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, config.SaveServersFile(servers, []config.ServerConfig{{Name: "products", URL: "http://x/mcp"}}))
	p := writeFile(t, "playground.yaml", "tools:\n  servers_file: "+servers+"\n")

	cfg, err := config.LoadConfig(p)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "http://x/mcp", cfg.Servers[0].URL)
}

func TestLoadConfig_EnvServers(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	p := writeFile(t, "playground.yaml", `
servers:
  - name: orders
    url: http://file/orders
`)
	t.Setenv("PRODUCT_MCP_SERVER_URL", "http://env/products")
	t.Setenv("ORDER_MCP_SERVER_URL", "http://env/orders")

	cfg, err := config.LoadConfig(p)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	// configured servers win over the environment
	assert.Equal(t, config.ServerConfig{Name: "orders", URL: "http://file/orders"}, cfg.Servers[0])
	assert.Equal(t, config.ServerConfig{Name: "products", URL: "http://env/products"}, cfg.Servers[1])
}

func TestLoadConfig_GlobalAuthToken(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("PRODUCT_MCP_SERVER_URL", "")
	t.Setenv("ORDER_MCP_SERVER_URL", "")
	p := writeFile(t, "playground.yaml", `
tools:
  auth_token: shared
servers:
  - name: products
    url: http://localhost:8001/mcp
  - name: orders
    url: http://localhost:8002/mcp
    auth_token: own
`)

	cfg, err := config.LoadConfig(p)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "shared", cfg.Servers[0].AuthToken)
	assert.Equal(t, "own", cfg.Servers[1].AuthToken)
	assert.Equal(t, "x", cfg.Tools.Token("x"))
	assert.Equal(t, "shared", cfg.Tools.Token(""))
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	p := writeFile(t, "bad.yaml", "model: [oops\n")
	_, err := config.LoadConfig(p)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			Model:        config.ModelConfig{Provider: "anthropic", MaxTokens: 10, Temperature: 0.5},
			Conversation: config.ConversationConfig{MaxRetries: 3, StateTimeout: time.Second, MaxRounds: 5},
			Tools:        config.ToolsConfig{CallTimeout: time.Second, Concurrency: 1},
		}
	}
	ok := base()
	require.NoError(t, ok.Validate())

	cases := map[string]func(c *config.Config){
		"provider":    func(c *config.Config) { c.Model.Provider = "openai" },
		"max tokens":  func(c *config.Config) { c.Model.MaxTokens = 0 },
		"temperature": func(c *config.Config) { c.Model.Temperature = 1.5 },
		"retries":     func(c *config.Config) { c.Conversation.MaxRetries = -1 },
		"timeout":     func(c *config.Config) { c.Conversation.StateTimeout = 0 },
		"rounds":      func(c *config.Config) { c.Conversation.MaxRounds = 0 },
		"budget":      func(c *config.Config) { c.Conversation.TokenBudget = -5 },
		"call":        func(c *config.Config) { c.Tools.CallTimeout = 0 },
		"concurrency": func(c *config.Config) { c.Tools.Concurrency = 0 },
		"server name": func(c *config.Config) { c.Servers = []config.ServerConfig{{URL: "http://x"}} },
		"dup server": func(c *config.Config) {
			c.Servers = []config.ServerConfig{{Name: "a", URL: "http://x"}, {Name: "a", URL: "http://y"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
