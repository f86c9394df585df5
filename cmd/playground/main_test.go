package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/mcp"
	"github.com/petasbytes/mcp-playground/internal/mcpserver"
	"github.com/petasbytes/mcp-playground/internal/provider"
	"github.com/petasbytes/mcp-playground/internal/runner"
)

func TestRetailServersAreDiscoverable(t *testing.T) {
	servers, stop, err := startRetail("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer stop()
	require.Len(t, servers, 2)
	assert.True(t, strings.HasSuffix(servers[0].URL, "/products/mcp"))

	mgr, n, err := discover(context.Background(), servers, config.ToolsConfig{CallTimeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	defer mgr.Close(context.Background())
	assert.Equal(t, 4, n)

	var out bytes.Buffer
	require.NoError(t, printCatalog(&out, mgr))
	for _, name := range []string{"products_get_product", "products_search_products", "orders_create_order", "orders_check_order_status"} {
		assert.Contains(t, out.String(), name)
	}

	got := mgr.Call(context.Background(), "products_get_product", json.RawMessage(`{"productId":"P003"}`))
	require.False(t, got.Failed(), got.Err)
}

// toolThenText asks for one tool and then answers with the tool output.
type toolThenText struct {
	calls int
}

func (g *toolThenText) Name() string  { return "fake" }
func (g *toolThenText) Model() string { return "fake-model" }

func (g *toolThenText) Converse(_ context.Context, req provider.Request) (*conversation.Response, error) {
	g.calls++
	last := req.Transcript[len(req.Transcript)-1]
	for _, b := range last.Blocks {
		if b.Kind() == conversation.KindToolResult {
			return &conversation.Response{
				StopReason: conversation.StopEndTurn,
				Blocks:     []conversation.Block{conversation.NewTextBlock("Found: " + b.OfToolResult.Content.String())},
			}, nil
		}
	}
	return &conversation.Response{
		StopReason: conversation.StopToolUse,
		Blocks: []conversation.Block{
			conversation.NewToolRequestBlock("tu_1", "products_get_product", json.RawMessage(`{"productId":"P006"}`)),
		},
	}, nil
}

func TestREPL_TurnWithTools(t *testing.T) {
	servers, stop, err := startRetail("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer stop()
	mgr, _, err := discover(context.Background(), servers, config.ToolsConfig{CallTimeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	gw := &toolThenText{}
	r := runner.New(gw, mgr, nil, runner.Settings{})
	saves := 0

	in := strings.NewReader("/state\nwhat is P006?\n\n/bogus\n/exit\nnever read\n")
	var out bytes.Buffer
	repl(context.Background(), r, mgr, in, &out, func() { saves++ }, zap.NewNop())

	text := out.String()
	assert.Contains(t, text, "idle, 0 turns")
	assert.Contains(t, text, "products_get_product({\"productId\":\"P006\"}) -> ok")
	assert.Contains(t, text, "Found: ")
	assert.Contains(t, text, "Desk Lamp")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Equal(t, 2, gw.calls)
	assert.Equal(t, 1, saves)
	assert.Equal(t, conversation.StateIdle, r.Session().State())
}

type failingGateway struct{}

func (failingGateway) Name() string  { return "failing" }
func (failingGateway) Model() string { return "none" }
func (failingGateway) Converse(context.Context, provider.Request) (*conversation.Response, error) {
	return nil, assert.AnError
}

func TestREPL_RecoversFromErrors(t *testing.T) {
	r := runner.New(failingGateway{}, nil, nil, runner.Settings{})
	mgr := mcp.NewManager(zap.NewNop())

	in := strings.NewReader("hello\n/reset\n")
	var out bytes.Buffer
	repl(context.Background(), r, mgr, in, &out, func() {}, zap.NewNop())

	assert.Contains(t, out.String(), "error: runner: failing gateway")
	assert.Contains(t, out.String(), "Conversation cleared.")
	assert.Equal(t, conversation.StateIdle, r.Session().State())
	assert.Empty(t, r.Session().Transcript())
}

func TestREPL_ServerManagement(t *testing.T) {
	servers, stop, err := startRetail("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer stop()
	mgr := newManager(config.ToolsConfig{CallTimeout: 2 * time.Second}, zap.NewNop())
	defer mgr.Close(context.Background())
	r := runner.New(failingGateway{}, mgr, nil, runner.Settings{})

	script := strings.Join([]string{
		"/add products " + servers[0].URL,
		"/add products " + servers[0].URL,
		"/add broken http://127.0.0.1:1/mcp",
		"/add",
		"/tools",
		`/call products get-product {"productId": "P003"}`,
		`/call products get-product {"productId":`,
		"/call products get-product",
		"/call products no-such-tool {}",
		"/discover products",
		"/discover",
		"/discover nobody",
		"/remove products",
		"/remove products",
		"/exit",
	}, "\n")
	var out bytes.Buffer
	repl(context.Background(), r, mgr, strings.NewReader(script), &out, func() {}, zap.NewNop())

	text := out.String()
	assert.Contains(t, text, "Added products with 2 tools.")
	assert.Contains(t, text, "server products is already registered")
	assert.Contains(t, text, "could not connect to broken")
	assert.Contains(t, text, "usage: /add <name> <url> [token]")
	assert.Contains(t, text, "products_get_product")
	assert.Contains(t, text, `"productId":"P003"`)
	assert.Contains(t, text, "arguments are not valid JSON")
	assert.Contains(t, text, "Invalid arguments for products_get_product")
	assert.Contains(t, text, "Unknown tool: products_no_such_tool")
	assert.Contains(t, text, "products is ready with 2 tools.")
	assert.Contains(t, text, "Discovered 2 tools.")
	assert.Contains(t, text, "no server named nobody")
	assert.Contains(t, text, "Removed products.")
	assert.Contains(t, text, "no server named products")

	assert.Empty(t, mgr.Servers())
	// none of it touched the conversation
	assert.Empty(t, r.Session().Transcript())
}

func TestDiscover_GlobalToken(t *testing.T) {
	servers, stop, err := startRetail("127.0.0.1:0", zap.NewNop(), mcpserver.WithAuthToken("shared"))
	require.NoError(t, err)
	defer stop()

	mgr, n, err := discover(context.Background(), servers, config.ToolsConfig{CallTimeout: 2 * time.Second, AuthToken: "shared"}, zap.NewNop())
	require.NoError(t, err)
	defer mgr.Close(context.Background())
	assert.Equal(t, 4, n)

	var out bytes.Buffer
	require.NoError(t, manualCall(context.Background(), mgr, "products", "get-product", `{"productId":"P003"}`, &out))
	assert.Contains(t, out.String(), "Running Shoes")
}
