package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/mcp"
	"github.com/petasbytes/mcp-playground/internal/mcpserver"
	"github.com/petasbytes/mcp-playground/tools"
)

func startServer(t *testing.T, name string, defs []tools.ToolDefinition, opts ...mcpserver.Option) string {
	t.Helper()
	srv := httptest.NewServer(mcpserver.New(name, defs, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + mcpserver.Path
}

// countInitializes wraps h and counts initialize requests reaching it.
func countInitializes(h http.Handler, n *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if bytes.Contains(body, []byte(`"method":"initialize"`)) {
				n.Add(1)
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		h.ServeHTTP(w, r)
	})
}

func TestClient_ListAndCall(t *testing.T) {
	for _, sse := range []bool{false, true} {
		name := "json"
		if sse {
			name = "sse"
		}
		t.Run(name, func(t *testing.T) {
			url := startServer(t, "products", tools.ProductTools(tools.NewStore()), mcpserver.WithSSE(sse))
			c := mcp.NewClient(url)
			ctx := context.Background()

			res, err := c.Initialize(ctx)
			require.NoError(t, err)
			assert.Equal(t, "products", res.ServerInfo.Name)
			assert.NotEmpty(t, c.SessionID())

			list, err := c.ListTools(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "get-product", list[0].Name)
			assert.Equal(t, "object", list[0].InputSchema["type"])

			out := c.CallTool(ctx, "get-product", json.RawMessage(`{"productId":"P001"}`))
			require.False(t, out.Failed(), out.Err)
			raw, ok := out.Content.(json.RawMessage)
			require.True(t, ok, "structured content expected, got %T", out.Content)
			assert.JSONEq(t, `{"productId":"P001","name":"Wireless Headphones","category":"electronics","price":129.99,"stock":25}`, string(raw))

			require.NoError(t, c.Close(ctx))
			assert.Empty(t, c.SessionID())
		})
	}
}

func TestClient_ToolErrorsBecomeOutcomes(t *testing.T) {
	url := startServer(t, "orders", tools.OrderTools(tools.NewStore()))
	c := mcp.NewClient(url)
	ctx := context.Background()

	out := c.CallTool(ctx, "check-order-status", json.RawMessage(`{"orderId":"ORD-NONE"}`))
	require.True(t, out.Failed())
	assert.Contains(t, out.Err, "order not found")

	out = c.CallTool(ctx, "no-such-tool", nil)
	require.True(t, out.Failed())
	assert.Contains(t, out.Err, "Error calling tool no-such-tool")
	assert.Contains(t, out.Err, "unknown tool")
}

func TestClient_TextResult(t *testing.T) {
	echo := tools.ToolDefinition{
		Name:        "echo",
		InputSchema: map[string]any{"type": "object"},
		Function:    func(json.RawMessage) (any, error) { return "hello", nil },
	}
	c := mcp.NewClient(startServer(t, "util", []tools.ToolDefinition{echo}))
	out := c.CallTool(context.Background(), "echo", nil)
	require.False(t, out.Failed())
	assert.Equal(t, "hello", out.Content)
}

func TestClient_BearerToken(t *testing.T) {
	url := startServer(t, "products", tools.ProductTools(tools.NewStore()), mcpserver.WithAuthToken("s3cret"))

	_, err := mcp.NewClient(url).Initialize(context.Background())
	var terr *mcp.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, mcp.MethodInitialize, terr.Op)
	assert.Contains(t, err.Error(), "401")

	_, err = mcp.NewClient(url, mcp.WithAuthToken("s3cret")).Initialize(context.Background())
	assert.NoError(t, err)
}

func TestClient_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)

	c := mcp.NewClient(slow.URL, mcp.WithTimeout(50*time.Millisecond))
	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	out := c.CallTool(context.Background(), "get-product", nil)
	require.True(t, out.Failed())
	assert.Contains(t, out.Err, "timed out")
}

func TestClient_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := mcp.NewClient(url).ListTools(context.Background())
	var terr *mcp.TransportError
	require.ErrorAs(t, err, &terr)
}

func TestClient_SkipsUnrelatedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n"))
		result := `{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"s","version":"1"}}`
		if req.Method == mcp.MethodToolsList {
			result = `{"tools":[{"name":"a"}]}`
		}
		_, _ = w.Write([]byte("data: {\"jsonrpc\":\"2.0\",\"id\":" + string(req.ID) + ",\n"))
		_, _ = w.Write([]byte("data: \"result\":" + result + "}\n\n"))
	}))
	t.Cleanup(srv.Close)

	list, err := mcp.NewClient(srv.URL).ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Name)
}

func TestClient_RenewsExpiredSession(t *testing.T) {
	var inits atomic.Int32
	srv := httptest.NewServer(countInitializes(mcpserver.New("products", tools.ProductTools(tools.NewStore())).Handler(), &inits))
	t.Cleanup(srv.Close)
	url := srv.URL + mcpserver.Path

	c := mcp.NewClient(url)
	ctx := context.Background()
	_, err := c.Initialize(ctx)
	require.NoError(t, err)
	stale := c.SessionID()

	// the server forgets the session behind the client's back
	del, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	del.Header.Set(mcp.HeaderSessionID, stale)
	resp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := c.CallTool(ctx, "get-product", json.RawMessage(`{"productId":"P001"}`))
	require.False(t, out.Failed(), out.Err)
	assert.Equal(t, int32(2), inits.Load())
	assert.NotEmpty(t, c.SessionID())
	assert.NotEqual(t, stale, c.SessionID())
}

func TestClient_RenewalGivesUpAfterOneRetry(t *testing.T) {
	var inits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if bytes.Contains(body, []byte(`"method":"notifications/`)) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if !bytes.Contains(body, []byte(`"method":"initialize"`)) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		n := inits.Add(1)
		var req mcp.Request
		_ = json.Unmarshal(body, &req)
		w.Header().Set(mcp.HeaderSessionID, fmt.Sprintf("s%d", n))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mcp.Response{JSONRPC: mcp.JSONRPCVersion, ID: req.ID, Result: json.RawMessage(`{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"x","version":"1"}}`)})
	}))
	t.Cleanup(srv.Close)

	c := mcp.NewClient(srv.URL)
	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrSessionExpired)
	assert.Equal(t, int32(2), inits.Load())
}

func TestClient_ConcurrentCallsInitializeOnce(t *testing.T) {
	var inits atomic.Int32
	srv := httptest.NewServer(countInitializes(mcpserver.New("products", tools.ProductTools(tools.NewStore())).Handler(), &inits))
	t.Cleanup(srv.Close)

	c := mcp.NewClient(srv.URL + mcpserver.Path)
	var wg sync.WaitGroup
	outs := make([]conversation.Outcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = c.CallTool(context.Background(), "get-product", json.RawMessage(`{"productId":"P001"}`))
		}(i)
	}
	wg.Wait()

	for _, out := range outs {
		assert.False(t, out.Failed(), out.Err)
	}
	assert.Equal(t, int32(1), inits.Load())
}
