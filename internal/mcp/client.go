package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

const (
	DefaultTimeout = 10 * time.Second

	clientName    = "mcp-playground"
	clientVersion = "0.1.0"

	maxSSELine = 4 << 20
)

// ErrSessionExpired is reported when the server answers 404 to a request that
// carried a session id, meaning it no longer knows the session.
var ErrSessionExpired = errors.New("mcp: session not found on server")

// Client talks to one MCP server. It is safe for concurrent use; the
// initialize handshake runs at most once per successful session.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	http    *http.Client
	log     *zap.Logger

	// initMu serializes handshakes.
	initMu sync.Mutex

	mu          sync.Mutex
	sessionID   string
	initialized bool
	server      Implementation
}

type ClientOption func(*Client)

// WithAuthToken sends token as a bearer Authorization header.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each request. Non-positive values keep the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		timeout: DefaultTimeout,
		http:    http.DefaultClient,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string { return c.url }

// SessionID returns the session assigned by the server, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ServerInfo returns the implementation reported during initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Initialize performs the initialize handshake followed by the initialized
// notification, replacing any current session.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initialize(ctx)
}

// initialize runs the handshake. Caller holds c.initMu.
func (c *Client) initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	c.sessionID = ""
	c.initialized = false
	c.mu.Unlock()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: clientName, Version: clientVersion},
	}
	raw, _, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &TransportError{URL: c.url, Op: MethodInitialize, Err: fmt.Errorf("decode result: %w", err)}
	}
	if err := c.notify(ctx, MethodInitialized); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.initialized = true
	c.server = res.ServerInfo
	c.mu.Unlock()
	c.log.Info("mcp session initialized",
		zap.String("url", c.url),
		zap.String("server", res.ServerInfo.Name),
		zap.String("protocol", res.ProtocolVersion),
		zap.String("session", c.SessionID()))
	return &res, nil
}

func (c *Client) ensureInitialized(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.mu.Lock()
	done := c.initialized
	c.mu.Unlock()
	if done {
		return nil
	}
	_, err := c.initialize(ctx)
	return err
}

// renew starts a new session after the server dropped stale. A concurrent
// caller may already have renewed it, in which case nothing is sent.
func (c *Client) renew(ctx context.Context, stale string) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.mu.Lock()
	current, done := c.sessionID, c.initialized
	c.mu.Unlock()
	if done && current != stale {
		return nil
	}
	c.log.Warn("mcp session expired, reinitializing", zap.String("url", c.url), zap.String("session", stale))
	_, err := c.initialize(ctx)
	return err
}

// request is call with one retry on a fresh session when the server reports
// the current one as unknown.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, sid, err := c.call(ctx, method, params)
	if !errors.Is(err, ErrSessionExpired) {
		return raw, err
	}
	if err := c.renew(ctx, sid); err != nil {
		return nil, err
	}
	raw, _, err = c.call(ctx, method, params)
	return raw, err
}

// ListTools returns every tool the server offers, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	var (
		tools  []Tool
		cursor string
	)
	for {
		raw, err := c.request(ctx, MethodToolsList, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var page ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &TransportError{URL: c.url, Op: MethodToolsList, Err: fmt.Errorf("decode result: %w", err)}
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool and folds every failure into the returned outcome.
// Structured content wins over text; text items are joined by newlines.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) conversation.Outcome {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := c.ensureInitialized(ctx); err != nil {
		return c.failure(name, err)
	}
	raw, err := c.request(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return c.failure(name, err)
	}

	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return conversation.ErrorOutcome("Error calling tool %s: undecodable result: %v", name, err)
	}
	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return conversation.Outcome{Err: text}
	}
	if gjson.GetBytes(raw, "structuredContent").IsObject() {
		return conversation.Outcome{Content: res.StructuredContent}
	}
	return conversation.TextOutcome(text)
}

func (c *Client) failure(name string, err error) conversation.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return conversation.ErrorOutcome("Operation timed out after %s", c.timeout)
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return conversation.ErrorOutcome("Error calling tool %s: %s", name, rpcErr.Message)
	}
	return conversation.ErrorOutcome("Error calling tool %s: %v", name, err)
}

// Close ends the server session. Servers that do not support explicit
// termination answer 405, which is ignored.
func (c *Client) Close(ctx context.Context) error {
	sid := c.SessionID()
	c.mu.Lock()
	c.initialized = false
	c.sessionID = ""
	c.mu.Unlock()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return &TransportError{URL: c.url, Op: "close", Err: err}
	}
	c.setHeaders(req, sid)
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{URL: c.url, Op: "close", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed {
		return &TransportError{URL: c.url, Op: "close", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	return nil
}

// call sends one JSON-RPC request. It also returns the session id the request
// was sent with.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sid := c.SessionID()
	wrap := func(err error) error { return &TransportError{URL: c.url, Op: method, Err: err} }

	p, err := json.Marshal(params)
	if err != nil {
		return nil, sid, wrap(fmt.Errorf("encode params: %w", err))
	}
	id := uuid.NewString()
	idJSON, _ := json.Marshal(id)
	body, err := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: idJSON, Method: method, Params: p})
	if err != nil {
		return nil, sid, wrap(err)
	}

	resp, err := c.post(ctx, body, sid)
	if err != nil {
		return nil, sid, wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound && sid != "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, sid, wrap(ErrSessionExpired)
	}
	if newSID := resp.Header.Get(HeaderSessionID); newSID != "" {
		c.mu.Lock()
		c.sessionID = newSID
		c.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, sid, wrap(fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	msg, err := readReply(resp, id)
	if err != nil {
		return nil, sid, wrap(err)
	}
	var rpc Response
	if err := json.Unmarshal(msg, &rpc); err != nil {
		return nil, sid, wrap(fmt.Errorf("decode response: %w", err))
	}
	if rpc.Error != nil {
		return nil, sid, wrap(rpc.Error)
	}
	c.log.Debug("mcp call", zap.String("url", c.url), zap.String("method", method), zap.Int("result_bytes", len(rpc.Result)))
	return rpc.Result, sid, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(Request{JSONRPC: JSONRPCVersion, Method: method})
	if err != nil {
		return &TransportError{URL: c.url, Op: method, Err: err}
	}
	resp, err := c.post(ctx, body, c.SessionID())
	if err != nil {
		return &TransportError{URL: c.url, Op: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &TransportError{URL: c.url, Op: method, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, sid string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setHeaders(req, sid)
	return c.http.Do(req)
}

func (c *Client) setHeaders(req *http.Request, sid string) {
	req.Header.Set("User-Agent", clientName+"/"+clientVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}
}

// readReply returns the JSON-RPC message answering id, from either a plain
// JSON body or an event stream.
func readReply(resp *http.Response, id string) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if !gjson.ValidBytes(b) {
			return nil, fmt.Errorf("reply is not JSON: %.80q", b)
		}
		return b, nil
	}
	return readEventStream(resp.Body, id)
}

// readEventStream scans server-sent events until one carries the reply to id.
// Events without a matching id, such as server notifications, are skipped.
func readEventStream(r io.Reader, id string) ([]byte, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var data []string
	flush := func() []byte {
		if len(data) == 0 {
			return nil
		}
		payload := []byte(strings.Join(data, "\n"))
		data = data[:0]
		if gjson.ValidBytes(payload) && gjson.GetBytes(payload, "id").String() == id {
			return payload
		}
		return nil
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if msg := flush(); msg != nil {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if msg := flush(); msg != nil {
		return msg, nil
	}
	return nil, errors.New("event stream ended without a reply")
}

func joinText(items []Content) string {
	var parts []string
	for _, it := range items {
		if it.Type == "text" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n")
}
