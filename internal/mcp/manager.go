package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/provider"
)

// Server status values.
const (
	StatusRegistered      = "registered"
	StatusReady           = "ready"
	StatusError           = "error"
	StatusConnectionError = "connection_error"
)

// MaxToolNameLen is the longest tool name hosted model APIs accept.
const MaxToolNameLen = 64

// ServerInfo is a snapshot of one registered server.
type ServerInfo struct {
	Name   string
	URL    string
	Status string
	Tools  []string
	Err    string
}

type route struct {
	server string
	method string
	spec   provider.ToolSpec
	schema *gojsonschema.Schema
}

type server struct {
	name   string
	url    string
	client *Client
	status string
	tools  []string
	err    string
}

// Manager routes qualified tool names to registered servers. It is safe for
// concurrent use.
type Manager struct {
	log  *zap.Logger
	opts []ClientOption

	mu      sync.RWMutex
	servers map[string]*server
	order   []string
	routes  map[string]route
}

// NewManager returns an empty registry. opts apply to every server client.
func NewManager(log *zap.Logger, opts ...ClientOption) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:     log,
		opts:    opts,
		servers: make(map[string]*server),
		routes:  make(map[string]route),
	}
}

// QualifiedName maps a server tool to the name offered to the model:
// "<server>_<tool>" with characters outside [a-zA-Z0-9_-] and hyphens replaced
// by underscores, cut to MaxToolNameLen.
func QualifiedName(serverName, tool string) string {
	name := sanitize(serverName) + "_" + sanitize(tool)
	if len(name) > MaxToolNameLen {
		name = name[:MaxToolNameLen]
	}
	return name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Register adds a server, replacing any server with the same name. Tools are
// not fetched until Discover.
func (m *Manager) Register(name, url, token string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("mcp: server name is required")
	}
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("mcp: server %s: url is required", name)
	}
	opts := append([]ClientOption{WithLogger(m.log.With(zap.String("server", name)))}, m.opts...)
	if token != "" {
		opts = append(opts, WithAuthToken(token))
	}

	m.mu.Lock()
	old := m.detach(name)
	m.servers[name] = &server{name: name, url: url, client: NewClient(url, opts...), status: StatusRegistered}
	m.order = append(m.order, name)
	m.mu.Unlock()

	if old != nil {
		_ = old.client.Close(context.Background())
	}
	m.log.Info("mcp server registered", zap.String("server", name), zap.String("url", url))
	return nil
}

// Remove drops a server and its tools. It reports whether the server existed.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	old := m.detach(name)
	m.mu.Unlock()
	if old == nil {
		return false
	}
	if err := old.client.Close(context.Background()); err != nil {
		m.log.Warn("mcp close failed", zap.String("server", name), zap.Error(err))
	}
	m.log.Info("mcp server removed", zap.String("server", name))
	return true
}

// detach removes name from the registry. Caller holds m.mu.
func (m *Manager) detach(name string) *server {
	s, ok := m.servers[name]
	if !ok {
		return nil
	}
	for _, q := range s.tools {
		delete(m.routes, q)
	}
	delete(m.servers, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return s
}

// Discover connects to a server and (re)loads its tools. It returns the number
// of tools registered, or 0 when the server is unknown or unreachable.
func (m *Manager) Discover(ctx context.Context, name string) int {
	m.mu.RLock()
	s, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	if _, err := s.client.Initialize(ctx); err != nil {
		m.log.Error("mcp connect failed", zap.String("server", name), zap.Error(err))
		m.setStatus(s, StatusConnectionError, err)
		return 0
	}
	tools, err := s.client.ListTools(ctx)
	if err != nil {
		m.log.Error("mcp tools/list failed", zap.String("server", name), zap.Error(err))
		m.setStatus(s, StatusError, err)
		return 0
	}

	routes := make(map[string]route, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		q := QualifiedName(name, t.Name)
		if _, dup := routes[q]; dup {
			m.log.Warn("mcp tool name collision", zap.String("server", name), zap.String("tool", t.Name), zap.String("qualified", q))
			continue
		}
		r, err := m.newRoute(name, q, t)
		if err != nil {
			m.log.Warn("mcp tool schema rejected", zap.String("server", name), zap.String("tool", t.Name), zap.Error(err))
		}
		routes[q] = r
		names = append(names, q)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.servers[name] != s {
		// removed or replaced while discovering
		return 0
	}
	for _, q := range s.tools {
		delete(m.routes, q)
	}
	kept := names[:0]
	for _, q := range names {
		if other, taken := m.routes[q]; taken && other.server != name {
			m.log.Warn("mcp tool shadowed by another server", zap.String("qualified", q), zap.String("owner", other.server))
			continue
		}
		m.routes[q] = routes[q]
		kept = append(kept, q)
	}
	s.tools = kept
	s.status = StatusReady
	s.err = ""
	m.log.Info("mcp tools discovered", zap.String("server", name), zap.Int("tools", len(kept)))
	return len(kept)
}

// DiscoverAll runs Discover for every registered server concurrently and
// returns the total number of tools.
func (m *Manager) DiscoverAll(ctx context.Context) int {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	counts := make([]int, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			counts[i] = m.Discover(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func (m *Manager) setStatus(s *server, status string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.status = status
	if err != nil {
		s.err = err.Error()
	}
}

// newRoute prepares the catalog entry for a tool. The input schema is forced to
// describe an object; a schema that does not compile is kept for the catalog
// but not used for validation.
func (m *Manager) newRoute(serverName, qualified string, t Tool) (route, error) {
	r := route{server: serverName, method: t.Name}
	schema, err := objectSchema(t.InputSchema)
	r.spec = provider.ToolSpec{
		Name:        qualified,
		Description: serverName + ": " + t.Description,
		InputSchema: schema,
	}
	if err != nil {
		r.spec.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		return r, err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return r, err
	}
	r.schema = compiled
	return r, nil
}

func objectSchema(in map[string]any) (map[string]any, error) {
	raw := []byte(`{}`)
	if len(in) > 0 {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var err error
	if gjson.GetBytes(raw, "type").String() != "object" {
		if raw, err = sjson.SetBytes(raw, "type", "object"); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(raw, "properties").IsObject() {
		if raw, err = sjson.SetRawBytes(raw, "properties", []byte(`{}`)); err != nil {
			return nil, err
		}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Catalog returns the tool specs of every ready server in registration order.
func (m *Manager) Catalog() []provider.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []provider.ToolSpec
	for _, name := range m.order {
		s := m.servers[name]
		if s.status != StatusReady {
			continue
		}
		for _, q := range s.tools {
			if r, ok := m.routes[q]; ok && r.server == name {
				out = append(out, r.spec)
			}
		}
	}
	return out
}

// Call invokes a tool by qualified name. Unknown tools and arguments that fail
// schema validation become error outcomes without contacting the server.
func (m *Manager) Call(ctx context.Context, qualified string, input json.RawMessage) conversation.Outcome {
	m.mu.RLock()
	r, ok := m.routes[qualified]
	var s *server
	if ok {
		s = m.servers[r.server]
	}
	m.mu.RUnlock()
	if !ok || s == nil {
		return conversation.ErrorOutcome("Unknown tool: %s", qualified)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if r.schema != nil {
		res, err := r.schema.Validate(gojsonschema.NewBytesLoader(input))
		if err != nil {
			return conversation.ErrorOutcome("Invalid arguments for %s: %v", qualified, err)
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return conversation.ErrorOutcome("Invalid arguments for %s: %s", qualified, strings.Join(msgs, "; "))
		}
	}

	out := s.client.CallTool(ctx, r.method, input)
	if out.Failed() {
		m.log.Warn("mcp tool failed", zap.String("server", r.server), zap.String("tool", r.method), zap.String("error", out.Err))
	}
	return out
}

// Servers returns a snapshot of the registry in registration order.
func (m *Manager) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerInfo, 0, len(m.order))
	for _, name := range m.order {
		s := m.servers[name]
		out = append(out, ServerInfo{
			Name:   s.name,
			URL:    s.url,
			Status: s.status,
			Tools:  append([]string(nil), s.tools...),
			Err:    s.err,
		})
	}
	return out
}

// Close ends every server session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.servers))
	for _, s := range m.servers {
		clients = append(clients, s.client)
	}
	m.mu.RUnlock()
	for _, c := range clients {
		if err := c.Close(ctx); err != nil {
			m.log.Debug("mcp close failed", zap.String("url", c.URL()), zap.Error(err))
		}
	}
}
