// Package telemetry appends structured events to a local JSONL file for
// offline inspection of conversations: state transitions, gateway calls,
// tool executions and send windows.
package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
)

// FileName is the event log written inside the configured directory.
const FileName = "events.jsonl"

// Emitter writes one JSON object per line. A nil or disabled Emitter drops
// every event.
type Emitter struct {
	enabled bool
	dir     string
	log     *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New builds an Emitter from the telemetry config section.
func New(cfg config.TelemetryConfig, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	dir := cfg.Dir
	if dir == "" {
		dir = ".playground"
	}
	return &Emitter{enabled: cfg.Enabled, dir: dir, log: log, now: time.Now}
}

// Enabled reports whether events are written.
func (e *Emitter) Enabled() bool { return e != nil && e.enabled }

// Path returns the event log location.
func (e *Emitter) Path() string {
	if e == nil {
		return ""
	}
	return filepath.Join(e.dir, FileName)
}

// Emit writes a single event line. It augments fields with RFC3339Nano time
// and the event name. Failures are logged, never returned.
func (e *Emitter) Emit(name string, fields map[string]any) {
	if !e.Enabled() {
		return
	}

	// shallow copy; callers' maps are not mutated
	m := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		m[k] = v
	}
	m["time"] = e.now().UTC().Format(time.RFC3339Nano)
	m["event"] = name

	b, err := json.Marshal(m)
	if err != nil {
		e.log.Warn("telemetry marshal failed", zap.String("event", name), zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		e.log.Warn("telemetry mkdir failed", zap.String("dir", e.dir), zap.Error(err))
		return
	}
	path := e.Path()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Warn("telemetry open failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		e.log.Warn("telemetry write failed", zap.String("path", path), zap.Error(err))
	}
}
