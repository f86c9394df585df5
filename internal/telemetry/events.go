package telemetry

import (
	"context"
	"time"

	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/metrics"
	"github.com/petasbytes/mcp-playground/internal/windowing"
)

// Event names.
const (
	EventStateTransition = "state_transition"
	EventUserFeatures    = "user_features"
	EventWindowPrepared  = "window_prepared"
	EventGatewayCall     = "gateway_call"
	EventToolExec        = "tool_exec"
	EventTranscript      = "transcript_summary"
)

// withTurn adds the turn and session IDs carried by ctx, if any.
func withTurn(ctx context.Context, fields map[string]any) map[string]any {
	if id, ok := TurnIDFromContext(ctx); ok {
		fields["turn_id"] = id
	}
	if id, ok := SessionIDFromContext(ctx); ok {
		fields["session_id"] = id
	}
	return fields
}

// TransitionHook returns a callback for conversation.WithTransitionHook.
func (e *Emitter) TransitionHook() func(conversation.Transition) {
	return func(t conversation.Transition) {
		e.Emit(EventStateTransition, map[string]any{
			"session_id": t.SessionID,
			"from":       t.From.String(),
			"to":         t.To.String(),
			"held_ms":    t.Held.Milliseconds(),
			"turns":      t.Turns,
			"pending":    t.Pending,
		})
	}
}

// EmitLocalFeatures records byte, rune, word and line counts of user input.
// Runs locally; no API calls.
func (e *Emitter) EmitLocalFeatures(ctx context.Context, userInput string) {
	if !e.Enabled() {
		return
	}
	f := metrics.CountFeatures(userInput)
	e.Emit(EventUserFeatures, withTurn(ctx, map[string]any{
		"bytes": f.Bytes,
		"runes": f.Runes,
		"words": f.Words,
		"lines": f.Lines,
	}))
}

// WindowPrepared records the outcome of send-window selection.
func (e *Emitter) WindowPrepared(ctx context.Context, st windowing.Stats) {
	e.Emit(EventWindowPrepared, withTurn(ctx, map[string]any{
		"total_tokens":       st.Total,
		"budget":             st.Budget,
		"included_groups":    st.IncludedGroups,
		"skipped_groups":     st.SkippedGroups,
		"over_budget_newest": st.OverBudgetNewest,
		"unpaired":           st.Unpaired,
	}))
}

// GatewayCall describes one model round trip.
type GatewayCall struct {
	Model      string
	Turns      int
	Tools      int
	Duration   time.Duration
	StopReason conversation.StopReason
	Err        error
}

func (e *Emitter) GatewayCall(ctx context.Context, c GatewayCall) {
	fields := map[string]any{
		"model":       c.Model,
		"turns":       c.Turns,
		"tools":       c.Tools,
		"duration_ms": c.Duration.Milliseconds(),
		"stop_reason": string(c.StopReason),
		"ok":          c.Err == nil,
	}
	if c.Err != nil {
		fields["error"] = c.Err.Error()
	}
	e.Emit(EventGatewayCall, withTurn(ctx, fields))
}

// ToolExec describes one tool invocation.
type ToolExec struct {
	ID       string
	Name     string
	Attempt  int
	Duration time.Duration
	Err      string
}

func (e *Emitter) ToolExec(ctx context.Context, x ToolExec) {
	fields := map[string]any{
		"tool_use_id": x.ID,
		"tool":        x.Name,
		"attempt":     x.Attempt,
		"duration_ms": x.Duration.Milliseconds(),
		"is_error":    x.Err != "",
	}
	if x.Err != "" {
		fields["error"] = x.Err
	}
	e.Emit(EventToolExec, withTurn(ctx, fields))
}

// TranscriptSummary records block counts for the transcript at the end of a turn.
func (e *Emitter) TranscriptSummary(ctx context.Context, turns []conversation.Turn) {
	if !e.Enabled() {
		return
	}
	st := metrics.SummarizeTranscript(turns)
	e.Emit(EventTranscript, withTurn(ctx, map[string]any{
		"turns":         st.Turns,
		"tool_requests": st.ToolRequests,
		"tool_results":  st.ToolResults,
		"error_results": st.ErrorResults,
		"text_words":    st.Text.Words,
		"text_runes":    st.Text.Runes,
	}))
}
