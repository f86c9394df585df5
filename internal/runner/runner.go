package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/provider"
	"github.com/petasbytes/mcp-playground/internal/telemetry"
	"github.com/petasbytes/mcp-playground/internal/windowing"
)

var (
	// ErrMaxRounds is returned when a user turn needs more gateway round trips
	// than Settings.MaxRounds allows.
	ErrMaxRounds = errors.New("runner: too many model round trips for one turn")
	// ErrWindowTooSmall is returned when the newest exchange alone exceeds the
	// token budget.
	ErrWindowTooSmall = errors.New("runner: newest exchange exceeds token budget; raise conversation.token_budget")
)

// Tools is the tool catalog and executor, normally an *mcp.Manager.
type Tools interface {
	Catalog() []provider.ToolSpec
	Call(ctx context.Context, name string, input json.RawMessage) conversation.Outcome
}

// Settings are the driver loop knobs.
type Settings struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	StateTimeout time.Duration
	MaxRounds    int
	// TokenBudget caps the estimated send window; 0 sends the whole transcript.
	TokenBudget int
	Concurrency int
}

// SettingsFromConfig collects the runner settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SystemPrompt: cfg.Model.SystemPrompt,
		MaxTokens:    cfg.Model.MaxTokens,
		Temperature:  cfg.Model.Temperature,
		StateTimeout: cfg.Conversation.StateTimeout,
		MaxRounds:    cfg.Conversation.MaxRounds,
		TokenBudget:  cfg.Conversation.TokenBudget,
		Concurrency:  cfg.Tools.Concurrency,
	}
}

func (s Settings) withDefaults() Settings {
	if s.MaxTokens <= 0 {
		s.MaxTokens = 1024
	}
	if s.StateTimeout <= 0 {
		s.StateTimeout = 60 * time.Second
	}
	if s.MaxRounds <= 0 {
		s.MaxRounds = 25
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	return s
}

// ToolCall summarizes one tool request of a turn.
type ToolCall struct {
	ID      string
	Name    string
	Input   json.RawMessage
	Output  string
	IsError bool
	// Attempts counts dispatches, including retries.
	Attempts int
}

// Reply is the result of one user turn.
type Reply struct {
	TurnID     string
	Text       string
	StopReason conversation.StopReason
	Rounds     int
	Calls      []ToolCall
}

type Runner struct {
	gateway  provider.Gateway
	tools    Tools
	session  *conversation.Session
	settings Settings
	counter  windowing.TokenCounter
	events   *telemetry.Emitter
	log      *zap.Logger
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTelemetry sends runner events to e.
func WithTelemetry(e *telemetry.Emitter) Option { return func(r *Runner) { r.events = e } }

// WithCounter replaces the heuristic token counter used for windowing.
func WithCounter(c windowing.TokenCounter) Option {
	return func(r *Runner) {
		if c != nil {
			r.counter = c
		}
	}
}

func New(gw provider.Gateway, tools Tools, session *conversation.Session, settings Settings, opts ...Option) *Runner {
	if tools == nil {
		tools = noTools{}
	}
	if session == nil {
		session = conversation.New()
	}
	r := &Runner{
		gateway:  gw,
		tools:    tools,
		session:  session,
		settings: settings.withDefaults(),
		counter:  windowing.HeuristicCounter{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Session() *conversation.Session { return r.session }

// Run submits text as a user turn and drives the session until the model
// answers without tool requests. On failure the session is left in
// StateError and the partial reply is returned with the error.
func (r *Runner) Run(ctx context.Context, text string) (*Reply, error) {
	turnID, ok := telemetry.TurnIDFromContext(ctx)
	if !ok {
		turnID = uuid.NewString()
		ctx = telemetry.WithTurnID(ctx, turnID)
	}
	ctx = telemetry.WithSessionID(ctx, r.session.ID())
	reply := &Reply{TurnID: turnID}

	if err := r.session.SubmitUserTurn(text); err != nil {
		return reply, err
	}
	r.events.EmitLocalFeatures(ctx, text)
	defer func() {
		r.finish(reply)
		r.events.TranscriptSummary(ctx, r.session.Transcript())
	}()

	calls := make(map[string]int)
	var texts []string
	for {
		if err := ctx.Err(); err != nil {
			r.session.Fail(err)
			return reply, err
		}
		r.session.HandleTimeout(r.settings.StateTimeout)

		switch r.session.State() {
		case conversation.StateIdle:
			reply.Text = strings.Join(texts, "\n")
			return reply, nil

		case conversation.StateError:
			reply.Text = strings.Join(texts, "\n")
			return reply, r.session.LastError()

		case conversation.StateWaiting:
			if reply.Rounds >= r.settings.MaxRounds {
				err := fmt.Errorf("%w (%d)", ErrMaxRounds, r.settings.MaxRounds)
				r.session.Fail(err)
				return reply, err
			}
			reply.Rounds++
			in, err := r.converse(ctx)
			if err != nil {
				if r.session.State() != conversation.StateError {
					r.session.Fail(err)
				}
				return reply, err
			}
			if in.Text != "" {
				texts = append(texts, in.Text)
			}
			reply.StopReason = in.StopReason
			for _, req := range in.ToolRequests {
				calls[req.ID] = len(reply.Calls)
				reply.Calls = append(reply.Calls, ToolCall{ID: req.ID, Name: req.Name, Input: req.Input})
			}

		case conversation.StateProcessingTools:
			pending := r.session.Pending()
			attempts := make([]int, len(pending))
			for i, req := range pending {
				idx, ok := calls[req.ID]
				if !ok {
					calls[req.ID] = len(reply.Calls)
					idx = len(reply.Calls)
					reply.Calls = append(reply.Calls, ToolCall{ID: req.ID, Name: req.Name, Input: req.Input})
				}
				reply.Calls[idx].Attempts++
				attempts[i] = reply.Calls[idx].Attempts
			}
			outcomes := r.dispatch(ctx, pending, attempts)
			for i, req := range pending {
				res, err := r.session.ResolveToolRequest(req.ID, outcomes[i])
				if err != nil {
					var dup *conversation.DuplicateResolutionError
					if errors.As(err, &dup) {
						continue
					}
					r.session.Fail(err)
					return reply, err
				}
				if res.RetryRequested {
					r.log.Debug("tool retry scheduled", zap.String("tool", req.Name), zap.Int("errors", res.Errors))
				}
			}

		case conversation.StateContinuing:
			if _, err := r.session.PrepareContinuation(); err != nil {
				r.session.Fail(err)
				return reply, err
			}
		}
	}
}

// converse sends the due transcript, windowed when a budget is set, and
// ingests the response.
func (r *Runner) converse(ctx context.Context) (conversation.Ingested, error) {
	turns, err := r.session.Messages()
	if err != nil {
		return conversation.Ingested{}, err
	}
	if r.settings.TokenBudget > 0 {
		window, stats := windowing.PrepareSendWindow(turns, r.settings.TokenBudget, r.counter)
		r.events.WindowPrepared(ctx, stats)
		r.log.Debug("window prepared",
			zap.Int("budget", stats.Budget),
			zap.Int("total", stats.Total),
			zap.Int("included_groups", stats.IncludedGroups),
			zap.Int("skipped_groups", stats.SkippedGroups))
		// the newest exchange must always fit
		if stats.OverBudgetNewest {
			return conversation.Ingested{}, ErrWindowTooSmall
		}
		turns = window
	}

	// the call gets whatever is left of the waiting state's allowance
	remaining := r.settings.StateTimeout - r.session.StateDuration()
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	catalog := r.tools.Catalog()
	start := time.Now()
	resp, err := r.gateway.Converse(cctx, provider.Request{
		Transcript:   turns,
		Tools:        catalog,
		SystemPrompt: r.settings.SystemPrompt,
		MaxTokens:    r.settings.MaxTokens,
		Temperature:  r.settings.Temperature,
	})
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	call := telemetry.GatewayCall{
		Model:    r.gateway.Model(),
		Turns:    len(turns),
		Tools:    len(catalog),
		Duration: time.Since(start),
		Err:      err,
	}
	if resp != nil {
		call.StopReason = resp.StopReason
	}
	r.events.GatewayCall(ctx, call)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		if !r.session.HandleTimeout(r.settings.StateTimeout) {
			r.session.Fail(conversation.ErrResponseTimeout)
		}
		return conversation.Ingested{}, fmt.Errorf("runner: %s gateway: %w", r.gateway.Name(), conversation.ErrResponseTimeout)
	}
	if err != nil {
		return conversation.Ingested{}, fmt.Errorf("runner: %s gateway: %w", r.gateway.Name(), err)
	}
	return r.session.IngestGatewayResponse(*resp)
}

// dispatch runs the requests concurrently, at most Settings.Concurrency at a
// time. Outcomes line up with reqs.
func (r *Runner) dispatch(ctx context.Context, reqs []conversation.ToolRequest, attempts []int) []conversation.Outcome {
	out := make([]conversation.Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(r.settings.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			start := time.Now()
			out[i] = r.tools.Call(ctx, req.Name, req.Input)
			r.events.ToolExec(ctx, telemetry.ToolExec{
				ID:       req.ID,
				Name:     req.Name,
				Attempt:  attempts[i],
				Duration: time.Since(start),
				Err:      out[i].Err,
			})
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// finish copies recorded tool results from the transcript into reply.Calls.
func (r *Runner) finish(reply *Reply) {
	if len(reply.Calls) == 0 {
		return
	}
	idx := make(map[string]int, len(reply.Calls))
	for i, c := range reply.Calls {
		idx[c.ID] = i
	}
	for _, t := range r.session.Transcript() {
		if t.Role != conversation.RoleUser {
			continue
		}
		for _, b := range t.Blocks {
			if b.Kind() != conversation.KindToolResult {
				continue
			}
			if i, ok := idx[b.OfToolResult.ID]; ok {
				reply.Calls[i].Output = b.OfToolResult.Content.String()
				reply.Calls[i].IsError = b.OfToolResult.IsError
			}
		}
	}
}

type noTools struct{}

func (noTools) Catalog() []provider.ToolSpec { return nil }

func (noTools) Call(_ context.Context, name string, _ json.RawMessage) conversation.Outcome {
	return conversation.ErrorOutcome("Unknown tool: %s", name)
}
