package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the number of error results absorbed per tool
	// request before the next one is recorded as terminal.
	DefaultMaxRetries = 3
	// DefaultStateTimeout is the usual HandleTimeout threshold.
	DefaultStateTimeout = 60 * time.Second

	forceContinueFormat = "Error: Unable to complete tool %s due to connectivity issues. Let's continue the conversation."
)

// Session owns one conversation: its transcript, the tool requests still
// awaiting a result and the control state deciding what may happen next.
//
// A Session is not safe for concurrent use. It is driven by exactly one loop;
// tool calls may run concurrently outside it, but their outcomes must be fed
// back through ResolveToolRequest one at a time.
type Session struct {
	id           string
	log          *zap.Logger
	now          func() time.Time
	maxRetries   int
	onTransition func(Transition)

	transcript []Turn
	pending    map[string]ToolRequest
	order      []string // pending ids in emission order
	retries    map[string]int
	resolved   map[string]struct{}
	requested  map[string]struct{}

	state   State
	since   time.Time
	lastErr error
}

type Option func(*Session)

// WithMaxRetries sets how many error results are retried per tool request.
func WithMaxRetries(n int) Option {
	return func(s *Session) {
		if n < 0 {
			n = 0
		}
		s.maxRetries = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now; used by tests to drive HandleTimeout.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTransitionHook registers fn to observe every state change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(s *Session) { s.onTransition = fn }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// New returns an empty session in StateIdle.
func New(opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		log:        zap.NewNop(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session_id", s.id))
	s.clear()
	s.since = s.now()
	return s
}

func (s *Session) clear() {
	s.transcript = nil
	s.pending = make(map[string]ToolRequest)
	s.order = nil
	s.retries = make(map[string]int)
	s.resolved = make(map[string]struct{})
	s.requested = make(map[string]struct{})
	s.lastErr = nil
	s.state = StateIdle
}

// SubmitUserTurn appends a user text turn and moves to StateWaiting.
func (s *Session) SubmitUserTurn(text string) error {
	if s.state != StateIdle {
		return &InvalidStateError{Op: "SubmitUserTurn", State: s.state}
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyTurn
	}
	s.appendBlocks(RoleUser, NewTextBlock(text))
	s.transition(StateWaiting)
	return nil
}

// Ingested is what IngestGatewayResponse extracted from a response.
type Ingested struct {
	Text         string
	ToolRequests []ToolRequest
	StopReason   StopReason
}

// IngestGatewayResponse records a model response as one assistant turn, with
// blocks kept in the order the model produced them, and registers its tool
// requests as pending. The session moves to StateProcessingTools when there is
// at least one tool request, otherwise back to StateIdle.
func (s *Session) IngestGatewayResponse(resp Response) (Ingested, error) {
	if s.state != StateWaiting {
		return Ingested{}, &InvalidStateError{Op: "IngestGatewayResponse", State: s.state}
	}

	in := Ingested{StopReason: resp.StopReason}
	blocks := make([]Block, 0, len(resp.Blocks))
	var texts []string
	for _, b := range resp.Blocks {
		switch b.Kind() {
		case KindText:
			// providers sometimes emit empty text next to tool_use
			if b.OfText.Text == "" {
				continue
			}
			texts = append(texts, b.OfText.Text)
			blocks = append(blocks, b.clone())
		case KindToolRequest:
			req := *b.OfToolRequest
			if req.ID == "" {
				s.violation(Violation{Kind: ViolationMalformedBlock, Turn: len(s.transcript), Detail: "tool_request without id from gateway"})
				continue
			}
			if _, seen := s.requested[req.ID]; seen {
				s.violation(Violation{Kind: ViolationDuplicateRequest, Turn: len(s.transcript), ID: req.ID})
				continue
			}
			blocks = append(blocks, b.clone())
			s.requested[req.ID] = struct{}{}
			req.Input = cloneRaw(req.Input)
			in.ToolRequests = append(in.ToolRequests, req)
		default:
			s.violation(Violation{Kind: ViolationMisplacedBlock, Turn: len(s.transcript), Detail: b.Kind().String() + " in gateway response"})
		}
	}
	in.Text = strings.Join(texts, "\n")

	if len(blocks) > 0 {
		s.appendBlocks(RoleAssistant, blocks...)
	}
	for _, req := range in.ToolRequests {
		s.admit(req)
	}

	if len(in.ToolRequests) == 0 {
		if resp.StopReason == StopToolUse {
			s.log.Warn("tool_use stop without tool requests")
		}
		s.transition(StateIdle)
		return in, nil
	}
	s.transition(StateProcessingTools)
	return in, nil
}

// Resolution reports what ResolveToolRequest did with an outcome.
type Resolution struct {
	// Recorded is set when a tool_result was appended to the transcript.
	Recorded bool
	// RetryRequested is set when an error outcome was absorbed and the request
	// stays pending.
	RetryRequested bool
	// Errors is the number of error outcomes seen for the request so far.
	Errors int
}

// ResolveToolRequest delivers the outcome of one tool request.
//
// An error outcome is absorbed and reported as RetryRequested while the
// request has failed at most MaxRetries times; the next one is recorded as a
// terminal error result. Successful outcomes are recorded immediately. When
// the last pending request is recorded the session moves to StateContinuing.
//
// Ids that already have a result yield *DuplicateResolutionError and change
// nothing. An id that is not pending but has an unresolved tool_request in
// the transcript is re-admitted first.
func (s *Session) ResolveToolRequest(id string, out Outcome) (Resolution, error) {
	if s.state != StateProcessingTools && s.state != StateContinuing {
		return Resolution{}, &InvalidStateError{Op: "ResolveToolRequest", State: s.state}
	}
	if _, done := s.resolved[id]; done {
		s.log.Debug("duplicate tool resolution ignored", zap.String("tool_request_id", id))
		return Resolution{}, &DuplicateResolutionError{ID: id}
	}

	req, ok := s.pending[id]
	if !ok {
		req, ok = s.findUnresolved(id)
		if !ok {
			return Resolution{}, &UnknownRequestError{ID: id}
		}
		s.log.Warn("re-admitting tool request from transcript", zap.String("tool_request_id", id))
		s.admit(req)
		if s.state == StateContinuing {
			s.transition(StateProcessingTools)
		}
	}

	if out.Failed() {
		s.retries[id]++
		n := s.retries[id]
		if n <= s.maxRetries {
			s.log.Info("tool error, retry requested",
				zap.String("tool_request_id", id),
				zap.String("tool", req.Name),
				zap.Int("attempt", n),
				zap.String("error", out.Err))
			return Resolution{RetryRequested: true, Errors: n}, nil
		}
		s.log.Error("tool retries exhausted",
			zap.String("tool_request_id", id),
			zap.String("tool", req.Name),
			zap.Int("max_retries", s.maxRetries))
	}

	s.record(req, out.Result(), out.Failed())
	if len(s.pending) == 0 && s.state == StateProcessingTools {
		s.transition(StateContinuing)
	}
	return Resolution{Recorded: true, Errors: s.retries[id]}, nil
}

// PrepareContinuation returns the normalized transcript for the follow-up
// gateway call and moves to StateWaiting.
func (s *Session) PrepareContinuation() ([]Turn, error) {
	if s.state != StateContinuing {
		return nil, &InvalidStateError{Op: "PrepareContinuation", State: s.state}
	}
	out := s.normalize()
	s.transition(StateWaiting)
	return out, nil
}

// Messages returns the normalized transcript for the gateway call that is
// currently due. It is only legal in StateWaiting.
func (s *Session) Messages() ([]Turn, error) {
	if s.state != StateWaiting {
		return nil, &InvalidStateError{Op: "Messages", State: s.state}
	}
	return s.normalize(), nil
}

// Reset discards the conversation and returns to StateIdle. Always legal.
func (s *Session) Reset() {
	from := s.state
	held := s.StateDuration()
	s.clear()
	s.since = s.now()
	s.log.Info("conversation reset", zap.Stringer("from", from))
	s.notify(from, held)
}

// HandleTimeout applies the state-duration circuit breaker. When the current
// state has been held longer than limit:
//   - StateProcessingTools: every pending request is resolved with a synthetic
//     error result, ignoring the retry ceiling, then StateContinuing
//   - StateWaiting: the timeout becomes the last error, then StateError
//   - StateContinuing: StateIdle
//
// It reports whether any action was taken.
func (s *Session) HandleTimeout(limit time.Duration) bool {
	held := s.StateDuration()
	if held <= limit {
		return false
	}
	switch s.state {
	case StateProcessingTools:
		s.log.Warn("tool processing timed out, forcing continuation",
			zap.Duration("held", held), zap.Int("pending", len(s.pending)))
		for _, id := range append([]string(nil), s.order...) {
			req := s.pending[id]
			s.record(req, ResultContent{Text: fmt.Sprintf(forceContinueFormat, req.Name)}, true)
		}
		s.transition(StateContinuing)
		return true
	case StateWaiting:
		s.log.Warn("model response timed out", zap.Duration("held", held))
		s.lastErr = ErrResponseTimeout
		s.transition(StateError)
		return true
	case StateContinuing:
		s.log.Warn("continuation timed out", zap.Duration("held", held))
		s.transition(StateIdle)
		return true
	default:
		return false
	}
}

// Fail records err and moves the session to StateError.
func (s *Session) Fail(err error) {
	if err == nil {
		err = fmt.Errorf("conversation: failed in state %s", s.state)
	}
	s.lastErr = err
	s.log.Error("conversation failed", zap.Error(err))
	s.transition(StateError)
}

// Restore replaces the transcript of an idle session with turns, typically a
// persisted conversation. The transcript is normalized and a trailing
// assistant turn still waiting on tool results is dropped.
func (s *Session) Restore(turns []Turn) error {
	if s.state != StateIdle {
		return &InvalidStateError{Op: "Restore", State: s.state}
	}
	out, vs := Normalize(turns)
	for _, v := range vs {
		s.violation(v)
	}
	if n := len(out); n > 0 && out[n-1].Role == RoleAssistant && len(out[n-1].ToolRequests()) > 0 {
		s.violation(Violation{Kind: ViolationStuckRequest, Turn: n - 1, Detail: "restored transcript ends with unresolved tool requests"})
		out = out[:n-1]
	}
	s.clear()
	s.transcript = out
	s.rebuild()
	s.since = s.now()
	s.log.Info("conversation restored", zap.Int("turns", len(out)))
	return nil
}

// Queries

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.state }

func (s *Session) PendingCount() int { return len(s.pending) }

func (s *Session) MaxRetries() int { return s.maxRetries }

// Pending returns the pending tool requests in the order the model emitted them.
func (s *Session) Pending() []ToolRequest {
	out := make([]ToolRequest, 0, len(s.order))
	for _, id := range s.order {
		req := s.pending[id]
		req.Input = cloneRaw(req.Input)
		out = append(out, req)
	}
	return out
}

// Transcript returns a deep copy of the transcript as recorded, without
// normalization.
func (s *Session) Transcript() []Turn { return cloneTurns(s.transcript) }

func (s *Session) LastError() error { return s.lastErr }

// StateDuration is how long the current state has been held.
func (s *Session) StateDuration() time.Duration { return s.now().Sub(s.since) }

// RetryCount returns the number of error outcomes seen for id.
func (s *Session) RetryCount(id string) int { return s.retries[id] }

// Internals

func (s *Session) transition(to State) {
	from := s.state
	held := s.StateDuration()
	s.state = to
	s.since = s.now()
	if to == StateIdle {
		s.pending = make(map[string]ToolRequest)
		s.order = nil
	}
	s.log.Info("state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("turns", len(s.transcript)),
		zap.Int("pending", len(s.pending)))
	s.notify(from, held)
}

func (s *Session) notify(from State, held time.Duration) {
	if s.onTransition == nil {
		return
	}
	s.onTransition(Transition{
		SessionID: s.id,
		From:      from,
		To:        s.state,
		At:        s.since,
		Held:      held,
		Turns:     len(s.transcript),
		Pending:   len(s.pending),
	})
}

// appendBlocks adds blocks to the transcript, extending the last turn when it
// has the same role so roles keep alternating.
func (s *Session) appendBlocks(role Role, blocks ...Block) {
	if n := len(s.transcript); n > 0 && s.transcript[n-1].Role == role {
		s.transcript[n-1].Blocks = append(s.transcript[n-1].Blocks, blocks...)
		return
	}
	s.transcript = append(s.transcript, Turn{Role: role, Blocks: blocks})
}

func (s *Session) admit(req ToolRequest) {
	if _, ok := s.pending[req.ID]; ok {
		return
	}
	s.pending[req.ID] = req
	s.order = append(s.order, req.ID)
	s.requested[req.ID] = struct{}{}
	if _, ok := s.retries[req.ID]; !ok {
		s.retries[req.ID] = 0
	}
}

func (s *Session) record(req ToolRequest, content ResultContent, isError bool) {
	s.appendBlocks(RoleUser, NewToolResultBlock(req.ID, content, isError))
	delete(s.pending, req.ID)
	for i, id := range s.order {
		if id == req.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.resolved[req.ID] = struct{}{}
	s.log.Info("tool result recorded",
		zap.String("tool_request_id", req.ID),
		zap.String("tool", req.Name),
		zap.Bool("is_error", isError),
		zap.Int("remaining", len(s.pending)))
}

// findUnresolved scans assistant turns for a tool_request with id that has no
// recorded result.
func (s *Session) findUnresolved(id string) (ToolRequest, bool) {
	if _, done := s.resolved[id]; done {
		return ToolRequest{}, false
	}
	for _, t := range s.transcript {
		if t.Role != RoleAssistant {
			continue
		}
		for _, req := range t.ToolRequests() {
			if req.ID == id {
				req.Input = cloneRaw(req.Input)
				return req, true
			}
		}
	}
	return ToolRequest{}, false
}

// normalize repairs the transcript in place when needed and returns a copy.
func (s *Session) normalize() []Turn {
	out, vs := Normalize(s.transcript)
	if len(vs) > 0 {
		for _, v := range vs {
			s.violation(v)
		}
		s.transcript = out
		s.rebuild()
	}
	return cloneTurns(out)
}

// rebuild derives the requested, resolved and pending sets from the
// transcript. Pending keeps only requests that are still unresolved.
func (s *Session) rebuild() {
	requested := make(map[string]ToolRequest)
	resolved := make(map[string]struct{})
	for _, t := range s.transcript {
		for _, b := range t.Blocks {
			switch b.Kind() {
			case KindToolRequest:
				requested[b.OfToolRequest.ID] = *b.OfToolRequest
			case KindToolResult:
				resolved[b.OfToolResult.ID] = struct{}{}
			}
		}
	}

	s.requested = make(map[string]struct{}, len(requested))
	for id := range requested {
		s.requested[id] = struct{}{}
	}
	s.resolved = resolved

	pending := make(map[string]ToolRequest)
	var order []string
	for _, id := range s.order {
		if _, done := resolved[id]; done {
			continue
		}
		if req, ok := requested[id]; ok {
			pending[id] = req
			order = append(order, id)
		}
	}
	s.pending = pending
	s.order = order

	for id := range s.retries {
		if _, ok := requested[id]; !ok {
			delete(s.retries, id)
		}
	}
}

func (s *Session) violation(v Violation) {
	s.log.Warn("transcript invariant violation",
		zap.String("kind", string(v.Kind)),
		zap.Int("turn", v.Turn),
		zap.String("tool_request_id", v.ID),
		zap.String("detail", v.Detail))
}
