package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState        = errors.New("conversation: operation not allowed in current state")
	ErrUnknownRequest      = errors.New("conversation: unknown tool request")
	ErrDuplicateResolution = errors.New("conversation: tool request already resolved")
	ErrEmptyTurn           = errors.New("conversation: empty user turn")
	ErrResponseTimeout     = errors.New("conversation: timed out waiting for model response")
)

// InvalidStateError is returned when an operation is not legal in the
// session's current state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("conversation: %s not allowed in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// UnknownRequestError is returned when a resolution names an id that is
// neither pending nor an unresolved tool request in the transcript.
type UnknownRequestError struct {
	ID string
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("conversation: unknown tool request %q", e.ID)
}

func (e *UnknownRequestError) Is(target error) bool { return target == ErrUnknownRequest }

// DuplicateResolutionError is returned when a result is delivered for an id
// that already has one. The session is left untouched.
type DuplicateResolutionError struct {
	ID string
}

func (e *DuplicateResolutionError) Error() string {
	return fmt.Sprintf("conversation: tool request %q already resolved", e.ID)
}

func (e *DuplicateResolutionError) Is(target error) bool { return target == ErrDuplicateResolution }

// ViolationKind classifies a transcript invariant violation.
type ViolationKind string

const (
	ViolationEmptyTurn        ViolationKind = "empty_turn"
	ViolationUnknownRole      ViolationKind = "unknown_role"
	ViolationMalformedBlock   ViolationKind = "malformed_block"
	ViolationLeadingAssistant ViolationKind = "leading_assistant"
	ViolationMergedTurns      ViolationKind = "merged_turns"
	ViolationMisplacedBlock   ViolationKind = "misplaced_block"
	ViolationResultOrder      ViolationKind = "result_order"
	ViolationDuplicateRequest ViolationKind = "duplicate_request"
	ViolationOrphanResult     ViolationKind = "orphan_result"
	ViolationDuplicateResult  ViolationKind = "duplicate_result"
	ViolationStuckRequest     ViolationKind = "stuck_request"
	ViolationUnrepairable     ViolationKind = "unrepairable"
)

// Violation records one transcript defect found and repaired during
// normalization. Violations are logged, never returned to callers as errors.
type Violation struct {
	Kind ViolationKind
	// Turn is the index of the offending turn when it was detected, or -1.
	Turn   int
	ID     string
	Detail string
}

func (v Violation) Error() string {
	msg := fmt.Sprintf("transcript invariant violation: %s at turn %d", v.Kind, v.Turn)
	if v.ID != "" {
		msg += fmt.Sprintf(" (id %s)", v.ID)
	}
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return msg
}
