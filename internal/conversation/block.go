package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind reports which variant of a Block is populated.
type BlockKind int

const (
	KindUnknown BlockKind = iota
	KindText
	KindToolRequest
	KindToolResult
)

func (k BlockKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindToolRequest:
		return "tool_request"
	case KindToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

type TextBlock struct {
	Text string `json:"text"`
}

// ToolRequest is a model-issued instruction to invoke a named tool.
type ToolRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ResultContent carries either a textual or a structured tool result payload.
type ResultContent struct {
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// IsStructured reports whether the payload is a JSON value rather than text.
func (c ResultContent) IsStructured() bool { return len(c.Structured) > 0 }

// String renders the payload as text; structured payloads are returned as JSON.
func (c ResultContent) String() string {
	if c.IsStructured() {
		return string(c.Structured)
	}
	return c.Text
}

type ToolResult struct {
	ID      string        `json:"id"`
	Content ResultContent `json:"content"`
	IsError bool          `json:"is_error,omitempty"`
}

// Block is one content block of a turn. Exactly one of the Of* fields is set.
type Block struct {
	OfText        *TextBlock   `json:"text,omitempty"`
	OfToolRequest *ToolRequest `json:"tool_request,omitempty"`
	OfToolResult  *ToolResult  `json:"tool_result,omitempty"`
}

func NewTextBlock(text string) Block {
	return Block{OfText: &TextBlock{Text: text}}
}

func NewToolRequestBlock(id, name string, input json.RawMessage) Block {
	return Block{OfToolRequest: &ToolRequest{ID: id, Name: name, Input: input}}
}

func NewToolResultBlock(id string, content ResultContent, isError bool) Block {
	return Block{OfToolResult: &ToolResult{ID: id, Content: content, IsError: isError}}
}

// Kind returns the populated variant. Blocks with zero or several variants set
// are KindUnknown.
func (b Block) Kind() BlockKind {
	n := 0
	kind := KindUnknown
	if b.OfText != nil {
		n++
		kind = KindText
	}
	if b.OfToolRequest != nil {
		n++
		kind = KindToolRequest
	}
	if b.OfToolResult != nil {
		n++
		kind = KindToolResult
	}
	if n != 1 {
		return KindUnknown
	}
	return kind
}

func (b Block) clone() Block {
	var out Block
	if b.OfText != nil {
		t := *b.OfText
		out.OfText = &t
	}
	if b.OfToolRequest != nil {
		r := *b.OfToolRequest
		r.Input = cloneRaw(r.Input)
		out.OfToolRequest = &r
	}
	if b.OfToolResult != nil {
		r := *b.OfToolResult
		r.Content.Structured = cloneRaw(r.Content.Structured)
		out.OfToolResult = &r
	}
	return out
}

// Turn is one role-tagged entry of the transcript.
type Turn struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

func NewUserTurn(blocks ...Block) Turn {
	return Turn{Role: RoleUser, Blocks: blocks}
}

func NewAssistantTurn(blocks ...Block) Turn {
	return Turn{Role: RoleAssistant, Blocks: blocks}
}

// Text joins the turn's text blocks with newlines.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Blocks {
		if b.OfText != nil && b.OfText.Text != "" {
			parts = append(parts, b.OfText.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolRequests returns the tool requests of the turn in order.
func (t Turn) ToolRequests() []ToolRequest {
	var out []ToolRequest
	for _, b := range t.Blocks {
		if b.Kind() == KindToolRequest {
			out = append(out, *b.OfToolRequest)
		}
	}
	return out
}

func (t Turn) clone() Turn {
	blocks := make([]Block, len(t.Blocks))
	for i, b := range t.Blocks {
		blocks[i] = b.clone()
	}
	return Turn{Role: t.Role, Blocks: blocks}
}

func cloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.clone()
	}
	return out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// StopReason is the gateway's indicator of why a response ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
)

// Response is a single model gateway reply: the blocks of one assistant turn
// and the stop indicator.
type Response struct {
	StopReason StopReason `json:"stop_reason"`
	Blocks     []Block    `json:"blocks"`
}

// Outcome is the result of executing a tool request. A non-empty Err marks the
// outcome as failed; otherwise Content carries the payload.
type Outcome struct {
	Content any
	Err     string
}

func TextOutcome(s string) Outcome { return Outcome{Content: s} }

func ErrorOutcome(format string, args ...any) Outcome {
	return Outcome{Err: fmt.Sprintf(format, args...)}
}

func (o Outcome) Failed() bool { return o.Err != "" }

// Result converts the outcome into a transcript payload. Strings become text,
// any other value is encoded as structured JSON.
func (o Outcome) Result() ResultContent {
	if o.Failed() {
		return ResultContent{Text: o.Err}
	}
	switch v := o.Content.(type) {
	case nil:
		return ResultContent{}
	case string:
		return ResultContent{Text: v}
	case json.RawMessage:
		if json.Valid(v) {
			return ResultContent{Structured: cloneRaw(v)}
		}
		return ResultContent{Text: string(v)}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ResultContent{Text: fmt.Sprint(v)}
		}
		return ResultContent{Structured: b}
	}
}
