package conversation_test

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// Text block constructor
func T(text string) conversation.Block { return conversation.NewTextBlock(text) }

// Tool-request block constructor with a JSON input
func TQ(id, name, input string) conversation.Block {
	var raw json.RawMessage
	if input != "" {
		raw = json.RawMessage(input)
	}
	return conversation.NewToolRequestBlock(id, name, raw)
}

// Tool-result block constructor (text payload)
func TR(id, text string) conversation.Block {
	return conversation.NewToolResultBlock(id, conversation.ResultContent{Text: text}, false)
}

func User(blocks ...conversation.Block) conversation.Turn { return conversation.NewUserTurn(blocks...) }

func Asst(blocks ...conversation.Block) conversation.Turn {
	return conversation.NewAssistantTurn(blocks...)
}

// fakeClock is a manually advanced clock for timeout tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// resultIDs collects tool_result ids of a turn in order.
func resultIDs(t conversation.Turn) []string {
	var out []string
	for _, b := range t.Blocks {
		if b.OfToolResult != nil {
			out = append(out, b.OfToolResult.ID)
		}
	}
	return out
}

func roles(turns []conversation.Turn) []conversation.Role {
	out := make([]conversation.Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}
