package windowing_test

import (
	"encoding/json"

	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/windowing"
)

// Text block constructor
func T(text string) conversation.Block { return conversation.NewTextBlock(text) }

// Tool-request block constructor (no name or input, so it costs overhead only)
func TQ(id string) conversation.Block { return conversation.NewToolRequestBlock(id, "", nil) }

// Tool-result (no payload), with optional error flag - used by grouping tests where payload length is irrelevant
func TR(id string, isErr bool) conversation.Block {
	return conversation.NewToolResultBlock(id, conversation.ResultContent{}, isErr)
}

// Tool-result (text payload) constructor - preferred in counter tests for deterministic sizing
func TRString(id, s string) conversation.Block {
	return conversation.NewToolResultBlock(id, conversation.ResultContent{Text: s}, false)
}

// Tool-result (structured payload) constructor
func TRJSON(id, raw string) conversation.Block {
	return conversation.NewToolResultBlock(id, conversation.ResultContent{Structured: json.RawMessage(raw)}, false)
}

// Assistant turn constructor
func Asst(blocks ...conversation.Block) conversation.Turn {
	return conversation.NewAssistantTurn(blocks...)
}

// User turn constructor
func User(blocks ...conversation.Block) conversation.Turn { return conversation.NewUserTurn(blocks...) }

// Intervening returns a turn that simply breaks adjacency between
// assistant(tool_request) and the expected next user(tool_result).
func Intervening(text string) conversation.Turn { return Asst(T(text)) }

// groupsEqual is a small utility used by grouping tests.
func groupsEqual(got, want []windowing.Group) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i].Kind != want[i].Kind || got[i].Start != want[i].Start || got[i].End != want[i].End || got[i].Reason != want[i].Reason {
			return false
		}
	}
	return true
}
