package windowing

import (
	"unicode/utf8"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// TokenCounter estimates input-token cost for turns or groups.
type TokenCounter interface {
	CountTurn(t conversation.Turn) int
	CountGroup(g Group, all []conversation.Turn) int
}

// HeuristicCounter is the current default deterministic estimator.
// Rules:
// - text blocks: rune count of the text
// - tool_request blocks: rune count of the name plus the raw JSON input
// - tool_result blocks: rune count of the text, or of the JSON for structured payloads
// Every block adds a small fixed overhead for minimal formatting.
type HeuristicCounter struct{}

// Fixed per-block overhead for deterministic counts; changing this requires updating the guard test.
const blockOverhead = 4

func (HeuristicCounter) CountTurn(t conversation.Turn) int {
	total := 0
	for _, b := range t.Blocks {
		total += countBlock(b)
	}
	return total
}

func (h HeuristicCounter) CountGroup(g Group, all []conversation.Turn) int {
	total := 0
	for i := g.Start; i < g.End && i < len(all); i++ {
		total += h.CountTurn(all[i])
	}
	return total
}

func countBlock(b conversation.Block) int {
	switch b.Kind() {
	case conversation.KindText:
		return utf8.RuneCountInString(b.OfText.Text) + blockOverhead
	case conversation.KindToolRequest:
		r := b.OfToolRequest
		return utf8.RuneCountInString(r.Name) + utf8.RuneCount(r.Input) + blockOverhead
	case conversation.KindToolResult:
		return utf8.RuneCountInString(b.OfToolResult.Content.String()) + blockOverhead
	default:
		return blockOverhead
	}
}
