// Package windowing_test contains tests for the heuristic token counter.
// Tests focus on rune counting correctness, tool payload handling,
// and deterministic overhead application.
package windowing_test

import (
	"encoding/json"
	"testing"

	"github.com/petasbytes/mcp-playground/internal/conversation"
	"github.com/petasbytes/mcp-playground/internal/windowing"
)

func TestHeuristicCounter_TextBlocks_CountsRunes(t *testing.T) {
	h := windowing.HeuristicCounter{}
	// ASCII + multibyte (emoji)
	got := h.CountTurn(User(T("hello"), T("👍")))
	// Derive per-block overhead from an empty text block (0 runes => result equals overhead)
	overhead := h.CountTurn(User(T("")))
	want := (5 + 1) + 2*overhead
	if got != want {
		t.Fatalf("got=%d want=%d", got, want)
	}
}

func TestHeuristicCounter_ToolResult_TextPayload(t *testing.T) {
	h := windowing.HeuristicCounter{}
	got := h.CountTurn(User(TRString("t1", "abcdef")))
	overhead := h.CountTurn(User(T("")))
	if want := 6 + overhead; got != want {
		t.Fatalf("got=%d want=%d", got, want)
	}
}

func TestHeuristicCounter_ToolResult_StructuredPayload(t *testing.T) {
	h := windowing.HeuristicCounter{}
	got := h.CountTurn(User(TRJSON("t1", `{"a":"世界"}`)))
	overhead := h.CountTurn(User(T("")))
	if want := 10 + overhead; got != want {
		t.Fatalf("got=%d want=%d", got, want)
	}
}

func TestHeuristicCounter_ToolRequest_CountsNameAndInput(t *testing.T) {
	h := windowing.HeuristicCounter{}
	blk := conversation.NewToolRequestBlock("t1", "get", json.RawMessage(`{"id":1}`))
	got := h.CountTurn(Asst(blk))
	overhead := h.CountTurn(User(T("")))
	if want := 3 + 8 + overhead; got != want {
		t.Fatalf("got=%d want=%d", got, want)
	}
}

func TestHeuristicCounter_OverheadGuard(t *testing.T) {
	if got := (windowing.HeuristicCounter{}).CountTurn(User(T(""))); got != 4 {
		t.Fatalf("block overhead changed: got=%d want=4", got)
	}
}

func TestHeuristicCounter_CountGroup_SumsTurns(t *testing.T) {
	h := windowing.HeuristicCounter{}
	turns := []conversation.Turn{
		User(T("a")),                // 1 + overhead
		Asst(T("b"), T("c")),        // 1+1 + 2*overhead
		User(TRString("t1", "xyz")), // 3 + overhead
	}
	groups := []windowing.Group{
		{Kind: windowing.GroupSingleton, Start: 0, End: 1},
		{Kind: windowing.GroupSingleton, Start: 1, End: 2},
		{Kind: windowing.GroupSingleton, Start: 2, End: 3},
	}

	total := 0
	for _, g := range groups {
		total += h.CountGroup(g, turns)
	}

	overhead := h.CountTurn(User(T("")))
	want := (1 + overhead) + (1 + 1 + 2*overhead) + (3 + overhead)
	if total != want {
		t.Fatalf("got=%d want=%d", total, want)
	}
}
