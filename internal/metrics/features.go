// Package metrics derives local counters from user text and transcripts
// without calling a model.
package metrics

import (
	"strings"
	"unicode/utf8"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// Features holds basic local text features derived from an input string.
type Features struct {
	Bytes int
	Runes int
	Words int
	Lines int
}

// CountFeatures computes and returns byte, rune, word, and line counts for the input string.
func CountFeatures(s string) Features {
	return Features{
		Bytes: len(s),
		Runes: utf8.RuneCountInString(s),
		Words: len(strings.Fields(s)),
		Lines: countLines(s),
	}
}

// countLines returns 0 for empty strings; otherwise 1 plus the number of '\n' runes.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	return 1 + strings.Count(s, "\n")
}

// TranscriptStats counts turns and blocks by kind.
type TranscriptStats struct {
	Turns          int
	UserTurns      int
	AssistantTurns int
	TextBlocks     int
	ToolRequests   int
	ToolResults    int
	ErrorResults   int
	// Text covers every text block, joined by newlines.
	Text Features
}

// SummarizeTranscript walks turns once and tallies their blocks.
func SummarizeTranscript(turns []conversation.Turn) TranscriptStats {
	var st TranscriptStats
	var texts []string
	for _, t := range turns {
		st.Turns++
		switch t.Role {
		case conversation.RoleUser:
			st.UserTurns++
		case conversation.RoleAssistant:
			st.AssistantTurns++
		}
		for _, b := range t.Blocks {
			switch b.Kind() {
			case conversation.KindText:
				st.TextBlocks++
				texts = append(texts, b.OfText.Text)
			case conversation.KindToolRequest:
				st.ToolRequests++
			case conversation.KindToolResult:
				st.ToolResults++
				if b.OfToolResult.IsError {
					st.ErrorResults++
				}
			}
		}
	}
	st.Text = CountFeatures(strings.Join(texts, "\n"))
	return st
}
