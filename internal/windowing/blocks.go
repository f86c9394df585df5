package windowing

import (
	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// GroupKind denotes the atomic unit type when preparing a send window.
type GroupKind int

const (
	GroupSingleton GroupKind = iota
	GroupPair
)

// Reasons an assistant turn with tool requests was not grouped as a pair.
const (
	ReasonOrderingInvalid   = "ordering_invalid"
	ReasonMissingResults    = "missing_results"
	ReasonExtraResults      = "extra_results"
	ReasonNotFollowedByUser = "not_followed_by_user"
)

// Group describes a contiguous span of turns [Start, End) in the original slice.
// Kind indicates whether it is a singleton or a validated pair. Reason is set
// on a singleton assistant turn whose tool requests could not be paired.
type Group struct {
	Kind   GroupKind
	Start  int // inclusive index into turns
	End    int // exclusive index into turns
	Reason string
}

// GroupBlocks groups turns into atomic units that preserve tool request/result pairs.
// Invariants:
// - A pair is exactly two adjacent turns: assistant(tool_request+...) then user(tool_result...).
// - In the user turn, all tool_result blocks must come first; text (if any) comes after.
// - Parallel completeness: all tool_request ids in the assistant must appear as tool_result
// ids in the following user turn's leading tool_result segment.
// - tool_result blocks with IsError=true are treated the same for grouping.
func GroupBlocks(turns []conversation.Turn) []Group {
	groups := make([]Group, 0, len(turns))
	for i := 0; i < len(turns); {
		t := turns[i]
		reason := ""
		if t.Role == conversation.RoleAssistant {
			reqIDs := collectRequestIDs(t)
			if len(reqIDs) > 0 {
				if i+1 < len(turns) && turns[i+1].Role == conversation.RoleUser {
					valid, resultIDs := leadingResultIDsAndOrderingValid(turns[i+1])
					if valid && coversAll(resultIDs, reqIDs) && noExtraResults(resultIDs, reqIDs) {
						groups = append(groups, Group{Kind: GroupPair, Start: i, End: i + 2})
						i += 2
						continue
					}
					switch {
					case !valid:
						reason = ReasonOrderingInvalid
					case !coversAll(resultIDs, reqIDs):
						reason = ReasonMissingResults
					default:
						reason = ReasonExtraResults
					}
				} else {
					reason = ReasonNotFollowedByUser
				}
			}
		}
		// Fallback: singleton
		groups = append(groups, Group{Kind: GroupSingleton, Start: i, End: i + 1, Reason: reason})
		i++
	}
	return groups
}

// Helpers

// collectRequestIDs returns the set of tool request ids present in an assistant turn.
func collectRequestIDs(t conversation.Turn) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, b := range t.Blocks {
		if r := b.OfToolRequest; r != nil && r.ID != "" {
			ids[r.ID] = struct{}{}
		}
	}
	return ids
}

// leadingResultIDsAndOrderingValid inspects a user turn and returns:
// - valid=false if any non-tool_result block appears before a tool_result
// - resultIDs: the ids of tool_result blocks in the leading tool_result segment.
// Text after the leading tool_result segment is allowed and ignored for id collection.
func leadingResultIDsAndOrderingValid(t conversation.Turn) (valid bool, resultIDs map[string]struct{}) {
	resultIDs = make(map[string]struct{})
	seenNonResult := false
	for _, b := range t.Blocks {
		if r := b.OfToolResult; r != nil {
			if seenNonResult {
				return false, resultIDs
			}
			if r.ID != "" {
				resultIDs[r.ID] = struct{}{}
			}
			continue
		}
		seenNonResult = true
	}
	return true, resultIDs
}

// coversAll checks that every id in required is present in have.
func coversAll(have, required map[string]struct{}) bool {
	for id := range required {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}

// noExtraResults enforces that the user turn carries no results for requests
// outside the preceding assistant turn.
func noExtraResults(have, allowed map[string]struct{}) bool {
	for id := range have {
		if _, ok := allowed[id]; !ok {
			return false
		}
	}
	return true
}

// startsExchange reports whether a window may begin at turn t: a user turn
// whose first block is not a tool result.
func startsExchange(t conversation.Turn) bool {
	if t.Role != conversation.RoleUser || len(t.Blocks) == 0 {
		return false
	}
	return t.Blocks[0].OfToolResult == nil
}
