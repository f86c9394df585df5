package conversation

import "fmt"

// Normalize returns a repaired copy of turns that satisfies the transcript
// invariants expected by a model gateway, together with every defect it fixed.
//
// Repairs, applied until the transcript is stable:
//   - turns with an unknown role, malformed or empty text blocks and empty
//     turns are dropped
//   - leading assistant turns are dropped; a transcript starts with the user
//   - adjacent turns with the same role are merged, blocks concatenated in order
//   - tool_request blocks outside assistant turns and tool_result blocks outside
//     user turns are dropped
//   - a tool_request reusing an earlier id is dropped
//   - a tool_result with no earlier matching tool_request, or answering an id
//     that already has a result, is dropped
//   - within a user turn tool_result blocks are moved ahead of other blocks
//
// Finally a tool_request without a result in the directly following user turn
// is kept only when it sits in the last turn. Otherwise the transcript is cut
// just before that assistant turn, which keeps the last complete exchange.
// If the output still fails Validate, an empty transcript is returned.
func Normalize(turns []Turn) ([]Turn, []Violation) {
	out := cloneTurns(turns)
	var report []Violation

	limit := len(out) + 1
	for _, t := range out {
		limit += len(t.Blocks)
	}
	for i := 0; i < limit; i++ {
		var vs []Violation
		out, vs = repairPass(out)
		report = append(report, vs...)
		if len(vs) == 0 {
			break
		}
	}

	var vs []Violation
	out, vs = truncateStuck(out)
	report = append(report, vs...)

	if err := Validate(out); err != nil {
		report = append(report, Violation{Kind: ViolationUnrepairable, Turn: -1, Detail: err.Error()})
		return nil, report
	}
	return out, report
}

func repairPass(turns []Turn) ([]Turn, []Violation) {
	var vs []Violation

	// Structural filtering.
	kept := make([]Turn, 0, len(turns))
	for i, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			vs = append(vs, Violation{Kind: ViolationUnknownRole, Turn: i, Detail: string(t.Role)})
			continue
		}
		blocks := t.Blocks[:0:0]
		for _, b := range t.Blocks {
			if b.Kind() == KindUnknown {
				vs = append(vs, Violation{Kind: ViolationMalformedBlock, Turn: i})
				continue
			}
			if b.Kind() == KindText && b.OfText.Text == "" {
				vs = append(vs, Violation{Kind: ViolationMalformedBlock, Turn: i, Detail: "empty text"})
				continue
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			vs = append(vs, Violation{Kind: ViolationEmptyTurn, Turn: i})
			continue
		}
		kept = append(kept, Turn{Role: t.Role, Blocks: blocks})
	}

	for len(kept) > 0 && kept[0].Role == RoleAssistant {
		vs = append(vs, Violation{Kind: ViolationLeadingAssistant, Turn: 0})
		kept = kept[1:]
	}

	merged := make([]Turn, 0, len(kept))
	for i, t := range kept {
		if n := len(merged); n > 0 && merged[n-1].Role == t.Role {
			vs = append(vs, Violation{Kind: ViolationMergedTurns, Turn: i, Detail: string(t.Role)})
			merged[n-1].Blocks = append(merged[n-1].Blocks, t.Blocks...)
			continue
		}
		merged = append(merged, t)
	}

	// Block-level id bookkeeping.
	requested := make(map[string]struct{})
	resolved := make(map[string]struct{})
	for i := range merged {
		t := &merged[i]
		blocks := t.Blocks[:0:0]
		for _, b := range t.Blocks {
			switch b.Kind() {
			case KindText:
				blocks = append(blocks, b)
			case KindToolRequest:
				id := b.OfToolRequest.ID
				switch {
				case t.Role != RoleAssistant:
					vs = append(vs, Violation{Kind: ViolationMisplacedBlock, Turn: i, ID: id, Detail: "tool_request in user turn"})
				case id == "":
					vs = append(vs, Violation{Kind: ViolationMalformedBlock, Turn: i, Detail: "tool_request without id"})
				default:
					if _, dup := requested[id]; dup {
						vs = append(vs, Violation{Kind: ViolationDuplicateRequest, Turn: i, ID: id})
						continue
					}
					requested[id] = struct{}{}
					blocks = append(blocks, b)
				}
			case KindToolResult:
				id := b.OfToolResult.ID
				if t.Role != RoleUser {
					vs = append(vs, Violation{Kind: ViolationMisplacedBlock, Turn: i, ID: id, Detail: "tool_result in assistant turn"})
					continue
				}
				if _, ok := requested[id]; !ok {
					vs = append(vs, Violation{Kind: ViolationOrphanResult, Turn: i, ID: id})
					continue
				}
				if _, dup := resolved[id]; dup {
					vs = append(vs, Violation{Kind: ViolationDuplicateResult, Turn: i, ID: id})
					continue
				}
				resolved[id] = struct{}{}
				blocks = append(blocks, b)
			}
		}
		if t.Role == RoleUser && !resultsLead(blocks) {
			vs = append(vs, Violation{Kind: ViolationResultOrder, Turn: i})
			blocks = resultsFirst(blocks)
		}
		t.Blocks = blocks
	}
	return merged, vs
}

func truncateStuck(turns []Turn) ([]Turn, []Violation) {
	for i, t := range turns {
		if t.Role != RoleAssistant {
			continue
		}
		reqs := t.ToolRequests()
		if len(reqs) == 0 || i == len(turns)-1 {
			continue
		}
		answered := resultIDs(turns[i+1])
		var missing []string
		for _, r := range reqs {
			if _, ok := answered[r.ID]; !ok {
				missing = append(missing, r.ID)
			}
		}
		if len(missing) == 0 {
			continue
		}
		return turns[:i], []Violation{{
			Kind:   ViolationStuckRequest,
			Turn:   i,
			ID:     missing[0],
			Detail: fmt.Sprintf("%d unresolved tool request(s), dropped %d turn(s)", len(missing), len(turns)-i),
		}}
	}
	return turns, nil
}

// Validate reports the first invariant a transcript breaks, or nil.
func Validate(turns []Turn) error {
	requested := make(map[string]struct{})
	resolved := make(map[string]struct{})
	for i, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return Violation{Kind: ViolationUnknownRole, Turn: i, Detail: string(t.Role)}
		}
		if i == 0 && t.Role != RoleUser {
			return Violation{Kind: ViolationLeadingAssistant, Turn: i}
		}
		if i > 0 && turns[i-1].Role == t.Role {
			return Violation{Kind: ViolationMergedTurns, Turn: i, Detail: "consecutive " + string(t.Role) + " turns"}
		}
		if len(t.Blocks) == 0 {
			return Violation{Kind: ViolationEmptyTurn, Turn: i}
		}
		for _, b := range t.Blocks {
			switch b.Kind() {
			case KindToolRequest:
				id := b.OfToolRequest.ID
				if t.Role != RoleAssistant {
					return Violation{Kind: ViolationMisplacedBlock, Turn: i, ID: id}
				}
				if _, dup := requested[id]; dup || id == "" {
					return Violation{Kind: ViolationDuplicateRequest, Turn: i, ID: id}
				}
				requested[id] = struct{}{}
			case KindToolResult:
				id := b.OfToolResult.ID
				if t.Role != RoleUser {
					return Violation{Kind: ViolationMisplacedBlock, Turn: i, ID: id}
				}
				if _, ok := requested[id]; !ok {
					return Violation{Kind: ViolationOrphanResult, Turn: i, ID: id}
				}
				if _, dup := resolved[id]; dup {
					return Violation{Kind: ViolationDuplicateResult, Turn: i, ID: id}
				}
				resolved[id] = struct{}{}
			case KindUnknown:
				return Violation{Kind: ViolationMalformedBlock, Turn: i}
			}
		}
		if t.Role == RoleAssistant && i < len(turns)-1 {
			answered := resultIDs(turns[i+1])
			for _, r := range t.ToolRequests() {
				if _, ok := answered[r.ID]; !ok {
					return Violation{Kind: ViolationStuckRequest, Turn: i, ID: r.ID}
				}
			}
		}
	}
	return nil
}

func resultIDs(t Turn) map[string]struct{} {
	ids := make(map[string]struct{})
	if t.Role != RoleUser {
		return ids
	}
	for _, b := range t.Blocks {
		if b.Kind() == KindToolResult {
			ids[b.OfToolResult.ID] = struct{}{}
		}
	}
	return ids
}

// resultsLead reports whether every tool_result block precedes all other blocks.
func resultsLead(blocks []Block) bool {
	seenOther := false
	for _, b := range blocks {
		if b.Kind() == KindToolResult {
			if seenOther {
				return false
			}
			continue
		}
		seenOther = true
	}
	return true
}

func resultsFirst(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Kind() == KindToolResult {
			out = append(out, b)
		}
	}
	for _, b := range blocks {
		if b.Kind() != KindToolResult {
			out = append(out, b)
		}
	}
	return out
}
