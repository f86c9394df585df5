package windowing

import "github.com/petasbytes/mcp-playground/internal/conversation"

// Stats summarizes the result of window preparation.
//
// Fields:
// - Total: estimated tokens for included groups only.
// - Budget: the input token budget used.
// - IncludedGroups: number of groups included.
// - SkippedGroups: total groups minus IncludedGroups.
// - OverBudgetNewest: true when the newest exchange alone exceeds Budget.
// - Unpaired: assistant turns whose tool requests could not be paired.
type Stats struct {
	Total            int
	Budget           int
	IncludedGroups   int
	SkippedGroups    int
	OverBudgetNewest bool
	Unpaired         int
}

// PrepareSendWindow returns a suffix of turns (oldest→newest) that fits within
// budget using the TokenCounter, without splitting groups.
//
// Rules:
//   - Include whole groups scanning newest→oldest while total ≤ budget.
//   - The window starts at a user turn that opens an exchange (first block is not
//     a tool result).
//   - If the newest exchange alone exceeds budget, return an empty window and set OverBudgetNewest.
//   - If budget ≤ 0, return an empty window (OverBudgetNewest set when any groups exist).
func PrepareSendWindow(turns []conversation.Turn, budget int, c TokenCounter) ([]conversation.Turn, Stats) {
	if len(turns) == 0 {
		return nil, Stats{Budget: budget}
	}

	groups := GroupBlocks(turns)
	unpaired := 0
	for _, g := range groups {
		if g.Reason != "" {
			unpaired++
		}
	}

	if budget <= 0 {
		return nil, Stats{Budget: budget, SkippedGroups: len(groups), OverBudgetNewest: true, Unpaired: unpaired}
	}

	total := 0
	scanned := 0
	startIdx := -1
	startTotal := 0
	included := 0
	for gi := len(groups) - 1; gi >= 0; gi-- {
		cost := c.CountGroup(groups[gi], turns)
		if total+cost > budget {
			break
		}
		total += cost
		scanned++
		if startsExchange(turns[groups[gi].Start]) {
			startIdx = gi
			startTotal = total
			included = scanned
		}
	}

	if startIdx < 0 {
		return nil, Stats{
			Budget:           budget,
			SkippedGroups:    len(groups),
			OverBudgetNewest: true,
			Unpaired:         unpaired,
		}
	}

	stats := Stats{
		Total:          startTotal,
		Budget:         budget,
		IncludedGroups: included,
		SkippedGroups:  len(groups) - included,
		Unpaired:       unpaired,
	}
	return turns[groups[startIdx].Start:], stats
}
