package conversation_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// requireTranscriptInvariants checks role alternation, non-empty turns, unique
// request and result ids, and that every result follows its request.
func requireTranscriptInvariants(t *testing.T, s *conversation.Session, step int) {
	t.Helper()
	turns := s.Transcript()
	requestedAt := make(map[string]int)
	resolved := make(map[string]bool)
	for i, turn := range turns {
		require.NotEmpty(t, turn.Blocks, "step %d: turn %d is empty", step, i)
		if i == 0 {
			require.Equal(t, conversation.RoleUser, turn.Role, "step %d: transcript starts with %s", step, turn.Role)
		} else {
			require.NotEqual(t, turns[i-1].Role, turn.Role, "step %d: turns %d and %d share a role", step, i-1, i)
		}
		for _, b := range turn.Blocks {
			switch b.Kind() {
			case conversation.KindToolRequest:
				id := b.OfToolRequest.ID
				require.Equal(t, conversation.RoleAssistant, turn.Role, "step %d: request %s in user turn", step, id)
				_, dup := requestedAt[id]
				require.False(t, dup, "step %d: request id %s repeated", step, id)
				requestedAt[id] = i
			case conversation.KindToolResult:
				id := b.OfToolResult.ID
				require.Equal(t, conversation.RoleUser, turn.Role, "step %d: result %s in assistant turn", step, id)
				at, ok := requestedAt[id]
				require.True(t, ok, "step %d: result %s has no earlier request", step, id)
				require.Less(t, at, i, "step %d: result %s precedes its request", step, id)
				require.False(t, resolved[id], "step %d: result id %s repeated", step, id)
				resolved[id] = true
			}
		}
	}
	for _, p := range s.Pending() {
		_, ok := requestedAt[p.ID]
		require.True(t, ok, "step %d: pending %s not in transcript", step, p.ID)
		require.False(t, resolved[p.ID], "step %d: pending %s already has a result", step, p.ID)
	}
}

func TestSession_RandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			s := conversation.New()
			var issued, recorded []string
			next := 0

			for step := 0; step < 300; step++ {
				switch s.State() {
				case conversation.StateIdle:
					if rng.Intn(10) == 0 {
						_, err := s.PrepareContinuation()
						require.ErrorIs(t, err, conversation.ErrInvalidState)
						break
					}
					require.NoError(t, s.SubmitUserTurn(fmt.Sprintf("question %d", step)))

				case conversation.StateWaiting:
					if rng.Intn(10) == 0 {
						require.ErrorIs(t, s.SubmitUserTurn("too early"), conversation.ErrInvalidState)
						break
					}
					var blocks []conversation.Block
					for i := rng.Intn(3); i > 0; i-- {
						text := ""
						if rng.Intn(3) > 0 {
							text = fmt.Sprintf("answer %d", step)
						}
						blocks = append(blocks, T(text))
					}
					for i := rng.Intn(4); i > 0; i-- {
						id := fmt.Sprintf("r%d", next)
						next++
						if len(issued) > 0 && rng.Intn(8) == 0 {
							id = issued[rng.Intn(len(issued))]
						}
						blocks = append(blocks, TQ(id, "tool", `{}`))
					}
					rng.Shuffle(len(blocks), func(i, j int) { blocks[i], blocks[j] = blocks[j], blocks[i] })
					in, err := s.IngestGatewayResponse(conversation.Response{StopReason: conversation.StopToolUse, Blocks: blocks})
					require.NoError(t, err)
					for _, req := range in.ToolRequests {
						issued = append(issued, req.ID)
					}
					if len(in.ToolRequests) > 0 {
						require.Equal(t, conversation.StateProcessingTools, s.State())
					} else {
						require.Equal(t, conversation.StateIdle, s.State())
					}

				case conversation.StateProcessingTools:
					pending := s.Pending()
					require.NotEmpty(t, pending)
					switch roll := rng.Intn(10); {
					case roll == 0 && len(recorded) > 0:
						_, err := s.ResolveToolRequest(recorded[rng.Intn(len(recorded))], conversation.TextOutcome("again"))
						require.ErrorIs(t, err, conversation.ErrDuplicateResolution)
					case roll == 1:
						_, err := s.ResolveToolRequest(fmt.Sprintf("unknown-%d", step), conversation.TextOutcome("x"))
						require.ErrorIs(t, err, conversation.ErrUnknownRequest)
					default:
						id := pending[rng.Intn(len(pending))].ID
						out := conversation.TextOutcome("ok")
						if rng.Intn(3) == 0 {
							out = conversation.ErrorOutcome("flaky")
						}
						res, err := s.ResolveToolRequest(id, out)
						require.NoError(t, err)
						require.NotEqual(t, res.Recorded, res.RetryRequested)
						if res.Recorded {
							recorded = append(recorded, id)
						}
					}

				case conversation.StateContinuing:
					turns, err := s.PrepareContinuation()
					require.NoError(t, err)
					require.NoError(t, conversation.Validate(turns))

				case conversation.StateError:
					s.Reset()
					issued, recorded = nil, nil
				}

				if rng.Intn(60) == 0 && s.State() != conversation.StateIdle {
					s.Fail(errors.New("driver gave up"))
				}
				requireTranscriptInvariants(t, s, step)
			}
		})
	}
}
