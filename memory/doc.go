// Package memory persists conversation transcripts between runs.
//
// Persistence model:
//   - The full transcript is stored, tool requests and results included, so a
//     restored session can keep reasoning about earlier tool output.
//   - Files written by older versions, a plain array of role + text
//     messages, are still read and become text-only turns.
package memory
