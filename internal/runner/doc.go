// Package runner drives a conversation.Session through one user turn: it calls
// the model gateway, fans tool requests out to the tool servers, feeds the
// outcomes back and repeats until the model answers without tools.
//
// Invariant:
//   - every tool_request in an assistant turn is answered by a tool_result in
//     the user turn that immediately follows it, before the next gateway call.
//
// Flow:
//
//	user(text) -> assistant(tool_request...) -> user(tool_result...) -> assistant(text)
package runner
