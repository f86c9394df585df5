// Package conversation implements the tool-use conversation state machine.
//
// A Session turns model responses carrying tool requests into a well-formed
// transcript: it tracks pending requests, absorbs transient tool errors up to a
// retry ceiling, and decides when the conversation may continue.
//
// Flow:
//
//	IDLE -> submit user turn -> WAITING
//	WAITING -> response without tool requests -> IDLE
//	WAITING -> response with tool requests -> PROCESSING_TOOLS
//	PROCESSING_TOOLS -> last request resolved -> CONTINUING
//	CONTINUING -> follow-up call prepared -> WAITING
//	any -> fault -> ERROR -> reset -> IDLE
//
// Invariants at the gateway boundary (see Normalize):
//   - roles alternate, starting with the user
//   - every tool_result follows its tool_request, in the directly following user turn
//   - tool_request ids are unique for the lifetime of a session
package conversation
