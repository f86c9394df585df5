package mcp

import "fmt"

// TransportError reports a failed exchange with a server: network failure,
// timeout, bad HTTP status, undecodable reply or a JSON-RPC error object.
type TransportError struct {
	URL string
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
