package toolclient

import (
	"context"
	"encoding/json"
)

// RawCall issues one request on an already-established connection. Handed to
// the Handshake hook so it can speak before the connection is released to
// ordinary calls.
type RawCall func(ctx context.Context, method string, params any) (json.RawMessage, error)

// Transport is a request/response channel to a tool server. Implementations
// must be safe for concurrent Call and must correlate responses to requests
// by ID, serializing writes internally when the underlying stream cannot
// multiplex.
type Transport interface {
	// Connect establishes the connection and runs the handshake hook.
	Connect(ctx context.Context) error

	// Call sends a request and waits for the matching response, restoring
	// the connection first if the stream has dropped.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Close tears the connection down. Subsequent calls return ErrClosed.
	Close() error

	// Connected reports whether the stream is currently up.
	Connected() bool
}
