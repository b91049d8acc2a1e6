package toolclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrClosed is returned by operations on a closed session or transport.
var ErrClosed = errors.New("toolclient: closed")

// ErrNotConnected marks a connection-level failure: the stream dropped, the
// write failed, or reconnection was exhausted. Always retryable.
var ErrNotConnected = errors.New("toolclient: not connected")

// AuthError is an authentication rejection from the tool server. Terminal
// for the turn: the session is revoked and the error is never retried.
type AuthError struct {
	Endpoint string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tool server %s rejected credentials: %s", e.Endpoint, e.Reason)
}

// InvocationError is a tool-call failure reported by the server. Transient
// failures (timeouts, overload) may be retried per the shared policy;
// permanent ones (bad arguments, unknown tool) are surfaced as-is.
type InvocationError struct {
	Tool      string
	Code      int
	Message   string
	Transient bool
}

func (e *InvocationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Tool == "" {
		return fmt.Sprintf("tool server error (%s, code %d): %s", kind, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s failed (%s, code %d): %s", e.Tool, kind, e.Code, e.Message)
}

// rpcErrorToError maps a wire-level RPC error to the package taxonomy.
func rpcErrorToError(endpoint, tool string, rpcErr *RPCError) error {
	switch rpcErr.Code {
	case CodeUnauthorized, CodeForbidden:
		return &AuthError{Endpoint: endpoint, Reason: rpcErr.Message}
	case CodeInternalError, CodeUnavailable:
		return &InvocationError{Tool: tool, Code: rpcErr.Code, Message: rpcErr.Message, Transient: true}
	default:
		return &InvocationError{Tool: tool, Code: rpcErr.Code, Message: rpcErr.Message, Transient: false}
	}
}

// IsAuthError reports whether err is an authentication rejection.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Retryable classifies errors for the shared retry policy: connection drops,
// timeouts, and transient server failures are retryable; authentication
// rejections, malformed requests, and cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Transient
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
