// Package toolclient maintains authenticated sessions to remote tool servers.
//
// A session is a caller-identity-bound channel over a streaming transport:
// every request on the wire rides a connection that was dialed with that
// caller's bearer credential, never a shared or agent-level one. Sessions are
// cached per (agent, subject) to amortize handshake cost and revoked the
// moment the server rejects the credential.
package toolclient

import (
	"encoding/json"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// ProtocolVersion is the tool-server protocol revision this client speaks.
const ProtocolVersion = "1.0"

// Protocol methods.
const (
	methodHandshake = "session.handshake"
	methodListTools = "tools.list"
	methodInvoke    = "tools.invoke"
)

// Request is a JSON-RPC 2.0 request. IDs are per-call UUID strings so
// responses correlate regardless of transport multiplexing.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Tool-server error codes.
const (
	// CodeUnauthorized is the 401 equivalent: the credential is missing,
	// expired, or unknown.
	CodeUnauthorized = -32001
	// CodeToolNotFound means the named tool is not available to this caller.
	CodeToolNotFound = -32002
	// CodeForbidden is the 403 equivalent: the credential is valid but the
	// subject may not perform the operation.
	CodeForbidden = -32003
	// CodeUnavailable is the 503 equivalent: the server is overloaded or a
	// downstream it needs is; the call may be retried.
	CodeUnavailable = -32050
)

type handshakeParams struct {
	ProtocolVersion string `json:"protocol_version"`
	Client          string `json:"client"`
}

type handshakeResult struct {
	SessionID        string `json:"session_id"`
	SubjectID        string `json:"subject_id,omitempty"`
	ExpiresInSeconds int    `json:"expires_in_seconds,omitempty"`
}

type listToolsResult struct {
	Tools []models.ToolDescriptor `json:"tools"`
}

type invokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// InvokeResult is the wire payload of one tool execution. IsError marks a
// failure inside the tool itself, which the agent sees as a result; it is
// distinct from an invocation error, which the agent never receives.
type InvokeResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
