package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/deskrunner/deskrunner/internal/identity"
	"github.com/deskrunner/deskrunner/pkg/models"
)

// SessionState is the lifecycle position of a session.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
	SessionClosed  SessionState = "closed"
)

// SessionConfig describes one session to dial.
type SessionConfig struct {
	// AgentID is the agent on whose behalf tools run.
	AgentID string

	// Endpoint is the tool server URL.
	Endpoint string

	// Token is the caller's identity. A zero token dials in explicit
	// unauthenticated mode.
	Token identity.Token

	// Client is the client name announced in the handshake.
	// Default: "deskrunner".
	Client string

	// CallTimeout bounds individual calls when the context carries no
	// tighter deadline.
	CallTimeout time.Duration

	Logger *slog.Logger

	// OnRevoked fires once if the server rejects the session's credential
	// after establishment. Caches use it to drop the session immediately.
	OnRevoked func(*Session)

	// NewTransport overrides transport construction, for tests.
	NewTransport func(WSConfig) Transport
}

// Session is an authenticated channel to a tool server, bound to one caller
// identity for its whole lifetime. All requests ride the underlying stream
// that was dialed with that caller's credential; the session never acts
// under any other identity.
type Session struct {
	agentID   string
	endpoint  string
	token     identity.Token
	transport Transport
	logger    *slog.Logger
	onRevoked func(*Session)

	mu        sync.RWMutex
	state     SessionState
	sessionID string
	subject   string
	tools     []models.ToolDescriptor
	schemas   *SchemaSet
	lastUsed  time.Time

	revokeOnce sync.Once
}

// Dial opens a session: it connects with the caller's bearer credential,
// performs the handshake, verifies the server bound the session to the
// presented identity, and loads the tool catalog. An expired token fails
// before any network traffic.
func Dial(ctx context.Context, config SessionConfig) (*Session, error) {
	if config.Endpoint == "" {
		return nil, errors.New("toolclient: endpoint required")
	}
	if config.Client == "" {
		config.Client = "deskrunner"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	now := time.Now()
	if !config.Token.IsZero() && config.Token.Expired(now) {
		return nil, &AuthError{Endpoint: config.Endpoint, Reason: "token expired"}
	}

	s := &Session{
		agentID:  config.AgentID,
		endpoint: config.Endpoint,
		token:    config.Token,
		logger: config.Logger.With(
			"component", "toolclient",
			"agent_id", config.AgentID,
			"subject", config.Token.Fingerprint()),
		onRevoked: config.OnRevoked,
		state:     SessionActive,
		lastUsed:  now,
	}

	wsConfig := WSConfig{
		Endpoint: config.Endpoint,
		Bearer:   config.Token.Bearer,
		Handshake: func(ctx context.Context, call RawCall) error {
			return s.handshake(ctx, call, config.Client)
		},
		CallTimeout: config.CallTimeout,
		Logger:      config.Logger,
	}
	if config.NewTransport != nil {
		s.transport = config.NewTransport(wsConfig)
	} else {
		s.transport = NewWSTransport(wsConfig)
	}

	if err := s.transport.Connect(ctx); err != nil {
		s.transport.Close()
		return nil, s.translate(err)
	}

	s.logger.Info("tool session established",
		"session_id", s.SessionID(),
		"tools", len(s.Tools()))
	return s, nil
}

// handshake runs on every connection, initial and reconnect: it announces
// the protocol, checks the subject binding, and refreshes the tool catalog
// with freshly compiled schemas.
func (s *Session) handshake(ctx context.Context, call RawCall, client string) error {
	raw, err := call(ctx, methodHandshake, handshakeParams{
		ProtocolVersion: ProtocolVersion,
		Client:          client,
	})
	if err != nil {
		return err
	}
	var hr handshakeResult
	if err := json.Unmarshal(raw, &hr); err != nil {
		return fmt.Errorf("decode handshake result: %w", err)
	}
	if hr.SessionID == "" {
		return errors.New("handshake returned no session id")
	}
	if !s.token.IsZero() && hr.SubjectID != "" && hr.SubjectID != s.token.SubjectID {
		return &AuthError{Endpoint: s.endpoint, Reason: "server bound session to a different subject"}
	}

	rawTools, err := call(ctx, methodListTools, nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	var lt listToolsResult
	if err := json.Unmarshal(rawTools, &lt); err != nil {
		return fmt.Errorf("decode tool list: %w", err)
	}

	schemas := compileSchemas(lt.Tools, s.logger)

	s.mu.Lock()
	s.sessionID = hr.SessionID
	s.subject = hr.SubjectID
	s.tools = lt.Tools
	s.schemas = schemas
	s.mu.Unlock()

	s.logger.Debug("handshake complete",
		"session_id", hr.SessionID,
		"tools", len(lt.Tools),
		"schemas", schemas.Len())
	return nil
}

// ListTools fetches the tools available to this session and refreshes the
// local schema set.
func (s *Session) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	if err := s.usableErr(); err != nil {
		return nil, err
	}

	raw, err := s.transport.Call(ctx, methodListTools, nil)
	if err != nil {
		return nil, s.fail("", err)
	}
	var lt listToolsResult
	if err := json.Unmarshal(raw, &lt); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}

	schemas := compileSchemas(lt.Tools, s.logger)

	s.mu.Lock()
	s.tools = lt.Tools
	s.schemas = schemas
	s.lastUsed = time.Now()
	s.mu.Unlock()

	return slices.Clone(lt.Tools), nil
}

// InvokeTool executes one tool under the session's identity. Arguments are
// validated against the tool's schema before anything is sent; a violation
// is permanent and never reaches the server.
func (s *Session) InvokeTool(ctx context.Context, name string, args map[string]any) (*InvokeResult, error) {
	if err := s.usableErr(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	s.mu.RLock()
	schemas := s.schemas
	s.mu.RUnlock()
	if err := schemas.Validate(name, args); err != nil {
		return nil, err
	}

	raw, err := s.transport.Call(ctx, methodInvoke, invokeParams{Name: name, Arguments: args})
	if err != nil {
		return nil, s.fail(name, err)
	}

	var res InvokeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode invoke result for %s: %w", name, err)
	}
	s.touch()
	return &res, nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	s.state = SessionClosed
	s.mu.Unlock()
	if prev == SessionClosed {
		return nil
	}
	return s.transport.Close()
}

// State reports the session's lifecycle position.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionID is the server-assigned identifier from the latest handshake.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Subject is the subject the server bound this session to, if it reported
// one.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// AgentID is the agent this session serves.
func (s *Session) AgentID() string { return s.agentID }

// Endpoint is the tool server this session is dialed to.
func (s *Session) Endpoint() string { return s.endpoint }

// Anonymous reports whether the session was dialed without a credential.
func (s *Session) Anonymous() bool { return s.token.IsZero() }

// MatchesCredential reports whether the session was dialed with exactly
// this credential. A rotated bearer never matches, even for the same
// subject.
func (s *Session) MatchesCredential(token identity.Token) bool {
	return s.token.Bearer == token.Bearer && s.token.SubjectID == token.SubjectID
}

// CredentialExpired reports whether the dialing token has passed its
// expiry.
func (s *Session) CredentialExpired(now time.Time) bool {
	return s.token.Expired(now)
}

// LastUsed is the time of the last successful operation.
func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// Tools returns the cached tool catalog from the latest handshake or list.
func (s *Session) Tools() []models.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tools)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) usableErr() error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch state {
	case SessionClosed:
		return ErrClosed
	case SessionExpired:
		return fmt.Errorf("%w: session expired", ErrClosed)
	case SessionRevoked:
		return s.translate(&AuthError{Endpoint: s.endpoint, Reason: "session revoked"})
	default:
		return nil
	}
}

// fail post-processes a transport error: credential rejections revoke the
// session, and invocation errors pick up the tool name.
func (s *Session) fail(tool string, err error) error {
	if IsAuthError(err) {
		s.markRevoked()
		return s.translate(err)
	}
	var ie *InvocationError
	if errors.As(err, &ie) && ie.Tool == "" {
		ie.Tool = tool
	}
	return err
}

// markRevoked moves the session to revoked exactly once and notifies the
// owner so cached references are dropped immediately.
func (s *Session) markRevoked() {
	s.revokeOnce.Do(func() {
		s.mu.Lock()
		if s.state == SessionActive {
			s.state = SessionRevoked
		}
		sid := s.sessionID
		s.mu.Unlock()

		s.logger.Warn("tool session revoked by server", "session_id", sid)
		if s.onRevoked != nil {
			s.onRevoked(s)
		}
	})
}

// markExpired is the cache's eviction hook for idle sessions.
func (s *Session) markExpired() {
	s.mu.Lock()
	if s.state == SessionActive {
		s.state = SessionExpired
	}
	s.mu.Unlock()
}

// translate maps credential rejections in unauthenticated mode to permanent
// invocation errors: with no credential presented there is nothing to
// revoke, and retrying cannot help.
func (s *Session) translate(err error) error {
	var ae *AuthError
	if s.token.IsZero() && errors.As(err, &ae) {
		return &InvocationError{
			Code:      CodeUnauthorized,
			Message:   "tool server rejected unauthenticated session: " + ae.Reason,
			Transient: false,
		}
	}
	return err
}
