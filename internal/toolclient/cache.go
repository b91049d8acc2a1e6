package toolclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deskrunner/deskrunner/internal/identity"
)

const defaultSessionTTL = 5 * time.Minute

// cacheKey identifies one session slot. The subject is keyed by hash so raw
// subject identifiers never sit in map keys or debug dumps.
type cacheKey struct {
	agentID     string
	subjectHash string
}

// CacheConfig configures a session cache.
type CacheConfig struct {
	// TTL is how long an idle session stays reusable. Default: 5m.
	TTL time.Duration

	// Client is the client name announced in handshakes.
	Client string

	// CallTimeout is forwarded to dialed sessions.
	CallTimeout time.Duration

	Logger *slog.Logger

	// NewTransport overrides transport construction, for tests.
	NewTransport func(WSConfig) Transport
}

// Cache reuses live sessions per (agent, subject). A hit must match on
// endpoint and on the exact credential: a rotated bearer, an expired token,
// or a revoked session always dials fresh. Entries idle past the TTL are
// not reused.
type Cache struct {
	config CacheConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[cacheKey]*Session
	closed   bool
}

// NewCache creates an empty session cache.
func NewCache(config CacheConfig) *Cache {
	if config.TTL <= 0 {
		config.TTL = defaultSessionTTL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Cache{
		config:   config,
		logger:   config.Logger.With("component", "toolclient"),
		sessions: make(map[cacheKey]*Session),
	}
}

// GetOrDial returns a cached session for this agent and caller, dialing a
// new one when none is reusable. Concurrent callers may both dial; the
// loser's session is closed and the winner's kept.
func (c *Cache) GetOrDial(ctx context.Context, agentID, endpoint string, token identity.Token) (*Session, error) {
	key := cacheKey{agentID: agentID, subjectHash: token.SubjectHash()}
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := c.sessions[key]; ok {
		if c.usable(s, endpoint, token, now) {
			s.touch()
			c.mu.Unlock()
			return s, nil
		}
		delete(c.sessions, key)
		c.mu.Unlock()
		c.logger.Debug("evicting stale tool session",
			"agent_id", agentID,
			"subject", token.Fingerprint(),
			"state", s.State())
		s.Close()
	} else {
		c.mu.Unlock()
	}

	// Dial outside the lock; handshakes take network time.
	s, err := Dial(ctx, SessionConfig{
		AgentID:     agentID,
		Endpoint:    endpoint,
		Token:       token,
		Client:      c.config.Client,
		CallTimeout: c.config.CallTimeout,
		Logger:      c.config.Logger,
		OnRevoked: func(sess *Session) {
			c.remove(key, sess)
		},
		NewTransport: c.config.NewTransport,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Close()
		return nil, ErrClosed
	}
	if cur, ok := c.sessions[key]; ok {
		if c.usable(cur, endpoint, token, time.Now()) {
			// Lost the dial race; keep the established session.
			c.mu.Unlock()
			s.Close()
			return cur, nil
		}
		delete(c.sessions, key)
		defer cur.Close()
	}
	c.sessions[key] = s
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops the session for one agent and caller, if present.
func (c *Cache) Invalidate(agentID string, token identity.Token) {
	key := cacheKey{agentID: agentID, subjectHash: token.SubjectHash()}
	c.mu.Lock()
	s, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
	}
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// InvalidateAgent drops every session of one agent. Used when the agent's
// configuration changes, since cached sessions may carry a stale endpoint
// or tool grant.
func (c *Cache) InvalidateAgent(agentID string) int {
	var victims []*Session
	c.mu.Lock()
	for key, s := range c.sessions {
		if key.agentID == agentID {
			delete(c.sessions, key)
			victims = append(victims, s)
		}
	}
	c.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	if len(victims) > 0 {
		c.logger.Info("invalidated tool sessions for agent",
			"agent_id", agentID,
			"count", len(victims))
	}
	return len(victims)
}

// Sweep evicts sessions that are idle past the TTL, revoked, closed, or
// riding an expired credential. It returns how many were dropped.
func (c *Cache) Sweep(now time.Time) int {
	var victims []*Session
	c.mu.Lock()
	for key, s := range c.sessions {
		idle := now.Sub(s.LastUsed()) > c.config.TTL
		if idle || s.State() != SessionActive || s.CredentialExpired(now) {
			delete(c.sessions, key)
			if idle {
				s.markExpired()
			}
			victims = append(victims, s)
		}
	}
	c.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	if len(victims) > 0 {
		c.logger.Debug("swept tool sessions", "count", len(victims))
	}
	return len(victims)
}

// Len reports how many sessions are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close evicts and closes every session and refuses further use.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	victims := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		victims = append(victims, s)
	}
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	return nil
}

// remove evicts a specific session instance, leaving any replacement that
// already took its slot untouched.
func (c *Cache) remove(key cacheKey, sess *Session) {
	c.mu.Lock()
	if cur, ok := c.sessions[key]; ok && cur == sess {
		delete(c.sessions, key)
	}
	c.mu.Unlock()
}

func (c *Cache) usable(s *Session, endpoint string, token identity.Token, now time.Time) bool {
	return s.State() == SessionActive &&
		s.Endpoint() == endpoint &&
		s.MatchesCredential(token) &&
		!s.CredentialExpired(now) &&
		now.Sub(s.LastUsed()) <= c.config.TTL
}
