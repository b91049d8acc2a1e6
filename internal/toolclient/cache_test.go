package toolclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deskrunner/deskrunner/internal/identity"
)

func TestCacheReusesLiveSession(t *testing.T) {
	ts, url := newToolServer(t)
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	token := opaqueToken(t, "alice-token")
	first, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("GetOrDial() error = %v", err)
	}
	second, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("second GetOrDial() error = %v", err)
	}

	if first != second {
		t.Error("GetOrDial() dialed twice for the same agent and caller")
	}
	if got := ts.connCount(); got != 1 {
		t.Errorf("server connections = %d, want 1", got)
	}
}

func TestCacheIsolatesSubjects(t *testing.T) {
	ts, url := newToolServer(t)
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	alice := opaqueToken(t, "alice-token")
	bob := opaqueToken(t, "bob-token")

	aliceSess, err := cache.GetOrDial(context.Background(), "agent-1", url, alice)
	if err != nil {
		t.Fatalf("GetOrDial(alice) error = %v", err)
	}
	bobSess, err := cache.GetOrDial(context.Background(), "agent-1", url, bob)
	if err != nil {
		t.Fatalf("GetOrDial(bob) error = %v", err)
	}
	if aliceSess == bobSess {
		t.Fatal("distinct subjects shared one session")
	}
	if cache.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cache.Len())
	}

	if _, err := aliceSess.InvokeTool(context.Background(), "alice_tool", nil); err != nil {
		t.Fatalf("alice InvokeTool() error = %v", err)
	}
	if _, err := bobSess.InvokeTool(context.Background(), "bob_tool", nil); err != nil {
		t.Fatalf("bob InvokeTool() error = %v", err)
	}

	// Every invocation must ride the connection dialed with its own
	// caller's credential.
	for _, inv := range ts.invocations() {
		want := ""
		switch inv.Tool {
		case "alice_tool":
			want = "alice-token"
		case "bob_tool":
			want = "bob-token"
		default:
			t.Errorf("unexpected invocation %q", inv.Tool)
			continue
		}
		if inv.Bearer != want {
			t.Errorf("%s rode bearer %q, want %q", inv.Tool, inv.Bearer, want)
		}
	}
}

func TestCacheExpiresIdleSessions(t *testing.T) {
	ts, url := newToolServer(t)
	cache := NewCache(CacheConfig{TTL: 50 * time.Millisecond})
	defer cache.Close()

	token := opaqueToken(t, "alice-token")
	first, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("GetOrDial() error = %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	second, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("GetOrDial() after idle error = %v", err)
	}
	if first == second {
		t.Error("idle session past TTL was reused")
	}
	if got := ts.connCount(); got != 2 {
		t.Errorf("server connections = %d, want 2", got)
	}
	if got := first.State(); got != SessionClosed {
		t.Errorf("evicted session State() = %q, want %q", got, SessionClosed)
	}
}

func TestCacheDialsFreshAfterCredentialRotation(t *testing.T) {
	ts, url := newToolServer(t)
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	v1 := identity.Token{Bearer: "alice-v1", SubjectID: "alice"}
	v2 := identity.Token{Bearer: "alice-v2", SubjectID: "alice"}

	first, err := cache.GetOrDial(context.Background(), "agent-1", url, v1)
	if err != nil {
		t.Fatalf("GetOrDial(v1) error = %v", err)
	}
	second, err := cache.GetOrDial(context.Background(), "agent-1", url, v2)
	if err != nil {
		t.Fatalf("GetOrDial(v2) error = %v", err)
	}

	if first == second {
		t.Error("rotated credential reused the old session")
	}
	if got := first.State(); got != SessionClosed {
		t.Errorf("old session State() = %q, want %q", got, SessionClosed)
	}
	if got := ts.connCount(); got != 2 {
		t.Errorf("server connections = %d, want 2", got)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1: both credentials map to one subject slot", cache.Len())
	}
}

func TestCacheEvictsRevokedSessionImmediately(t *testing.T) {
	ts, url := newToolServer(t)
	ts.invokeErr["secret"] = &RPCError{Code: CodeUnauthorized, Message: "token revoked"}
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	token := opaqueToken(t, "alice-token")
	sess, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("GetOrDial() error = %v", err)
	}

	if _, err := sess.InvokeTool(context.Background(), "secret", nil); err == nil {
		t.Fatal("InvokeTool() succeeded, want revocation")
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d after revocation, want 0", cache.Len())
	}

	// The next turn redials rather than reusing the revoked session.
	fresh, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("GetOrDial() after revocation error = %v", err)
	}
	if fresh == sess {
		t.Error("revoked session was handed out again")
	}
}

func TestCacheInvalidateAgentDropsAllItsSessions(t *testing.T) {
	_, url := newToolServer(t)
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	alice := opaqueToken(t, "alice-token")
	bob := opaqueToken(t, "bob-token")

	a1, _ := cache.GetOrDial(context.Background(), "agent-1", url, alice)
	b1, _ := cache.GetOrDial(context.Background(), "agent-1", url, bob)
	a2, _ := cache.GetOrDial(context.Background(), "agent-2", url, alice)
	if a1 == nil || b1 == nil || a2 == nil {
		t.Fatal("setup dial failed")
	}

	if got := cache.InvalidateAgent("agent-1"); got != 2 {
		t.Errorf("InvalidateAgent() = %d, want 2", got)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
	if a1.State() != SessionClosed || b1.State() != SessionClosed {
		t.Error("invalidated sessions were not closed")
	}
	if a2.State() != SessionActive {
		t.Errorf("other agent's session State() = %q, want %q", a2.State(), SessionActive)
	}
}

func TestCacheSweepDropsIdleSessions(t *testing.T) {
	_, url := newToolServer(t)
	cache := NewCache(CacheConfig{TTL: 50 * time.Millisecond})
	defer cache.Close()

	alice := opaqueToken(t, "alice-token")
	bob := opaqueToken(t, "bob-token")
	if _, err := cache.GetOrDial(context.Background(), "agent-1", url, alice); err != nil {
		t.Fatalf("GetOrDial(alice) error = %v", err)
	}
	if _, err := cache.GetOrDial(context.Background(), "agent-1", url, bob); err != nil {
		t.Fatalf("GetOrDial(bob) error = %v", err)
	}

	if got := cache.Sweep(time.Now()); got != 0 {
		t.Errorf("Sweep() of live sessions = %d, want 0", got)
	}

	time.Sleep(80 * time.Millisecond)
	if got := cache.Sweep(time.Now()); got != 2 {
		t.Errorf("Sweep() after idle = %d, want 2", got)
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d, want 0", cache.Len())
	}
}

func TestCacheRedialBlockedByExpiredCredential(t *testing.T) {
	_, url := newToolServer(t)
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	token := opaqueToken(t, "alice-token")
	token.ExpiresAt = time.Now().Add(40 * time.Millisecond)

	if _, err := cache.GetOrDial(context.Background(), "agent-1", url, token); err != nil {
		t.Fatalf("GetOrDial() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	_, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("GetOrDial() with expired credential error = %v, want *AuthError", err)
	}
}

func TestCacheConcurrentGetOrDialConvergesOnOneSession(t *testing.T) {
	_, url := newToolServer(t)
	cache := NewCache(CacheConfig{})
	defer cache.Close()

	token := opaqueToken(t, "alice-token")
	const callers = 8

	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
			if err != nil {
				t.Errorf("caller %d GetOrDial() error = %v", i, err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
	for i, s := range sessions {
		if s == nil {
			continue
		}
		if s.State() != SessionActive {
			t.Errorf("caller %d holds a %s session, want active", i, s.State())
		}
	}
}

func TestCacheCloseRefusesFurtherDials(t *testing.T) {
	_, url := newToolServer(t)
	cache := NewCache(CacheConfig{})

	token := opaqueToken(t, "alice-token")
	sess, err := cache.GetOrDial(context.Background(), "agent-1", url, token)
	if err != nil {
		t.Fatalf("GetOrDial() error = %v", err)
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if sess.State() != SessionClosed {
		t.Errorf("session State() = %q after cache close, want %q", sess.State(), SessionClosed)
	}
	if _, err := cache.GetOrDial(context.Background(), "agent-1", url, token); !errors.Is(err, ErrClosed) {
		t.Errorf("GetOrDial() after Close error = %v, want ErrClosed", err)
	}
}
