package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_InitialState(t *testing.T) {
	b := New(Config{})

	if b.State() != StateClosed {
		t.Errorf("expected initial state to be closed, got %s", b.State())
	}
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	b := New(Config{FailureThreshold: 3})

	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if b.State() != StateClosed {
		t.Errorf("expected state to remain closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3})

	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return testErr
		})
	}

	if b.State() != StateOpen {
		t.Errorf("expected state to be open after 3 failures, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3})

	fail := func(ctx context.Context) error { return errors.New("boom") }
	ok := func(ctx context.Context) error { return nil }

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), ok)
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)

	if b.State() != StateClosed {
		t.Errorf("expected interleaved successes to keep the circuit closed, got %s", b.State())
	}
}

func TestBreaker_RejectsWhenOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: time.Hour})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	if b.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("open circuit must not attempt the call")
	}
}

func TestBreaker_TransitionsToHalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	if b.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Errorf("expected trial to be admitted after cooldown, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected state half-open, got %s", b.State())
	}
	b.RecordSuccess()
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 5 * time.Millisecond})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Allow(); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("half-open admitted %d concurrent trials, want exactly 1", admitted)
	}

	// While the trial is in flight every other caller is rejected.
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen while trial in flight, got %v", err)
	}

	// The trial's verdict frees the slot.
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("expected failed trial to reopen the circuit, got %s", b.State())
	}
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 5 * time.Millisecond})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	time.Sleep(10 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected trial success to close the circuit, got %s", b.State())
	}
}

func TestBreaker_TrialFailureReopensWithFreshCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("test error")
	})
	time.Sleep(40 * time.Millisecond)

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("still failing")
	})
	if b.State() != StateOpen {
		t.Fatalf("expected failed trial to reopen, got %s", b.State())
	}

	// Cooldown restarted: immediate calls are rejected again.
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen right after reopening, got %v", err)
	}
}

func TestBreaker_NeverTransitionsOpenToClosedDirectly(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	b := New(Config{
		Key:              "dep",
		FailureThreshold: 1,
		Cooldown:         5 * time.Millisecond,
		OnStateChange: func(key string, from, to State) {
			mu.Lock()
			transitions = append(transitions, string(from)+"->"+string(to))
			mu.Unlock()
		},
	})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	time.Sleep(10 * time.Millisecond)
	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})

	// Wait for async callbacks.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
	for _, tr := range transitions {
		if tr == "open->closed" {
			t.Error("circuit took the forbidden open->closed shortcut")
		}
	}
}

func TestBreaker_FailureWindowExpiresStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3, FailureWindow: 20 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	// The old streak is stale; two fresh failures are not enough to open.
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected stale failures to age out, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("expected 3 failures within the window to open, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: time.Hour})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("error")
	})
	if b.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("expected circuit to be closed after reset, got %s", b.State())
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b := New(Config{Key: "tool:wss://tools.example.com", FailureThreshold: 5})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("error")
		})
	}

	stats := b.Snapshot()
	if stats.Key != "tool:wss://tools.example.com" {
		t.Errorf("Key = %s, want tool:wss://tools.example.com", stats.Key)
	}
	if stats.State != StateClosed {
		t.Errorf("State = %s, want closed", stats.State)
	}
	if stats.Failures != 3 {
		t.Errorf("Failures = %d, want 3", stats.Failures)
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{FailureThreshold: 100})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				if n%2 == 0 {
					return errors.New("error")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	_ = b.Snapshot()
}
