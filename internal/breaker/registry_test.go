package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 10}, RetryConfig{})

	b1 := r.Get("tool:a")
	b2 := r.Get("tool:a")
	b3 := r.Get("tool:b")

	if b1 != b2 {
		t.Error("expected the same breaker for the same key")
	}
	if b1 == b3 {
		t.Error("expected distinct breakers for distinct keys")
	}
}

func TestRegistry_GetWithConfig(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 10}, RetryConfig{})

	b := r.GetWithConfig("custom", Config{FailureThreshold: 2, Cooldown: time.Hour})
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("error")
		})
	}

	if b.State() != StateOpen {
		t.Error("expected circuit to open with the custom threshold")
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(Config{}, RetryConfig{})

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			breakers[n] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(breakers); i++ {
		if breakers[i] != breakers[0] {
			t.Fatal("concurrent Get produced distinct breakers for one key")
		}
	}
}

func TestRegistry_OpenCircuits(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Hour}, RetryConfig{})

	_ = r.Get("healthy").Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	_ = r.Get("unhealthy").Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("error")
	})

	open := r.OpenCircuits()
	if len(open) != 1 || open[0] != "unhealthy" {
		t.Errorf("OpenCircuits() = %v, want [unhealthy]", open)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(Config{}, RetryConfig{})
	r.Get("tool:a")
	r.Get("provider:b")

	if got := len(r.Snapshot()); got != 2 {
		t.Errorf("Snapshot() returned %d entries, want 2", got)
	}
}

func TestRegistry_ResetAll(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Hour}, RetryConfig{})

	_ = r.Get("a").Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("error")
	})
	_ = r.Get("b").Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("error")
	})
	if len(r.OpenCircuits()) != 2 {
		t.Fatal("expected 2 open circuits")
	}

	r.ResetAll()
	if len(r.OpenCircuits()) != 0 {
		t.Error("expected no open circuits after reset")
	}
}

func TestRegistry_PruneDropsIdleClosedBreakers(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Hour}, RetryConfig{})

	r.Get("idle")
	_ = r.Get("open").Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("error")
	})

	time.Sleep(5 * time.Millisecond)
	pruned := r.Prune(time.Now())

	if pruned != 1 {
		t.Fatalf("Prune() = %d, want 1", pruned)
	}
	stats := r.Snapshot()
	if len(stats) != 1 || stats[0].Key != "open" {
		t.Errorf("Snapshot() after prune = %+v, want only the open breaker kept", stats)
	}
}
