package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReloadsOnAgentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskrunner.yaml")
	writeAgentConfig(t, path, "info", `["search"]`)

	var mu sync.Mutex
	var changed []string
	reloads := 0
	w, err := Watch(context.Background(), WatchConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
		OnAgentChange: func(agentID string) {
			mu.Lock()
			changed = append(changed, agentID)
			mu.Unlock()
		},
		OnReload: func(*Config) {
			mu.Lock()
			reloads++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	writeAgentConfig(t, path, "info", `["search", "calendar"]`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads > 0
	})
	mu.Lock()
	gotChanged := append([]string(nil), changed...)
	mu.Unlock()
	if len(gotChanged) != 1 || gotChanged[0] != "desk-1" {
		t.Fatalf("changed agents = %v, want [desk-1]", gotChanged)
	}
	if got := w.Current().Agents[0].ToolNames; len(got) != 2 {
		t.Fatalf("current agent tools = %v, want 2 entries", got)
	}
}

func TestWatcherKeepsLastGoodConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskrunner.yaml")
	writeAgentConfig(t, path, "info", `["search"]`)

	var mu sync.Mutex
	reloads := 0
	w, err := Watch(context.Background(), WatchConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
		OnReload: func(*Config) {
			mu.Lock()
			reloads++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	// Invalid level fails validation; the previous config must survive.
	if err := os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := w.Current().Logging.Level; got != "info" {
		t.Fatalf("level after bad reload = %q, want info", got)
	}

	writeAgentConfig(t, path, "debug", `["search"]`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads > 0
	})
	if got := w.Current().Logging.Level; got != "debug" {
		t.Fatalf("level after recovery = %q, want debug", got)
	}
}

func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskrunner.yaml")
	writeAgentConfig(t, path, "info", `["search"]`)

	var mu sync.Mutex
	reloads := 0
	w, err := Watch(context.Background(), WatchConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		Logger:   quietLogger(),
		OnReload: func(*Config) {
			mu.Lock()
			reloads++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	// Editors save by writing a temp file and renaming it over the
	// target; the directory watch must catch the replacement.
	tmp := filepath.Join(dir, ".deskrunner.yaml.tmp")
	writeAgentConfig(t, tmp, "debug", `["search"]`)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads > 0
	})
	if got := w.Current().Logging.Level; got != "debug" {
		t.Fatalf("level after replace = %q, want debug", got)
	}
}

func writeAgentConfig(t *testing.T, path, level, toolNames string) {
	t.Helper()
	contents := fmt.Sprintf(`logging:
  level: %s
providers:
  anthropic:
    enabled: true
    api_key: sk-test
agents:
  - agent_id: desk-1
    model_preference: claude-sonnet-4
    max_context_tokens: 8192
    max_iterations: 4
    timeout_seconds: 30
    tool_names: %s
    tool_server_endpoint: wss://tools.example.com/v1
`, level, toolNames)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within 3s")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
