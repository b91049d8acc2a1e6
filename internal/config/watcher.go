package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// DefaultDebounce collapses bursts of filesystem events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// WatchConfig configures a config file watcher.
type WatchConfig struct {
	// Path is the config file to watch.
	Path string
	// Initial is the currently loaded config. When nil, Watch loads it
	// from Path.
	Initial *Config
	// Debounce is the quiet period after the last filesystem event
	// before reloading. Default: DefaultDebounce.
	Debounce time.Duration
	// Logger receives reload outcomes. Default: slog.Default().
	Logger *slog.Logger

	// OnReload fires after every successful reload with the new config.
	OnReload func(cfg *Config)
	// OnAgentChange fires once per agent whose entry changed or was
	// removed by a reload, so callers can drop per-agent cached state.
	OnAgentChange func(agentID string)
}

// Watcher reloads the config file when it changes on disk. A rewrite
// that fails to parse or validate is logged and discarded; the last
// good config stays active.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	onReload      func(*Config)
	onAgentChange func(string)

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *Config
	timer   *time.Timer
	closed  bool
}

// Watch starts watching the config file at config.Path until ctx is
// cancelled or Close is called.
func Watch(ctx context.Context, config WatchConfig) (*Watcher, error) {
	if config.Path == "" {
		return nil, errors.New("config watch: path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	current := config.Initial
	if current == nil {
		loaded, err := Load(config.Path)
		if err != nil {
			return nil, err
		}
		current = loaded
	}
	debounce := config.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the file: editors and config
	// writers commonly replace the file by rename, which would drop a
	// watch held on the file itself.
	if err := fs.Add(filepath.Dir(config.Path)); err != nil {
		fs.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:          filepath.Clean(config.Path),
		debounce:      debounce,
		logger:        logger.With("component", "configwatch"),
		onReload:      config.OnReload,
		onAgentChange: config.OnAgentChange,
		fs:            fs,
		cancel:        cancel,
		current:       current,
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently loaded good config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching and releases the filesystem watch.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

// schedule arms the debounce timer, restarting it if a previous event
// is still pending.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = next
	w.mu.Unlock()

	changed := changedAgents(previous.Agents, next.Agents)
	w.logger.Info("config reloaded", "agents", len(next.Agents), "changed_agents", len(changed))
	if w.onAgentChange != nil {
		for _, id := range changed {
			w.onAgentChange(id)
		}
	}
	if w.onReload != nil {
		w.onReload(next)
	}
}

// changedAgents returns the IDs of agents whose entry differs between
// two config generations, including agents that were removed. Newly
// added agents are not reported; no cached state exists for them yet.
func changedAgents(previous, next []models.AgentConfig) []string {
	byID := make(map[string]*models.AgentConfig, len(next))
	for i := range next {
		byID[next[i].AgentID] = &next[i]
	}
	var changed []string
	for i := range previous {
		old := &previous[i]
		entry, ok := byID[old.AgentID]
		if !ok || !sameAgent(old, entry) {
			changed = append(changed, old.AgentID)
		}
	}
	return changed
}

func sameAgent(a, b *models.AgentConfig) bool {
	return a.ModelPreference == b.ModelPreference &&
		a.SystemPrompt == b.SystemPrompt &&
		a.MaxContextTokens == b.MaxContextTokens &&
		a.UseMemoryContext == b.UseMemoryContext &&
		a.MaxIterations == b.MaxIterations &&
		a.TimeoutSeconds == b.TimeoutSeconds &&
		a.ToolServerEndpoint == b.ToolServerEndpoint &&
		a.StreamingEnabled == b.StreamingEnabled &&
		slices.Equal(a.ToolNames, b.ToolNames)
}
