// Package provider implements model-provider integrations for the agent
// runtime.
//
// Each provider adapts one vendor SDK (Anthropic, OpenAI, AWS Bedrock) to a
// single bounded-completion interface: whole request in, whole response out,
// with tool calls surfaced as structured values. Providers do not retry;
// they classify failures into *Error values and the caller's resilience
// layer decides whether another attempt is worth making.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// StopReason says why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is one bounded completion request.
type Request struct {
	// Model is the vendor model identifier.
	Model string

	// SystemPrompt is injected the way each vendor expects: a dedicated
	// field for Anthropic and Bedrock, a leading system message for
	// OpenAI.
	SystemPrompt string

	// Messages is the assembled conversation window, oldest first.
	Messages []models.Message

	// Tools the model may request. Empty disables tool use.
	Tools []models.ToolDescriptor

	// MaxTokens caps the generation. Zero means the provider default.
	MaxTokens int

	// Temperature is passed through when positive.
	Temperature float64
}

// Response is the model's whole turn.
type Response struct {
	// Content is the concatenated text output.
	Content string

	// ToolCalls are the tool invocations the model requested, if any.
	ToolCalls []models.ToolCall

	// StopReason says why generation ended.
	StopReason StopReason

	// InputTokens and OutputTokens are the vendor-reported usage.
	InputTokens  int
	OutputTokens int
}

// Provider is a model vendor adapter.
type Provider interface {
	// Name is the stable lowercase identifier used for routing, breaker
	// keys, and logging.
	Name() string

	// Complete runs one bounded completion. Failures are returned as
	// *Error so callers can classify them.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// NameForModel maps a model identifier to the provider that serves it.
// Bedrock model IDs carry a vendor prefix separated by a dot
// ("anthropic.claude-...", "us.meta.llama-..."), which distinguishes them
// from direct-API model names. Returns "" when the model is not
// recognizable.
func NameForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"),
		strings.HasPrefix(model, "chatgpt"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "openai"
	case strings.Contains(model, "."):
		return "bedrock"
	default:
		return ""
	}
}

// Registry routes model preferences to registered providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered (have: %s)", name, r.namesLocked())
	}
	return p, nil
}

// Resolve returns the provider that serves the given model preference.
func (r *Registry) Resolve(model string) (Provider, error) {
	name := NameForModel(model)
	if name == "" {
		return nil, fmt.Errorf("no provider recognizes model %q", model)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("model %q needs provider %q, which is not registered (have: %s)", model, name, r.namesLocked())
	}
	return p, nil
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) namesLocked() string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
