package provider

import (
	"context"
	"strings"
	"testing"
)

// stubProvider is a minimal Provider for registry tests.
type stubProvider struct {
	name string
	resp *Response
	err  error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return s.resp, s.err
}

func TestNameForModel(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		{"claude-sonnet-4-20250514", "anthropic"},
		{"claude-3-5-haiku-20241022", "anthropic"},
		{"gpt-4o", "openai"},
		{"gpt-4o-mini", "openai"},
		{"chatgpt-4o-latest", "openai"},
		{"o1-preview", "openai"},
		{"o3-mini", "openai"},
		{"o4-mini", "openai"},
		{"anthropic.claude-sonnet-4-20250514-v1:0", "bedrock"},
		{"us.meta.llama3-70b-instruct-v1:0", "bedrock"},
		{"amazon.titan-text-express-v1", "bedrock"},
		{"mistral-large", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := NameForModel(tt.model); got != tt.expected {
				t.Errorf("NameForModel(%q) = %q, want %q", tt.model, got, tt.expected)
			}
		})
	}
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()
	anthropic := &stubProvider{name: "anthropic"}
	reg.Register(anthropic)

	got, err := reg.Get("anthropic")
	if err != nil {
		t.Fatalf("Get(anthropic) error = %v", err)
	}
	if got != anthropic {
		t.Error("Get(anthropic) returned a different provider")
	}

	_, err = reg.Get("openai")
	if err == nil {
		t.Fatal("Get(openai) expected error, got nil")
	}
	if !strings.Contains(err.Error(), "anthropic") {
		t.Errorf("error %q should list registered providers", err)
	}
}

func TestRegistryGetEmpty(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("anthropic")
	if err == nil {
		t.Fatal("expected error from empty registry")
	}
	if !strings.Contains(err.Error(), "none") {
		t.Errorf("error %q should say no providers are registered", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubProvider{name: "anthropic"})
	reg.Register(&stubProvider{name: "bedrock"})

	tests := []struct {
		model    string
		provider string
		wantErr  bool
	}{
		{"claude-sonnet-4-20250514", "anthropic", false},
		{"anthropic.claude-sonnet-4-20250514-v1:0", "bedrock", false},
		// gpt-4o routes to openai, which is not registered here.
		{"gpt-4o", "", true},
		// mystery-model is not recognized at all.
		{"mystery-model", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := reg.Resolve(tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.model, err)
			}
			if p.Name() != tt.provider {
				t.Errorf("Resolve(%q) = %q, want %q", tt.model, p.Name(), tt.provider)
			}
		})
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	first := &stubProvider{name: "openai"}
	second := &stubProvider{name: "openai"}
	reg.Register(first)
	reg.Register(second)

	got, err := reg.Get("openai")
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if got != second {
		t.Error("Register should replace an existing provider with the same name")
	}
	if n := len(reg.Names()); n != 1 {
		t.Errorf("Names() length = %d, want 1", n)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubProvider{name: "openai"})
	reg.Register(&stubProvider{name: "anthropic"})
	reg.Register(&stubProvider{name: "bedrock"})

	names := reg.Names()
	want := []string{"anthropic", "bedrock", "openai"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}
