package models

import (
	"fmt"
	"time"
)

// AgentConfig holds the per-agent invocation settings. It is loaded once per
// turn and never mutated by the runtime. Stored settings decode into this
// fixed struct; unknown keys are a load-time error, not a passthrough map.
type AgentConfig struct {
	AgentID            string   `json:"agent_id" yaml:"agent_id"`
	ModelPreference    string   `json:"model_preference" yaml:"model_preference"`
	SystemPrompt       string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	MaxContextTokens   int      `json:"max_context_tokens" yaml:"max_context_tokens"`
	UseMemoryContext   bool     `json:"use_memory_context" yaml:"use_memory_context"`
	MaxIterations      int      `json:"max_iterations" yaml:"max_iterations"`
	TimeoutSeconds     int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	ToolNames          []string `json:"tool_names,omitempty" yaml:"tool_names"`
	ToolServerEndpoint string   `json:"tool_server_endpoint,omitempty" yaml:"tool_server_endpoint"`
	StreamingEnabled   bool     `json:"streaming_enabled" yaml:"streaming_enabled"`
}

// Validate checks that the config can drive a bounded run.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent config: agent_id is required")
	}
	if c.ModelPreference == "" {
		return fmt.Errorf("agent config %s: model_preference is required", c.AgentID)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("agent config %s: max_context_tokens must be positive, got %d", c.AgentID, c.MaxContextTokens)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("agent config %s: max_iterations must be at least 1, got %d", c.AgentID, c.MaxIterations)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("agent config %s: timeout_seconds must be positive, got %d", c.AgentID, c.TimeoutSeconds)
	}
	if len(c.ToolNames) > 0 && c.ToolServerEndpoint == "" {
		return fmt.Errorf("agent config %s: tool_server_endpoint is required when tool_names is set", c.AgentID)
	}
	return nil
}

// Timeout returns the whole-turn wall-clock budget.
func (c *AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ToolCallTimeout returns the per-tool-call budget, one third of the turn
// budget so a single slow tool cannot consume the whole turn.
func (c *AgentConfig) ToolCallTimeout() time.Duration {
	return c.Timeout() / 3
}

// ToolsEnabled reports whether this agent may reach out to a tool server.
func (c *AgentConfig) ToolsEnabled() bool {
	return len(c.ToolNames) > 0 && c.ToolServerEndpoint != ""
}
