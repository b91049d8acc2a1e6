package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	msg := Message{
		ID:       "msg-1",
		ThreadID: "thread-1",
		Role:     RoleAssistant,
		Content:  "Looking that up now.",
		ToolCalls: []ToolCall{
			{ID: "call-1", Name: "tickets.search", Input: json.RawMessage(`{"query":"printer"}`)},
		},
		Seq:       7,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ID != msg.ID || got.Role != msg.Role || got.Seq != msg.Seq {
		t.Errorf("round-trip = %+v, want %+v", got, msg)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "tickets.search" {
		t.Errorf("ToolCalls = %+v, want one tickets.search call", got.ToolCalls)
	}
}

func TestActionType_Constants(t *testing.T) {
	if string(ActionGenerateReply) != "generate_reply" {
		t.Errorf("ActionGenerateReply = %q, want %q", ActionGenerateReply, "generate_reply")
	}
	if string(ActionTitleSuggestion) != "title_suggestion" {
		t.Errorf("ActionTitleSuggestion = %q, want %q", ActionTitleSuggestion, "title_suggestion")
	}
}
