// Package store defines the persistence boundary of the runtime and its
// backing implementations: an in-memory store for tests and single-process
// development, an embedded SQLite store, and a Postgres store for production.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// ErrNotFound is returned when a thread or agent config does not exist.
var ErrNotFound = errors.New("not found")

// DefaultMessageLimit bounds LoadMessages when the caller passes no limit.
const DefaultMessageLimit = 100

// Store is the persistence interface the runtime depends on. Threads and
// agent configs are read-only from the runtime's point of view; messages and
// action records are append-only and never updated or deleted.
type Store interface {
	// LoadThread returns the thread by ID, or ErrNotFound.
	LoadThread(ctx context.Context, threadID string) (*models.Thread, error)

	// LoadMessages returns up to limit messages for the thread in
	// chronological order. When the thread holds more than limit messages
	// the newest ones are kept. limit <= 0 applies DefaultMessageLimit.
	// Unknown threads yield an empty history, not an error.
	LoadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error)

	// LoadAgentConfig returns the validated config for the agent, or
	// ErrNotFound. A stored document with unknown keys is a load error.
	LoadAgentConfig(ctx context.Context, agentID string) (*models.AgentConfig, error)

	// AppendMessage appends a message to its thread. The store assigns
	// ID, Seq, and CreatedAt when unset.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// AppendActionRecord appends one audit record for a finished run.
	AppendActionRecord(ctx context.Context, rec *models.ActionRecord) error

	// Close releases underlying resources.
	Close() error
}

// Provisioner is implemented by stores that accept thread and agent config
// writes from outside the runtime (config seeding, admin tooling). The
// runtime itself never writes threads or configs.
type Provisioner interface {
	SaveThread(ctx context.Context, thread *models.Thread) error
	SaveAgentConfig(ctx context.Context, cfg *models.AgentConfig) error
}

// decodeAgentConfig decodes a stored config document into the fixed struct.
// Unknown keys are refused so a document written by a newer deployment fails
// loudly instead of being silently truncated.
func decodeAgentConfig(agentID string, raw []byte) (*models.AgentConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg models.AgentConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode agent config %s: %w", agentID, err)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = agentID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
