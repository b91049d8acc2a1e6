package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/deskrunner/deskrunner/pkg/models"
)

// SQLite is an embedded Store for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains configuration for the embedded store.
type SQLiteConfig struct {
	// Path to the database file. Empty means in-memory.
	Path string
}

// NewSQLite opens the embedded database and ensures the schema exists.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps :memory: databases stable (each connection
	// would otherwise see its own empty database) and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			owner_subject TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_results TEXT,
			seq INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_configs (
			agent_id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS action_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			tools_used TEXT,
			success INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, seq)",
		"CREATE INDEX IF NOT EXISTS idx_action_records_agent ON action_records(agent_id, created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

func (s *SQLite) LoadThread(ctx context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, owner_subject, title, created_at FROM threads WHERE id = ?`, threadID)

	var thread models.Thread
	if err := row.Scan(
		&thread.ID,
		&thread.AgentID,
		&thread.OwnerSubject,
		&thread.Title,
		&thread.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return &thread, nil
}

func (s *SQLite) LoadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, tool_calls, tool_results, seq, created_at
		 FROM messages WHERE thread_id = ?
		 ORDER BY created_at DESC, seq DESC
		 LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLite) LoadAgentConfig(ctx context.Context, agentID string) (*models.AgentConfig, error) {
	if agentID == "" {
		return nil, ErrNotFound
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM agent_configs WHERE agent_id = ?`, agentID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	return decodeAgentConfig(agentID, raw)
}

func (s *SQLite) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ThreadID == "" {
		return fmt.Errorf("message thread_id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResultsJSON, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	if msg.Seq == 0 {
		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?`, msg.ThreadID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("next message seq: %w", err)
		}
		msg.Seq = maxSeq + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_results, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ThreadID,
		string(msg.Role),
		msg.Content,
		string(toolCallsJSON),
		string(toolResultsJSON),
		msg.Seq,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) AppendActionRecord(ctx context.Context, rec *models.ActionRecord) error {
	if rec == nil || rec.AgentID == "" {
		return fmt.Errorf("record agent_id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	toolsJSON, err := json.Marshal(rec.ToolsUsed)
	if err != nil {
		return fmt.Errorf("marshal tools used: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_records (id, agent_id, thread_id, action_type, tools_used, success, latency_ms, error_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AgentID,
		rec.ThreadID,
		string(rec.ActionType),
		string(toolsJSON),
		rec.Success,
		rec.LatencyMS,
		string(rec.ErrorKind),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append action record: %w", err)
	}
	return nil
}

// ListActionRecords returns up to limit records for the agent, newest first.
func (s *SQLite) ListActionRecords(ctx context.Context, agentID string, limit int) ([]models.ActionRecord, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, thread_id, action_type, tools_used, success, latency_ms, error_kind, created_at
		 FROM action_records WHERE agent_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()
	return scanActionRecords(rows)
}

func (s *SQLite) SaveThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO threads (id, agent_id, owner_subject, title, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		thread.ID,
		thread.AgentID,
		thread.OwnerSubject,
		thread.Title,
		thread.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

func (s *SQLite) SaveAgentConfig(ctx context.Context, cfg *models.AgentConfig) error {
	if cfg == nil {
		return fmt.Errorf("agent config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_configs (agent_id, config, updated_at) VALUES (?, ?, ?)`,
		cfg.AgentID, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
