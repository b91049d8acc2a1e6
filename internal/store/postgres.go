package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/deskrunner/deskrunner/pkg/models"
)

// Postgres is the production Store.
type Postgres struct {
	db *sql.DB

	// Prepared statements for the per-turn hot path
	stmtLoadThread    *sql.Stmt
	stmtLoadMessages  *sql.Stmt
	stmtLoadConfig    *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtAppendRecord  *sql.Stmt
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgres connects using a DSN, ensures the schema exists, and prepares
// the hot-path statements.
func NewPostgres(dsn string, config *PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Postgres{db: db}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *Postgres) runMigrations(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			owner_subject TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_results JSONB,
			seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS agent_configs (
			agent_id TEXT PRIMARY KEY,
			config JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS action_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			tools_used JSONB,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_records_agent ON action_records (agent_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) prepareStatements() error {
	var err error

	s.stmtLoadThread, err = s.db.Prepare(`
		SELECT id, agent_id, owner_subject, title, created_at
		FROM threads WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}

	s.stmtLoadMessages, err = s.db.Prepare(`
		SELECT id, thread_id, role, content, tool_calls, tool_results, seq, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	s.stmtLoadConfig, err = s.db.Prepare(`
		SELECT config FROM agent_configs WHERE agent_id = $1
	`)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_results, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.stmtAppendRecord, err = s.db.Prepare(`
		INSERT INTO action_records (id, agent_id, thread_id, action_type, tools_used, success, latency_ms, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("append action record: %w", err)
	}

	return nil
}

func (s *Postgres) LoadThread(ctx context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	var thread models.Thread
	err := s.stmtLoadThread.QueryRowContext(ctx, threadID).Scan(
		&thread.ID,
		&thread.AgentID,
		&thread.OwnerSubject,
		&thread.Title,
		&thread.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return &thread, nil
}

func (s *Postgres) LoadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	rows, err := s.stmtLoadMessages.QueryContext(ctx, threadID, limit)
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

func (s *Postgres) LoadAgentConfig(ctx context.Context, agentID string) (*models.AgentConfig, error) {
	if agentID == "" {
		return nil, ErrNotFound
	}
	var raw []byte
	err := s.stmtLoadConfig.QueryRowContext(ctx, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	return decodeAgentConfig(agentID, raw)
}

// AppendMessage inserts a message, assigning the next per-thread sequence
// number inside the same transaction when the caller left Seq unset.
func (s *Postgres) AppendMessage(ctx context.Context, msg *models.Message) error {
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
			`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = $1`, msg.ThreadID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("next message seq: %w", err)
		}
		msg.Seq = maxSeq + 1
	}

	_, err = tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID,
		msg.ThreadID,
		msg.Role,
		msg.Content,
		toolCallsJSON,
		toolResultsJSON,
		msg.Seq,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return tx.Commit()
}

func (s *Postgres) AppendActionRecord(ctx context.Context, rec *models.ActionRecord) error {
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

	_, err = s.stmtAppendRecord.ExecContext(ctx,
		rec.ID,
		rec.AgentID,
		rec.ThreadID,
		rec.ActionType,
		toolsJSON,
		rec.Success,
		rec.LatencyMS,
		rec.ErrorKind,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append action record: %w", err)
	}
	return nil
}

// ListActionRecords returns up to limit records for the agent, newest first.
func (s *Postgres) ListActionRecords(ctx context.Context, agentID string, limit int) ([]models.ActionRecord, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, thread_id, action_type, tools_used, success, latency_ms, error_kind, created_at
		 FROM action_records WHERE agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()
	return scanActionRecords(rows)
}

func (s *Postgres) SaveThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, agent_id, owner_subject, title, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
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

func (s *Postgres) SaveAgentConfig(ctx context.Context, cfg *models.AgentConfig) error {
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
		`INSERT INTO agent_configs (agent_id, config, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		cfg.AgentID, raw, time.Now())
	if err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}

// Close closes the prepared statements and the database connection.
func (s *Postgres) Close() error {
	var errs []error

	for _, stmt := range []*sql.Stmt{
		s.stmtLoadThread,
		s.stmtLoadMessages,
		s.stmtLoadConfig,
		s.stmtAppendMessage,
		s.stmtAppendRecord,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}
