package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// Memory is an in-memory Store. It backs tests and single-process dev mode;
// state is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]models.Message
	configs  map[string]*models.AgentConfig
	records  []models.ActionRecord
	seq      map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]models.Message),
		configs:  make(map[string]*models.AgentConfig),
		seq:      make(map[string]int64),
	}
}

func (s *Memory) LoadThread(ctx context.Context, threadID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return thread, nil
}

func (s *Memory) LoadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := append([]models.Message(nil), s.messages[threadID]...)
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].Seq < messages[j].Seq
	})
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *Memory) LoadAgentConfig(ctx context.Context, agentID string) (*models.AgentConfig, error) {
	if agentID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cfg, nil
}

func (s *Memory) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ThreadID == "" {
		return fmt.Errorf("message thread_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Seq == 0 {
		s.seq[msg.ThreadID]++
		msg.Seq = s.seq[msg.ThreadID]
	} else if msg.Seq > s.seq[msg.ThreadID] {
		s.seq[msg.ThreadID] = msg.Seq
	}
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], *msg)
	return nil
}

func (s *Memory) AppendActionRecord(ctx context.Context, rec *models.ActionRecord) error {
	if rec == nil || rec.AgentID == "" {
		return fmt.Errorf("record agent_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records = append(s.records, *rec)
	return nil
}

// ListActionRecords returns up to limit records for the agent, newest first.
func (s *Memory) ListActionRecords(ctx context.Context, agentID string, limit int) ([]models.ActionRecord, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.ActionRecord, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0 && len(records) < limit; i-- {
		if s.records[i].AgentID != agentID {
			continue
		}
		records = append(records, s.records[i])
	}
	return records, nil
}

func (s *Memory) SaveThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	s.threads[thread.ID] = thread
	return nil
}

func (s *Memory) SaveAgentConfig(ctx context.Context, cfg *models.AgentConfig) error {
	if cfg == nil {
		return fmt.Errorf("agent config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.AgentID] = cfg
	return nil
}

func (s *Memory) Close() error {
	return nil
}
