// Package recorder captures one usage record per finished agent run.
//
// The orchestrator hands every terminal outcome to a Recorder exactly once,
// after the run has already completed, failed, or timed out. Recording is
// bookkeeping, not part of the run: implementations never retry, and the
// fan-out MultiRecorder logs child failures at Warn instead of propagating
// them, so a full disk or an unreachable database cannot fail a turn that
// already produced its reply.
package recorder

import (
	"context"
	"log/slog"

	"github.com/deskrunner/deskrunner/internal/store"
	"github.com/deskrunner/deskrunner/pkg/models"
)

// Recorder accepts the usage record of a finished run.
type Recorder interface {
	// Record stores or emits the record. Implementations must not retry;
	// callers treat a returned error as a diagnostic, not a run failure.
	Record(ctx context.Context, record models.ActionRecord) error
}

// StoreRecorder appends records to the backing store.
type StoreRecorder struct {
	store store.Store
}

// NewStoreRecorder creates a recorder that persists through the given store.
func NewStoreRecorder(s store.Store) *StoreRecorder {
	return &StoreRecorder{store: s}
}

// Record appends the record to the store's action history. The store assigns
// ID and CreatedAt on a copy; the caller's value is left untouched.
func (r *StoreRecorder) Record(ctx context.Context, record models.ActionRecord) error {
	rec := record
	return r.store.AppendActionRecord(ctx, &rec)
}

// LogRecorder emits each record as a single structured log line.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a recorder that writes records to the given logger.
// Successful runs are logged at Info, failed runs at Warn.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger.With("component", "recorder")}
}

// Record writes one log line for the record. Empty optional fields are
// omitted from the line rather than logged as zero values.
func (r *LogRecorder) Record(ctx context.Context, record models.ActionRecord) error {
	attrs := []any{
		"agent_id", record.AgentID,
		"action_type", string(record.ActionType),
		"success", record.Success,
		"latency_ms", record.LatencyMS,
	}
	if record.ThreadID != "" {
		attrs = append(attrs, "thread_id", record.ThreadID)
	}
	if len(record.ToolsUsed) > 0 {
		attrs = append(attrs, "tools_used", record.ToolsUsed)
	}
	if record.ErrorKind != "" {
		attrs = append(attrs, "error_kind", string(record.ErrorKind))
	}

	if record.Success {
		r.logger.Info("action", attrs...)
	} else {
		r.logger.Warn("action", attrs...)
	}
	return nil
}

// MultiRecorder fans each record out to every child recorder.
type MultiRecorder struct {
	recorders []Recorder
	logger    *slog.Logger
}

// NewMultiRecorder creates a recorder that forwards to all children. A child
// failure is logged at Warn and does not stop delivery to the remaining
// children; Record always returns nil.
func NewMultiRecorder(logger *slog.Logger, recorders ...Recorder) *MultiRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiRecorder{
		recorders: recorders,
		logger:    logger.With("component", "recorder"),
	}
}

// Record forwards the record to every child recorder.
func (r *MultiRecorder) Record(ctx context.Context, record models.ActionRecord) error {
	for _, child := range r.recorders {
		if err := child.Record(ctx, record); err != nil {
			r.logger.Warn("record action failed",
				"agent_id", record.AgentID,
				"action_type", string(record.ActionType),
				"error", err)
		}
	}
	return nil
}
