package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// scanMessages drains a message query. The SQL-backed stores share one column
// order: id, thread_id, role, content, tool_calls, tool_results, seq,
// created_at.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var toolCallsJSON, toolResultsJSON []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.Role,
			&msg.Content,
			&toolCallsJSON,
			&toolResultsJSON,
			&msg.Seq,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
			if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if len(toolResultsJSON) > 0 && string(toolResultsJSON) != "null" {
			if err := json.Unmarshal(toolResultsJSON, &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("unmarshal tool results: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// scanActionRecords drains an action record query with columns id, agent_id,
// thread_id, action_type, tools_used, success, latency_ms, error_kind,
// created_at.
func scanActionRecords(rows *sql.Rows) ([]models.ActionRecord, error) {
	var records []models.ActionRecord
	for rows.Next() {
		var rec models.ActionRecord
		var toolsJSON []byte
		if err := rows.Scan(
			&rec.ID,
			&rec.AgentID,
			&rec.ThreadID,
			&rec.ActionType,
			&toolsJSON,
			&rec.Success,
			&rec.LatencyMS,
			&rec.ErrorKind,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		if len(toolsJSON) > 0 && string(toolsJSON) != "null" {
			if err := json.Unmarshal(toolsJSON, &rec.ToolsUsed); err != nil {
				return nil, fmt.Errorf("unmarshal tools used: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action records: %w", err)
	}
	return records, nil
}
