package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLiteExecutionLog is append-only; entries are never updated.
type SQLiteExecutionLog struct {
	db *sql.DB
}

var _ ExecutionLog = (*SQLiteExecutionLog)(nil)

const execColumns = `id, user_id, invocation_id, agent_name, task_kind, turn_index, step_kind, payload, created_at_ms`

func (l *SQLiteExecutionLog) Append(ctx context.Context, e ExecutionAgentEntry) error {
	if e.UserID == "" || e.InvocationID == "" {
		return errors.New("append execution entry: user id and invocation id are required")
	}
	switch e.Kind {
	case StepInstruction, StepToolCall, StepToolResult, StepFinalSummary:
	default:
		return errors.Errorf("append execution entry: unknown step kind %q", e.Kind)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO execution_agent_entries
			(user_id, invocation_id, agent_name, task_kind, turn_index, step_kind, payload, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.InvocationID, e.AgentName, e.TaskKind, e.TurnIndex, string(e.Kind), e.Payload, toMillis(e.CreatedAt))
	return errors.Wrap(err, "append execution entry")
}

func (l *SQLiteExecutionLog) Invocation(ctx context.Context, userID, invocationID string) ([]ExecutionAgentEntry, error) {
	return l.query(ctx, `SELECT `+execColumns+` FROM execution_agent_entries
		WHERE user_id = ? AND invocation_id = ? ORDER BY id ASC`, userID, invocationID)
}

func (l *SQLiteExecutionLog) LatestInvocation(ctx context.Context, userID string) ([]ExecutionAgentEntry, error) {
	var invocationID string
	err := l.db.QueryRowContext(ctx, `
		SELECT invocation_id FROM execution_agent_entries
		WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID).Scan(&invocationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find latest invocation")
	}
	return l.Invocation(ctx, userID, invocationID)
}

func (l *SQLiteExecutionLog) RecentForAgent(ctx context.Context, userID, agentName string, limit int) ([]ExecutionAgentEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := l.query(ctx, `SELECT `+execColumns+` FROM execution_agent_entries
		WHERE user_id = ? AND agent_name = ? ORDER BY id DESC LIMIT ?`, userID, agentName, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (l *SQLiteExecutionLog) Agents(ctx context.Context, userID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_name FROM execution_agent_entries
		WHERE user_id = ? GROUP BY agent_name ORDER BY MAX(id) DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scan agent name")
		}
		names = append(names, n)
	}
	return names, errors.Wrap(rows.Err(), "iterate agents")
}

func (l *SQLiteExecutionLog) query(ctx context.Context, q string, args ...interface{}) ([]ExecutionAgentEntry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query execution entries")
	}
	defer rows.Close()

	var out []ExecutionAgentEntry
	for rows.Next() {
		var (
			e    ExecutionAgentEntry
			kind string
			ms   int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.InvocationID, &e.AgentName, &e.TaskKind,
			&e.TurnIndex, &kind, &e.Payload, &ms); err != nil {
			return nil, errors.Wrap(err, "scan execution entry")
		}
		e.Kind = StepKind(kind)
		e.CreatedAt = fromMillis(ms)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate execution entries")
}
