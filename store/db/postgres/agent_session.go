package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hrygo/agentruntime/store"
)

const agentSessionColumns = `id, agent_id, tenant_id, session_id, room_name, runtime_instance_id, status, started_at, ended_at, duration_seconds, participant_count`

func (d *DB) CreateAgentSession(ctx context.Context, create *store.AgentSession) (*store.AgentSession, error) {
	if create == nil {
		return nil, fmt.Errorf("create parameter cannot be nil")
	}

	query := `
		INSERT INTO agent_instance_sessions (agent_id, tenant_id, session_id, room_name, runtime_instance_id, status, started_at, ended_at, duration_seconds, participant_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + agentSessionColumns

	row := d.db.QueryRowContext(ctx, query,
		create.AgentID, create.TenantID, create.SessionID, create.RoomName, create.RuntimeInstanceID,
		create.Status, create.StartedAt, create.EndedAt, create.DurationSeconds, create.ParticipantCount,
	)
	session, err := scanAgentSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent session: %w", err)
	}
	return session, nil
}

func (d *DB) UpdateAgentSession(ctx context.Context, update *store.UpdateAgentSession) error {
	if update == nil {
		return fmt.Errorf("update parameter cannot be nil")
	}

	set, args := []string{}, []any{}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.EndedAt != nil {
		set, args = append(set, "ended_at = "+placeholder(len(args)+1)), append(args, *update.EndedAt)
	}
	if update.DurationSeconds != nil {
		set, args = append(set, "duration_seconds = "+placeholder(len(args)+1)), append(args, *update.DurationSeconds)
	}
	if update.ParticipantCount != nil {
		set, args = append(set, "participant_count = "+placeholder(len(args)+1)), append(args, *update.ParticipantCount)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, update.SessionID)

	query := fmt.Sprintf("UPDATE agent_instance_sessions SET %s WHERE session_id = %s", strings.Join(set, ", "), placeholder(len(args)))
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update agent session: %w", err)
	}
	return nil
}

func (d *DB) ListAgentSessions(ctx context.Context, find *store.FindAgentSession) ([]*store.AgentSession, error) {
	if find == nil {
		return nil, fmt.Errorf("find parameter cannot be nil")
	}

	where, args := []string{"1 = 1"}, []any{}
	if v := find.SessionID; v != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.TenantID; v != nil {
		where, args = append(where, "tenant_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.RuntimeInstanceID; v != nil {
		where, args = append(where, "runtime_instance_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.StatusList) > 0 {
		where, args = append(where, "status = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(find.StatusList))
	}
	if v := find.StartedAfter; v != nil {
		where, args = append(where, "started_at >= "+placeholder(len(args)+1)), append(args, *v)
	}

	query := fmt.Sprintf(`SELECT %s FROM agent_instance_sessions WHERE %s ORDER BY started_at DESC, id DESC`,
		agentSessionColumns, strings.Join(where, " AND "))
	if limit := find.Limit; limit > 0 {
		if limit > 1000 {
			limit = 1000
		}
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent sessions: %w", err)
	}
	defer rows.Close()

	var list []*store.AgentSession
	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent session: %w", err)
		}
		list = append(list, session)
	}
	return list, rows.Err()
}

func (d *DB) DeleteAgentSessions(ctx context.Context, delete *store.DeleteAgentSession) (int64, error) {
	if delete == nil || delete.EndedBefore == nil {
		return 0, fmt.Errorf("ended_before is required for deletion")
	}

	result, err := d.db.ExecContext(ctx,
		`DELETE FROM agent_instance_sessions WHERE status IN ('ended', 'error') AND ended_at < $1`, *delete.EndedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete agent sessions: %w", err)
	}
	return result.RowsAffected()
}

func (d *DB) GetAgentSessionStats(ctx context.Context, find *store.FindAgentSessionStats) (*store.AgentSessionStats, error) {
	if find == nil {
		return nil, fmt.Errorf("find parameter cannot be nil")
	}

	where, args := []string{"1 = 1"}, []any{}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.TenantID; v != nil {
		where, args = append(where, "tenant_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.SessionID; v != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.StartedAfter; v != nil {
		where, args = append(where, "started_at >= "+placeholder(len(args)+1)), append(args, *v)
	}

	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('connecting', 'active') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'ended' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(MAX(participant_count), 0)
		FROM agent_instance_sessions
		WHERE ` + strings.Join(where, " AND ")

	var stats store.AgentSessionStats
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalSessions, &stats.OpenSessions, &stats.EndedSessions, &stats.ErrorSessions,
		&stats.TotalDurationSeconds, &stats.MaxParticipants,
	); err != nil {
		return nil, fmt.Errorf("failed to get agent session stats: %w", err)
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentSession(row rowScanner) (*store.AgentSession, error) {
	var (
		s                 store.AgentSession
		runtimeInstanceID sql.NullInt32
		endedAt           sql.NullTime
		durationSeconds   sql.NullInt64
	)
	if err := row.Scan(
		&s.ID, &s.AgentID, &s.TenantID, &s.SessionID, &s.RoomName, &runtimeInstanceID,
		&s.Status, &s.StartedAt, &endedAt, &durationSeconds, &s.ParticipantCount,
	); err != nil {
		return nil, err
	}
	if runtimeInstanceID.Valid {
		s.RuntimeInstanceID = &runtimeInstanceID.Int32
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if durationSeconds.Valid {
		s.DurationSeconds = &durationSeconds.Int64
	}
	return &s, nil
}
