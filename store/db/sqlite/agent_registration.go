package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/hrygo/agentruntime/store"
)

func (d *DB) UpsertAgentRegistration(ctx context.Context, upsert *store.AgentRegistration) (*store.AgentRegistration, error) {
	if upsert == nil {
		return nil, fmt.Errorf("upsert parameter cannot be nil")
	}

	stmt := `
		INSERT INTO agent_registration (agent_id, tenant_id, config)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			config = EXCLUDED.config,
			updated_ts = strftime('%s', 'now')
		RETURNING agent_id, tenant_id, config, created_ts, updated_ts
	`
	var r store.AgentRegistration
	if err := d.db.QueryRowContext(ctx, stmt, upsert.AgentID, upsert.TenantID, upsert.Config).Scan(
		&r.AgentID, &r.TenantID, &r.Config, &r.CreatedTs, &r.UpdatedTs,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert agent registration: %w", err)
	}
	return &r, nil
}

func (d *DB) ListAgentRegistrations(ctx context.Context, find *store.FindAgentRegistration) ([]*store.AgentRegistration, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find != nil {
		if v := find.AgentID; v != nil {
			where, args = append(where, "agent_id = ?"), append(args, *v)
		}
		if v := find.TenantID; v != nil {
			where, args = append(where, "tenant_id = ?"), append(args, *v)
		}
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT agent_id, tenant_id, config, created_ts, updated_ts
		FROM agent_registration
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY agent_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent registrations: %w", err)
	}
	defer rows.Close()

	var list []*store.AgentRegistration
	for rows.Next() {
		var r store.AgentRegistration
		if err := rows.Scan(&r.AgentID, &r.TenantID, &r.Config, &r.CreatedTs, &r.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan agent registration: %w", err)
		}
		list = append(list, &r)
	}
	return list, rows.Err()
}

func (d *DB) DeleteAgentRegistration(ctx context.Context, delete *store.DeleteAgentRegistration) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM agent_registration WHERE agent_id = ?`, delete.AgentID); err != nil {
		return fmt.Errorf("failed to delete agent registration: %w", err)
	}
	return nil
}
