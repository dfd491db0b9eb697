package postgres

import (
	"context"
	"fmt"

	"github.com/hrygo/agentruntime/store"
)

func (d *DB) UpsertSetting(ctx context.Context, upsert *store.Setting) (*store.Setting, error) {
	stmt := `
		INSERT INTO setting (name, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT(name) DO UPDATE
		SET value = EXCLUDED.value, description = EXCLUDED.description
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.Name, upsert.Value, upsert.Description); err != nil {
		return nil, fmt.Errorf("failed to upsert setting: %w", err)
	}
	return upsert, nil
}

func (d *DB) ListSettings(ctx context.Context, find *store.FindSetting) ([]*store.Setting, error) {
	query, args := `SELECT name, value, description FROM setting`, []any{}
	if find != nil && find.Name != nil {
		query, args = query+` WHERE name = $1`, append(args, *find.Name)
	}

	rows, err := d.db.QueryContext(ctx, query+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var list []*store.Setting
	for rows.Next() {
		setting := &store.Setting{}
		if err := rows.Scan(&setting.Name, &setting.Value, &setting.Description); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		list = append(list, setting)
	}
	return list, rows.Err()
}

func (d *DB) DeleteSetting(ctx context.Context, delete *store.DeleteSetting) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM setting WHERE name = $1`, delete.Name); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}
