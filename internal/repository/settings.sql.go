package repository

import (
	"context"
)

const listSettings = `-- name: ListSettings :many
SELECT key, value, updated_by, updated_at FROM system_settings ORDER BY key`

func (q *Queries) ListSettings(ctx context.Context) ([]SystemSetting, error) {
	rows, err := q.db.Query(ctx, listSettings)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []SystemSetting{}
	for rows.Next() {
		var i SystemSetting
		if err := rows.Scan(&i.Key, &i.Value, &i.UpdatedBy, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getSettingForUpdate = `-- name: GetSettingForUpdate :one
SELECT key, value, updated_by, updated_at FROM system_settings WHERE key = $1 FOR UPDATE`

func (q *Queries) GetSettingForUpdate(ctx context.Context, key string) (SystemSetting, error) {
	var i SystemSetting
	err := q.db.QueryRow(ctx, getSettingForUpdate, key).Scan(&i.Key, &i.Value, &i.UpdatedBy, &i.UpdatedAt)
	return i, err
}

const upsertSetting = `-- name: UpsertSetting :one
INSERT INTO system_settings (key, value, updated_by, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = NOW()
RETURNING key, value, updated_by, updated_at`

type UpsertSettingParams struct {
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	UpdatedBy *string `json:"updated_by"`
}

func (q *Queries) UpsertSetting(ctx context.Context, arg UpsertSettingParams) (SystemSetting, error) {
	var i SystemSetting
	err := q.db.QueryRow(ctx, upsertSetting, arg.Key, arg.Value, arg.UpdatedBy).Scan(&i.Key, &i.Value, &i.UpdatedBy, &i.UpdatedAt)
	return i, err
}
