package repository

import (
	"context"
)

const insertAuditLog = `-- name: InsertAuditLog :one
INSERT INTO audit_logs (actor_type, actor_id, action, entity_type, entity_id, prev_state, next_state, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, actor_type, actor_id, action, entity_type, entity_id, prev_state, next_state, metadata, created_at`

type InsertAuditLogParams struct {
	ActorType  string  `json:"actor_type"`
	ActorID    *string `json:"actor_id"`
	Action     string  `json:"action"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	PrevState  *string `json:"prev_state"`
	NextState  *string `json:"next_state"`
	Metadata   []byte  `json:"metadata"`
}

func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) (AuditLog, error) {
	row := q.db.QueryRow(ctx, insertAuditLog,
		arg.ActorType,
		arg.ActorID,
		arg.Action,
		arg.EntityType,
		arg.EntityID,
		arg.PrevState,
		arg.NextState,
		arg.Metadata,
	)
	var i AuditLog
	err := row.Scan(
		&i.ID,
		&i.ActorType,
		&i.ActorID,
		&i.Action,
		&i.EntityType,
		&i.EntityID,
		&i.PrevState,
		&i.NextState,
		&i.Metadata,
		&i.CreatedAt,
	)
	return i, err
}

const listAuditLogs = `-- name: ListAuditLogs :many
SELECT id, actor_type, actor_id, action, entity_type, entity_id, prev_state, next_state, metadata, created_at
FROM audit_logs
WHERE ($1::text = '' OR entity_type = $1::text)
  AND ($2::text = '' OR entity_id = $2::text)
ORDER BY id
LIMIT $3 OFFSET $4`

type ListAuditLogsParams struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Limit      int32  `json:"limit"`
	Offset     int32  `json:"offset"`
}

func (q *Queries) ListAuditLogs(ctx context.Context, arg ListAuditLogsParams) ([]AuditLog, error) {
	rows, err := q.db.Query(ctx, listAuditLogs, arg.EntityType, arg.EntityID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []AuditLog{}
	for rows.Next() {
		var i AuditLog
		if err := rows.Scan(
			&i.ID,
			&i.ActorType,
			&i.ActorID,
			&i.Action,
			&i.EntityType,
			&i.EntityID,
			&i.PrevState,
			&i.NextState,
			&i.Metadata,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
