package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const attemptColumns = `id, order_id, attempt_no, status, tx_hash, failed_reason, started_at, finished_at`

func scanAttempt(row interface{ Scan(...any) error }) (FulfillmentAttempt, error) {
	var i FulfillmentAttempt
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.AttemptNo,
		&i.Status,
		&i.TxHash,
		&i.FailedReason,
		&i.StartedAt,
		&i.FinishedAt,
	)
	return i, err
}

const insertAttempt = `-- name: InsertAttempt :one
INSERT INTO fulfillment_attempts (id, order_id, attempt_no, status)
VALUES ($1, $2, $3, 'SENDING')
RETURNING ` + attemptColumns

type InsertAttemptParams struct {
	ID        pgtype.UUID `json:"id"`
	OrderID   pgtype.UUID `json:"order_id"`
	AttemptNo int32       `json:"attempt_no"`
}

func (q *Queries) InsertAttempt(ctx context.Context, arg InsertAttemptParams) (FulfillmentAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx, insertAttempt, arg.ID, arg.OrderID, arg.AttemptNo))
}

const finishAttempt = `-- name: FinishAttempt :execrows
UPDATE fulfillment_attempts
SET status = $2, tx_hash = $3, failed_reason = $4, finished_at = NOW()
WHERE id = $1 AND status = 'SENDING'`

type FinishAttemptParams struct {
	ID           pgtype.UUID `json:"id"`
	Status       string      `json:"status"`
	TxHash       *string     `json:"tx_hash"`
	FailedReason *string     `json:"failed_reason"`
}

func (q *Queries) FinishAttempt(ctx context.Context, arg FinishAttemptParams) (int64, error) {
	result, err := q.db.Exec(ctx, finishAttempt, arg.ID, arg.Status, arg.TxHash, arg.FailedReason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const getAttempt = `-- name: GetAttempt :one
SELECT ` + attemptColumns + ` FROM fulfillment_attempts WHERE id = $1`

func (q *Queries) GetAttempt(ctx context.Context, id pgtype.UUID) (FulfillmentAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx, getAttempt, id))
}

const getLatestAttempt = `-- name: GetLatestAttempt :one
SELECT ` + attemptColumns + ` FROM fulfillment_attempts
WHERE order_id = $1
ORDER BY attempt_no DESC
LIMIT 1`

func (q *Queries) GetLatestAttempt(ctx context.Context, orderID pgtype.UUID) (FulfillmentAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx, getLatestAttempt, orderID))
}

const listAttempts = `-- name: ListAttempts :many
SELECT ` + attemptColumns + ` FROM fulfillment_attempts
WHERE order_id = $1
ORDER BY attempt_no`

func (q *Queries) ListAttempts(ctx context.Context, orderID pgtype.UUID) ([]FulfillmentAttempt, error) {
	rows, err := q.db.Query(ctx, listAttempts, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []FulfillmentAttempt{}
	for rows.Next() {
		i, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
