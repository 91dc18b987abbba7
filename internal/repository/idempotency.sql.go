package repository

import (
	"context"
)

const idempotencyColumns = `idempotency_key, request_hash, method, path, in_progress, response_status, response_body,
    content_type, created_at, updated_at`

func scanIdempotencyKey(row interface{ Scan(...any) error }) (IdempotencyKey, error) {
	var i IdempotencyKey
	err := row.Scan(
		&i.IdempotencyKey,
		&i.RequestHash,
		&i.Method,
		&i.Path,
		&i.InProgress,
		&i.ResponseStatus,
		&i.ResponseBody,
		&i.ContentType,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getIdempotencyKey = `-- name: GetIdempotencyKey :one
SELECT ` + idempotencyColumns + ` FROM idempotency_keys WHERE idempotency_key = $1`

func (q *Queries) GetIdempotencyKey(ctx context.Context, idempotencyKey string) (IdempotencyKey, error) {
	return scanIdempotencyKey(q.db.QueryRow(ctx, getIdempotencyKey, idempotencyKey))
}

const reserveIdempotencyKey = `-- name: ReserveIdempotencyKey :one
INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, in_progress)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + idempotencyColumns

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string `json:"idempotency_key"`
	RequestHash    string `json:"request_hash"`
	Method         string `json:"method"`
	Path           string `json:"path"`
}

// ReserveIdempotencyKey returns pgx.ErrNoRows when the key is already taken.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (IdempotencyKey, error) {
	return scanIdempotencyKey(q.db.QueryRow(ctx, reserveIdempotencyKey, arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path))
}

const finalizeIdempotencyKey = `-- name: FinalizeIdempotencyKey :one
UPDATE idempotency_keys
SET in_progress = FALSE, response_status = $1, response_body = $2, content_type = $3, updated_at = NOW()
WHERE idempotency_key = $4 AND request_hash = $5
RETURNING ` + idempotencyColumns

type FinalizeIdempotencyKeyParams struct {
	ResponseStatus int32  `json:"response_status"`
	ResponseBody   []byte `json:"response_body"`
	ContentType    string `json:"content_type"`
	IdempotencyKey string `json:"idempotency_key"`
	RequestHash    string `json:"request_hash"`
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKey, error) {
	return scanIdempotencyKey(q.db.QueryRow(ctx, finalizeIdempotencyKey,
		arg.ResponseStatus,
		arg.ResponseBody,
		arg.ContentType,
		arg.IdempotencyKey,
		arg.RequestHash,
	))
}

const releaseIdempotencyKey = `-- name: ReleaseIdempotencyKey :execrows
DELETE FROM idempotency_keys WHERE idempotency_key = $1 AND request_hash = $2 AND in_progress`

type ReleaseIdempotencyKeyParams struct {
	IdempotencyKey string `json:"idempotency_key"`
	RequestHash    string `json:"request_hash"`
}

// ReleaseIdempotencyKey drops an unfinished reservation so the key can be reused.
func (q *Queries) ReleaseIdempotencyKey(ctx context.Context, arg ReleaseIdempotencyKeyParams) (int64, error) {
	result, err := q.db.Exec(ctx, releaseIdempotencyKey, arg.IdempotencyKey, arg.RequestHash)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
