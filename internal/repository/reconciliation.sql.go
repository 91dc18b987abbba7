package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const reconciliationColumns = `id, asset, onchain_balance, database_balance, discrepancy, discrepancy_pct, tolerance,
    status, resolution_notes, resolved_by, resolved_at, created_at`

func scanReconciliation(row interface{ Scan(...any) error }) (ReconciliationRecord, error) {
	var i ReconciliationRecord
	err := row.Scan(
		&i.ID,
		&i.Asset,
		&i.OnchainBalance,
		&i.DatabaseBalance,
		&i.Discrepancy,
		&i.DiscrepancyPct,
		&i.Tolerance,
		&i.Status,
		&i.ResolutionNotes,
		&i.ResolvedBy,
		&i.ResolvedAt,
		&i.CreatedAt,
	)
	return i, err
}

const insertReconciliation = `-- name: InsertReconciliation :one
INSERT INTO reconciliation_records (
    id, asset, onchain_balance, database_balance, discrepancy, discrepancy_pct, tolerance, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + reconciliationColumns

type InsertReconciliationParams struct {
	ID              pgtype.UUID         `json:"id"`
	Asset           string              `json:"asset"`
	OnchainBalance  decimal.NullDecimal `json:"onchain_balance"`
	DatabaseBalance decimal.Decimal     `json:"database_balance"`
	Discrepancy     decimal.NullDecimal `json:"discrepancy"`
	DiscrepancyPct  decimal.NullDecimal `json:"discrepancy_pct"`
	Tolerance       decimal.Decimal     `json:"tolerance"`
	Status          string              `json:"status"`
}

func (q *Queries) InsertReconciliation(ctx context.Context, arg InsertReconciliationParams) (ReconciliationRecord, error) {
	row := q.db.QueryRow(ctx, insertReconciliation,
		arg.ID,
		arg.Asset,
		arg.OnchainBalance,
		arg.DatabaseBalance,
		arg.Discrepancy,
		arg.DiscrepancyPct,
		arg.Tolerance,
		arg.Status,
	)
	return scanReconciliation(row)
}

const getReconciliation = `-- name: GetReconciliation :one
SELECT ` + reconciliationColumns + ` FROM reconciliation_records WHERE id = $1`

func (q *Queries) GetReconciliation(ctx context.Context, id pgtype.UUID) (ReconciliationRecord, error) {
	return scanReconciliation(q.db.QueryRow(ctx, getReconciliation, id))
}

const getReconciliationForUpdate = `-- name: GetReconciliationForUpdate :one
SELECT ` + reconciliationColumns + ` FROM reconciliation_records WHERE id = $1 FOR UPDATE`

func (q *Queries) GetReconciliationForUpdate(ctx context.Context, id pgtype.UUID) (ReconciliationRecord, error) {
	return scanReconciliation(q.db.QueryRow(ctx, getReconciliationForUpdate, id))
}

const resolveReconciliation = `-- name: ResolveReconciliation :execrows
UPDATE reconciliation_records
SET status = 'RESOLVED', resolution_notes = $2, resolved_by = $3, resolved_at = NOW()
WHERE id = $1 AND status IN ('DISCREPANCY', 'PENDING')`

type ResolveReconciliationParams struct {
	ID              pgtype.UUID `json:"id"`
	ResolutionNotes string      `json:"resolution_notes"`
	ResolvedBy      string      `json:"resolved_by"`
}

func (q *Queries) ResolveReconciliation(ctx context.Context, arg ResolveReconciliationParams) (int64, error) {
	result, err := q.db.Exec(ctx, resolveReconciliation, arg.ID, arg.ResolutionNotes, arg.ResolvedBy)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listReconciliations = `-- name: ListReconciliations :many
SELECT ` + reconciliationColumns + ` FROM reconciliation_records
WHERE ($1::text = '' OR status = $1::text)
  AND ($2::text = '' OR asset = $2::text)
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4`

type ListReconciliationsParams struct {
	Status string `json:"status"`
	Asset  string `json:"asset"`
	Limit  int32  `json:"limit"`
	Offset int32  `json:"offset"`
}

// ListReconciliations returns newest records first. Empty filters match everything.
func (q *Queries) ListReconciliations(ctx context.Context, arg ListReconciliationsParams) ([]ReconciliationRecord, error) {
	rows, err := q.db.Query(ctx, listReconciliations, arg.Status, arg.Asset, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ReconciliationRecord{}
	for rows.Next() {
		i, err := scanReconciliation(rows)
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
