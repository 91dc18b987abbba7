package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const lotColumns = `id, asset, total_amount, available_amount, source, reference, received_at, expires_at, created_at`

func scanLot(row interface{ Scan(...any) error }) (InventoryLot, error) {
	var i InventoryLot
	err := row.Scan(
		&i.ID,
		&i.Asset,
		&i.TotalAmount,
		&i.AvailableAmount,
		&i.Source,
		&i.Reference,
		&i.ReceivedAt,
		&i.ExpiresAt,
		&i.CreatedAt,
	)
	return i, err
}

func (q *Queries) queryLots(ctx context.Context, sql string, args ...interface{}) ([]InventoryLot, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []InventoryLot{}
	for rows.Next() {
		i, err := scanLot(rows)
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

const lockAssetLedger = `-- name: LockAssetLedger :exec
SELECT pg_advisory_xact_lock(hashtext('inventory:' || $1::text))`

// LockAssetLedger serializes ledger mutations for one asset until the surrounding transaction ends.
func (q *Queries) LockAssetLedger(ctx context.Context, asset string) error {
	_, err := q.db.Exec(ctx, lockAssetLedger, asset)
	return err
}

const insertLot = `-- name: InsertLot :one
INSERT INTO inventory_lots (id, asset, total_amount, available_amount, source, reference, received_at, expires_at)
VALUES ($1, $2, $3, $3, $4, $5, $6, $7)
RETURNING ` + lotColumns

type InsertLotParams struct {
	ID          pgtype.UUID        `json:"id"`
	Asset       string             `json:"asset"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Source      string             `json:"source"`
	Reference   *string            `json:"reference"`
	ReceivedAt  pgtype.Timestamptz `json:"received_at"`
	ExpiresAt   pgtype.Timestamptz `json:"expires_at"`
}

func (q *Queries) InsertLot(ctx context.Context, arg InsertLotParams) (InventoryLot, error) {
	row := q.db.QueryRow(ctx, insertLot,
		arg.ID,
		arg.Asset,
		arg.TotalAmount,
		arg.Source,
		arg.Reference,
		arg.ReceivedAt,
		arg.ExpiresAt,
	)
	return scanLot(row)
}

const getLot = `-- name: GetLot :one
SELECT ` + lotColumns + ` FROM inventory_lots WHERE id = $1`

func (q *Queries) GetLot(ctx context.Context, id pgtype.UUID) (InventoryLot, error) {
	return scanLot(q.db.QueryRow(ctx, getLot, id))
}

const getLotForUpdate = `-- name: GetLotForUpdate :one
SELECT ` + lotColumns + ` FROM inventory_lots WHERE id = $1 FOR UPDATE`

func (q *Queries) GetLotForUpdate(ctx context.Context, id pgtype.UUID) (InventoryLot, error) {
	return scanLot(q.db.QueryRow(ctx, getLotForUpdate, id))
}

const listAvailableLotsForUpdate = `-- name: ListAvailableLotsForUpdate :many
SELECT ` + lotColumns + ` FROM inventory_lots
WHERE asset = $1
  AND available_amount > 0
  AND (expires_at IS NULL OR expires_at > $2)
ORDER BY received_at, id
FOR UPDATE`

type ListAvailableLotsForUpdateParams struct {
	Asset string             `json:"asset"`
	AsOf  pgtype.Timestamptz `json:"as_of"`
}

// ListAvailableLotsForUpdate returns non-expired lots with remaining balance, oldest first.
func (q *Queries) ListAvailableLotsForUpdate(ctx context.Context, arg ListAvailableLotsForUpdateParams) ([]InventoryLot, error) {
	return q.queryLots(ctx, listAvailableLotsForUpdate, arg.Asset, arg.AsOf)
}

const listLots = `-- name: ListLots :many
SELECT ` + lotColumns + ` FROM inventory_lots
WHERE asset = $1
ORDER BY received_at DESC, id
LIMIT $2 OFFSET $3`

type ListLotsParams struct {
	Asset  string `json:"asset"`
	Limit  int32  `json:"limit"`
	Offset int32  `json:"offset"`
}

func (q *Queries) ListLots(ctx context.Context, arg ListLotsParams) ([]InventoryLot, error) {
	return q.queryLots(ctx, listLots, arg.Asset, arg.Limit, arg.Offset)
}

const updateLotAvailable = `-- name: UpdateLotAvailable :execrows
UPDATE inventory_lots SET available_amount = $2 WHERE id = $1 AND $2 >= 0 AND $2 <= total_amount`

type UpdateLotAvailableParams struct {
	ID              pgtype.UUID     `json:"id"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
}

func (q *Queries) UpdateLotAvailable(ctx context.Context, arg UpdateLotAvailableParams) (int64, error) {
	result, err := q.db.Exec(ctx, updateLotAvailable, arg.ID, arg.AvailableAmount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const adjustLot = `-- name: AdjustLot :execrows
UPDATE inventory_lots SET total_amount = $2, available_amount = $3
WHERE id = $1 AND $3 >= 0 AND $3 <= $2`

type AdjustLotParams struct {
	ID              pgtype.UUID     `json:"id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
}

func (q *Queries) AdjustLot(ctx context.Context, arg AdjustLotParams) (int64, error) {
	result, err := q.db.Exec(ctx, adjustLot, arg.ID, arg.TotalAmount, arg.AvailableAmount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const sumEligibleBalance = `-- name: SumEligibleBalance :one
SELECT COALESCE(SUM(available_amount), 0)::numeric
FROM inventory_lots
WHERE asset = $1 AND (expires_at IS NULL OR expires_at > $2)`

type SumEligibleBalanceParams struct {
	Asset string             `json:"asset"`
	AsOf  pgtype.Timestamptz `json:"as_of"`
}

func (q *Queries) SumEligibleBalance(ctx context.Context, arg SumEligibleBalanceParams) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.db.QueryRow(ctx, sumEligibleBalance, arg.Asset, arg.AsOf).Scan(&total)
	return total, err
}

const sumReservations = `-- name: SumReservations :one
SELECT COALESCE(SUM(amount), 0)::numeric
FROM inventory_reservations
WHERE asset = $1 AND status = $2`

type SumReservationsParams struct {
	Asset  string `json:"asset"`
	Status string `json:"status"`
}

func (q *Queries) SumReservations(ctx context.Context, arg SumReservationsParams) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.db.QueryRow(ctx, sumReservations, arg.Asset, arg.Status).Scan(&total)
	return total, err
}

const reservationColumns = `id, order_id, asset, amount, status, created_at, settled_at`

func scanReservation(row interface{ Scan(...any) error }) (InventoryReservation, error) {
	var i InventoryReservation
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.Asset,
		&i.Amount,
		&i.Status,
		&i.CreatedAt,
		&i.SettledAt,
	)
	return i, err
}

const insertReservation = `-- name: InsertReservation :one
INSERT INTO inventory_reservations (id, order_id, asset, amount, status)
VALUES ($1, $2, $3, $4, 'HELD')
RETURNING ` + reservationColumns

type InsertReservationParams struct {
	ID      pgtype.UUID     `json:"id"`
	OrderID pgtype.UUID     `json:"order_id"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

func (q *Queries) InsertReservation(ctx context.Context, arg InsertReservationParams) (InventoryReservation, error) {
	return scanReservation(q.db.QueryRow(ctx, insertReservation, arg.ID, arg.OrderID, arg.Asset, arg.Amount))
}

const getReservationForUpdate = `-- name: GetReservationForUpdate :one
SELECT ` + reservationColumns + ` FROM inventory_reservations WHERE id = $1 FOR UPDATE`

func (q *Queries) GetReservationForUpdate(ctx context.Context, id pgtype.UUID) (InventoryReservation, error) {
	return scanReservation(q.db.QueryRow(ctx, getReservationForUpdate, id))
}

const settleReservation = `-- name: SettleReservation :execrows
UPDATE inventory_reservations SET status = $2, settled_at = NOW()
WHERE id = $1 AND status = 'HELD'`

type SettleReservationParams struct {
	ID     pgtype.UUID `json:"id"`
	Status string      `json:"status"`
}

// SettleReservation moves a HELD reservation to a final status; it affects zero rows otherwise.
func (q *Queries) SettleReservation(ctx context.Context, arg SettleReservationParams) (int64, error) {
	result, err := q.db.Exec(ctx, settleReservation, arg.ID, arg.Status)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const insertReservationAllocation = `-- name: InsertReservationAllocation :exec
INSERT INTO reservation_allocations (reservation_id, lot_id, amount) VALUES ($1, $2, $3)`

type InsertReservationAllocationParams struct {
	ReservationID pgtype.UUID     `json:"reservation_id"`
	LotID         pgtype.UUID     `json:"lot_id"`
	Amount        decimal.Decimal `json:"amount"`
}

func (q *Queries) InsertReservationAllocation(ctx context.Context, arg InsertReservationAllocationParams) error {
	_, err := q.db.Exec(ctx, insertReservationAllocation, arg.ReservationID, arg.LotID, arg.Amount)
	return err
}

const listReservationAllocations = `-- name: ListReservationAllocations :many
SELECT reservation_id, lot_id, amount FROM reservation_allocations
WHERE reservation_id = $1
ORDER BY lot_id`

func (q *Queries) ListReservationAllocations(ctx context.Context, reservationID pgtype.UUID) ([]ReservationAllocation, error) {
	rows, err := q.db.Query(ctx, listReservationAllocations, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ReservationAllocation{}
	for rows.Next() {
		var i ReservationAllocation
		if err := rows.Scan(&i.ReservationID, &i.LotID, &i.Amount); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
