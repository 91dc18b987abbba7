package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, order_type, customer_id, reference_id, asset, usd_amount, asset_amount, price_usd,
    destination, status, kyc_status, blocked_reason, failed_reason, reservation_id, tx_hash, attempt,
    created_at, updated_at, completed_at`

func scanOrder(row interface{ Scan(...any) error }) (FulfillmentOrder, error) {
	var i FulfillmentOrder
	err := row.Scan(
		&i.ID,
		&i.OrderType,
		&i.CustomerID,
		&i.ReferenceID,
		&i.Asset,
		&i.UsdAmount,
		&i.AssetAmount,
		&i.PriceUsd,
		&i.Destination,
		&i.Status,
		&i.KycStatus,
		&i.BlockedReason,
		&i.FailedReason,
		&i.ReservationID,
		&i.TxHash,
		&i.Attempt,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.CompletedAt,
	)
	return i, err
}

func (q *Queries) queryOrders(ctx context.Context, sql string, args ...interface{}) ([]FulfillmentOrder, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []FulfillmentOrder{}
	for rows.Next() {
		i, err := scanOrder(rows)
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

const insertOrder = `-- name: InsertOrder :one
INSERT INTO fulfillment_orders (
    id, order_type, customer_id, reference_id, asset, usd_amount, asset_amount, destination, status, kyc_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (reference_id) DO NOTHING
RETURNING ` + orderColumns

type InsertOrderParams struct {
	ID          pgtype.UUID         `json:"id"`
	OrderType   string              `json:"order_type"`
	CustomerID  string              `json:"customer_id"`
	ReferenceID string              `json:"reference_id"`
	Asset       string              `json:"asset"`
	UsdAmount   decimal.Decimal     `json:"usd_amount"`
	AssetAmount decimal.NullDecimal `json:"asset_amount"`
	Destination string              `json:"destination"`
	Status      string              `json:"status"`
	KycStatus   string              `json:"kyc_status"`
}

// InsertOrder returns pgx.ErrNoRows when the reference id already exists.
func (q *Queries) InsertOrder(ctx context.Context, arg InsertOrderParams) (FulfillmentOrder, error) {
	row := q.db.QueryRow(ctx, insertOrder,
		arg.ID,
		arg.OrderType,
		arg.CustomerID,
		arg.ReferenceID,
		arg.Asset,
		arg.UsdAmount,
		arg.AssetAmount,
		arg.Destination,
		arg.Status,
		arg.KycStatus,
	)
	return scanOrder(row)
}

const getOrder = `-- name: GetOrder :one
SELECT ` + orderColumns + ` FROM fulfillment_orders WHERE id = $1`

func (q *Queries) GetOrder(ctx context.Context, id pgtype.UUID) (FulfillmentOrder, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrder, id))
}

const getOrderForUpdate = `-- name: GetOrderForUpdate :one
SELECT ` + orderColumns + ` FROM fulfillment_orders WHERE id = $1 FOR UPDATE`

func (q *Queries) GetOrderForUpdate(ctx context.Context, id pgtype.UUID) (FulfillmentOrder, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderForUpdate, id))
}

const getOrderByReference = `-- name: GetOrderByReference :one
SELECT ` + orderColumns + ` FROM fulfillment_orders WHERE reference_id = $1`

func (q *Queries) GetOrderByReference(ctx context.Context, referenceID string) (FulfillmentOrder, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByReference, referenceID))
}

const listOrdersByStatuses = `-- name: ListOrdersByStatuses :many
SELECT ` + orderColumns + ` FROM fulfillment_orders
WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
ORDER BY created_at, id
LIMIT $2 OFFSET $3`

type ListOrdersByStatusesParams struct {
	Statuses []string `json:"statuses"`
	Limit    int32    `json:"limit"`
	Offset   int32    `json:"offset"`
}

// ListOrdersByStatuses returns orders oldest first. An empty status list matches every order.
func (q *Queries) ListOrdersByStatuses(ctx context.Context, arg ListOrdersByStatusesParams) ([]FulfillmentOrder, error) {
	statuses := arg.Statuses
	if statuses == nil {
		statuses = []string{}
	}
	return q.queryOrders(ctx, listOrdersByStatuses, statuses, arg.Limit, arg.Offset)
}

const listReadyToSendForUpdate = `-- name: ListReadyToSendForUpdate :many
SELECT ` + orderColumns + ` FROM fulfillment_orders
WHERE status = 'READY_TO_SEND' AND asset = ANY($1::text[])
ORDER BY created_at, id
LIMIT $2
FOR UPDATE SKIP LOCKED`

type ListReadyToSendForUpdateParams struct {
	Assets []string `json:"assets"`
	Limit  int32    `json:"limit"`
}

func (q *Queries) ListReadyToSendForUpdate(ctx context.Context, arg ListReadyToSendForUpdateParams) ([]FulfillmentOrder, error) {
	return q.queryOrders(ctx, listReadyToSendForUpdate, arg.Assets, arg.Limit)
}

const listStaleSending = `-- name: ListStaleSending :many
SELECT ` + orderColumns + ` FROM fulfillment_orders
WHERE status = 'SENDING' AND updated_at < $1
ORDER BY updated_at, id
LIMIT $2`

type ListStaleSendingParams struct {
	UpdatedBefore pgtype.Timestamptz `json:"updated_before"`
	Limit         int32              `json:"limit"`
}

func (q *Queries) ListStaleSending(ctx context.Context, arg ListStaleSendingParams) ([]FulfillmentOrder, error) {
	return q.queryOrders(ctx, listStaleSending, arg.UpdatedBefore, arg.Limit)
}

const updateOrder = `-- name: UpdateOrder :execrows
UPDATE fulfillment_orders
SET status = $2,
    kyc_status = $3,
    blocked_reason = $4,
    failed_reason = $5,
    asset_amount = $6,
    price_usd = $7,
    reservation_id = $8,
    tx_hash = $9,
    attempt = $10,
    completed_at = $11,
    updated_at = NOW()
WHERE id = $1`

type UpdateOrderParams struct {
	ID            pgtype.UUID         `json:"id"`
	Status        string              `json:"status"`
	KycStatus     string              `json:"kyc_status"`
	BlockedReason *string             `json:"blocked_reason"`
	FailedReason  *string             `json:"failed_reason"`
	AssetAmount   decimal.NullDecimal `json:"asset_amount"`
	PriceUsd      decimal.NullDecimal `json:"price_usd"`
	ReservationID pgtype.UUID         `json:"reservation_id"`
	TxHash        *string             `json:"tx_hash"`
	Attempt       int32               `json:"attempt"`
	CompletedAt   pgtype.Timestamptz  `json:"completed_at"`
}

func (q *Queries) UpdateOrder(ctx context.Context, arg UpdateOrderParams) (int64, error) {
	result, err := q.db.Exec(ctx, updateOrder,
		arg.ID,
		arg.Status,
		arg.KycStatus,
		arg.BlockedReason,
		arg.FailedReason,
		arg.AssetAmount,
		arg.PriceUsd,
		arg.ReservationID,
		arg.TxHash,
		arg.Attempt,
		arg.CompletedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const sumCommittedSince = `-- name: SumCommittedSince :one
SELECT COALESCE(SUM(asset_amount), 0)::numeric
FROM fulfillment_orders
WHERE asset = $1
  AND asset_amount IS NOT NULL
  AND (
    status IN ('READY_TO_SEND', 'SENDING')
    OR (status IN ('SENT', 'COMPLETED') AND completed_at >= $2)
  )`

type SumCommittedSinceParams struct {
	Asset string             `json:"asset"`
	Since pgtype.Timestamptz `json:"since"`
}

// SumCommittedSince totals amounts sent since the cutoff plus amounts allocated but not yet sent.
func (q *Queries) SumCommittedSince(ctx context.Context, arg SumCommittedSinceParams) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.db.QueryRow(ctx, sumCommittedSince, arg.Asset, arg.Since).Scan(&total)
	return total, err
}

const countOrdersByStatus = `-- name: CountOrdersByStatus :many
SELECT status, COUNT(*)::bigint AS count
FROM fulfillment_orders
GROUP BY status
ORDER BY status`

type CountOrdersByStatusRow struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (q *Queries) CountOrdersByStatus(ctx context.Context) ([]CountOrdersByStatusRow, error) {
	rows, err := q.db.Query(ctx, countOrdersByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []CountOrdersByStatusRow{}
	for rows.Next() {
		var i CountOrdersByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
