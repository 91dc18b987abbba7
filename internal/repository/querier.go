package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type Querier interface {
	AdjustLot(ctx context.Context, arg AdjustLotParams) (int64, error)
	CountOrdersByStatus(ctx context.Context) ([]CountOrdersByStatusRow, error)
	FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKey, error)
	FinishAttempt(ctx context.Context, arg FinishAttemptParams) (int64, error)
	GetAttempt(ctx context.Context, id pgtype.UUID) (FulfillmentAttempt, error)
	GetIdempotencyKey(ctx context.Context, idempotencyKey string) (IdempotencyKey, error)
	GetLatestAttempt(ctx context.Context, orderID pgtype.UUID) (FulfillmentAttempt, error)
	GetLot(ctx context.Context, id pgtype.UUID) (InventoryLot, error)
	GetLotForUpdate(ctx context.Context, id pgtype.UUID) (InventoryLot, error)
	GetOrder(ctx context.Context, id pgtype.UUID) (FulfillmentOrder, error)
	GetOrderByReference(ctx context.Context, referenceID string) (FulfillmentOrder, error)
	GetOrderForUpdate(ctx context.Context, id pgtype.UUID) (FulfillmentOrder, error)
	GetReconciliation(ctx context.Context, id pgtype.UUID) (ReconciliationRecord, error)
	GetReconciliationForUpdate(ctx context.Context, id pgtype.UUID) (ReconciliationRecord, error)
	GetReservationForUpdate(ctx context.Context, id pgtype.UUID) (InventoryReservation, error)
	GetSettingForUpdate(ctx context.Context, key string) (SystemSetting, error)
	InsertAttempt(ctx context.Context, arg InsertAttemptParams) (FulfillmentAttempt, error)
	InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) (AuditLog, error)
	InsertLot(ctx context.Context, arg InsertLotParams) (InventoryLot, error)
	InsertOrder(ctx context.Context, arg InsertOrderParams) (FulfillmentOrder, error)
	InsertReconciliation(ctx context.Context, arg InsertReconciliationParams) (ReconciliationRecord, error)
	InsertReservation(ctx context.Context, arg InsertReservationParams) (InventoryReservation, error)
	InsertReservationAllocation(ctx context.Context, arg InsertReservationAllocationParams) error
	ListAttempts(ctx context.Context, orderID pgtype.UUID) ([]FulfillmentAttempt, error)
	ListAuditLogs(ctx context.Context, arg ListAuditLogsParams) ([]AuditLog, error)
	ListAvailableLotsForUpdate(ctx context.Context, arg ListAvailableLotsForUpdateParams) ([]InventoryLot, error)
	ListLots(ctx context.Context, arg ListLotsParams) ([]InventoryLot, error)
	ListOrdersByStatuses(ctx context.Context, arg ListOrdersByStatusesParams) ([]FulfillmentOrder, error)
	ListReadyToSendForUpdate(ctx context.Context, arg ListReadyToSendForUpdateParams) ([]FulfillmentOrder, error)
	ListReconciliations(ctx context.Context, arg ListReconciliationsParams) ([]ReconciliationRecord, error)
	ListReservationAllocations(ctx context.Context, reservationID pgtype.UUID) ([]ReservationAllocation, error)
	ListSettings(ctx context.Context) ([]SystemSetting, error)
	ListStaleSending(ctx context.Context, arg ListStaleSendingParams) ([]FulfillmentOrder, error)
	LockAssetLedger(ctx context.Context, asset string) error
	ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (IdempotencyKey, error)
	ReleaseIdempotencyKey(ctx context.Context, arg ReleaseIdempotencyKeyParams) (int64, error)
	ResolveReconciliation(ctx context.Context, arg ResolveReconciliationParams) (int64, error)
	SettleReservation(ctx context.Context, arg SettleReservationParams) (int64, error)
	SumCommittedSince(ctx context.Context, arg SumCommittedSinceParams) (decimal.Decimal, error)
	SumEligibleBalance(ctx context.Context, arg SumEligibleBalanceParams) (decimal.Decimal, error)
	SumReservations(ctx context.Context, arg SumReservationsParams) (decimal.Decimal, error)
	UpdateLotAvailable(ctx context.Context, arg UpdateLotAvailableParams) (int64, error)
	UpdateOrder(ctx context.Context, arg UpdateOrderParams) (int64, error)
	UpsertSetting(ctx context.Context, arg UpsertSettingParams) (SystemSetting, error)
}

var _ Querier = (*Queries)(nil)
