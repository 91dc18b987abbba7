package repository

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type AuditLog struct {
	ID         int64              `json:"id"`
	ActorType  string             `json:"actor_type"`
	ActorID    *string            `json:"actor_id"`
	Action     string             `json:"action"`
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	PrevState  *string            `json:"prev_state"`
	NextState  *string            `json:"next_state"`
	Metadata   []byte             `json:"metadata"`
	CreatedAt  pgtype.Timestamptz `json:"created_at"`
}

type FulfillmentAttempt struct {
	ID           pgtype.UUID        `json:"id"`
	OrderID      pgtype.UUID        `json:"order_id"`
	AttemptNo    int32              `json:"attempt_no"`
	Status       string             `json:"status"`
	TxHash       *string            `json:"tx_hash"`
	FailedReason *string            `json:"failed_reason"`
	StartedAt    pgtype.Timestamptz `json:"started_at"`
	FinishedAt   pgtype.Timestamptz `json:"finished_at"`
}

type FulfillmentOrder struct {
	ID            pgtype.UUID         `json:"id"`
	OrderType     string              `json:"order_type"`
	CustomerID    string              `json:"customer_id"`
	ReferenceID   string              `json:"reference_id"`
	Asset         string              `json:"asset"`
	UsdAmount     decimal.Decimal     `json:"usd_amount"`
	AssetAmount   decimal.NullDecimal `json:"asset_amount"`
	PriceUsd      decimal.NullDecimal `json:"price_usd"`
	Destination   string              `json:"destination"`
	Status        string              `json:"status"`
	KycStatus     string              `json:"kyc_status"`
	BlockedReason *string             `json:"blocked_reason"`
	FailedReason  *string             `json:"failed_reason"`
	ReservationID pgtype.UUID         `json:"reservation_id"`
	TxHash        *string             `json:"tx_hash"`
	Attempt       int32               `json:"attempt"`
	CreatedAt     pgtype.Timestamptz  `json:"created_at"`
	UpdatedAt     pgtype.Timestamptz  `json:"updated_at"`
	CompletedAt   pgtype.Timestamptz  `json:"completed_at"`
}

type IdempotencyKey struct {
	IdempotencyKey string             `json:"idempotency_key"`
	RequestHash    string             `json:"request_hash"`
	Method         string             `json:"method"`
	Path           string             `json:"path"`
	InProgress     bool               `json:"in_progress"`
	ResponseStatus int32              `json:"response_status"`
	ResponseBody   []byte             `json:"response_body"`
	ContentType    string             `json:"content_type"`
	CreatedAt      pgtype.Timestamptz `json:"created_at"`
	UpdatedAt      pgtype.Timestamptz `json:"updated_at"`
}

type InventoryLot struct {
	ID              pgtype.UUID        `json:"id"`
	Asset           string             `json:"asset"`
	TotalAmount     decimal.Decimal    `json:"total_amount"`
	AvailableAmount decimal.Decimal    `json:"available_amount"`
	Source          string             `json:"source"`
	Reference       *string            `json:"reference"`
	ReceivedAt      pgtype.Timestamptz `json:"received_at"`
	ExpiresAt       pgtype.Timestamptz `json:"expires_at"`
	CreatedAt       pgtype.Timestamptz `json:"created_at"`
}

type InventoryReservation struct {
	ID        pgtype.UUID        `json:"id"`
	OrderID   pgtype.UUID        `json:"order_id"`
	Asset     string             `json:"asset"`
	Amount    decimal.Decimal    `json:"amount"`
	Status    string             `json:"status"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
	SettledAt pgtype.Timestamptz `json:"settled_at"`
}

type ReconciliationRecord struct {
	ID              pgtype.UUID         `json:"id"`
	Asset           string              `json:"asset"`
	OnchainBalance  decimal.NullDecimal `json:"onchain_balance"`
	DatabaseBalance decimal.Decimal     `json:"database_balance"`
	Discrepancy     decimal.NullDecimal `json:"discrepancy"`
	DiscrepancyPct  decimal.NullDecimal `json:"discrepancy_pct"`
	Tolerance       decimal.Decimal     `json:"tolerance"`
	Status          string              `json:"status"`
	ResolutionNotes *string             `json:"resolution_notes"`
	ResolvedBy      *string             `json:"resolved_by"`
	ResolvedAt      pgtype.Timestamptz  `json:"resolved_at"`
	CreatedAt       pgtype.Timestamptz  `json:"created_at"`
}

type ReservationAllocation struct {
	ReservationID pgtype.UUID     `json:"reservation_id"`
	LotID         pgtype.UUID     `json:"lot_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type SystemSetting struct {
	Key       string             `json:"key"`
	Value     string             `json:"value"`
	UpdatedBy *string            `json:"updated_by"`
	UpdatedAt pgtype.Timestamptz `json:"updated_at"`
}
