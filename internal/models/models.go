package models

import (
	"encoding/json"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID            uuid.UUID        `json:"id"`
	OrderType     string           `json:"order_type"`
	CustomerID    string           `json:"customer_id"`
	ReferenceID   string           `json:"reference_id"`
	Asset         string           `json:"asset"`
	USDAmount     decimal.Decimal  `json:"usd_amount"`
	AssetAmount   *decimal.Decimal `json:"asset_amount,omitempty"`
	PriceUSD      *decimal.Decimal `json:"price_usd,omitempty"`
	Destination   string           `json:"destination"`
	Status        string           `json:"status"`
	KycStatus     string           `json:"kyc_status"`
	BlockedReason *string          `json:"blocked_reason,omitempty"`
	FailedReason  *string          `json:"failed_reason,omitempty"`
	ReservationID *uuid.UUID       `json:"reservation_id,omitempty"`
	TxHash        *string          `json:"tx_hash,omitempty"`
	Attempt       int32            `json:"attempt"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

type Attempt struct {
	ID           uuid.UUID  `json:"id"`
	OrderID      uuid.UUID  `json:"order_id"`
	AttemptNo    int32      `json:"attempt_no"`
	Status       string     `json:"status"`
	TxHash       *string    `json:"tx_hash,omitempty"`
	FailedReason *string    `json:"failed_reason,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type Lot struct {
	ID              uuid.UUID       `json:"id"`
	Asset           string          `json:"asset"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
	Source          string          `json:"source"`
	Reference       *string         `json:"reference,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Reservation struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// InventorySnapshot summarizes one asset's ledger for admin display.
type InventorySnapshot struct {
	Asset     string          `json:"asset"`
	Eligible  decimal.Decimal `json:"eligible"`
	Held      decimal.Decimal `json:"held"`
	Confirmed decimal.Decimal `json:"confirmed"`
}

type Reconciliation struct {
	ID              uuid.UUID        `json:"id"`
	Asset           string           `json:"asset"`
	OnchainBalance  *decimal.Decimal `json:"onchain_balance"`
	DatabaseBalance decimal.Decimal  `json:"database_balance"`
	Discrepancy     *decimal.Decimal `json:"discrepancy"`
	DiscrepancyPct  *decimal.Decimal `json:"discrepancy_pct"`
	Tolerance       decimal.Decimal  `json:"tolerance"`
	Status          string           `json:"status"`
	ResolutionNotes *string          `json:"resolution_notes,omitempty"`
	ResolvedBy      *string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

type Setting struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	UpdatedBy *string    `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type AuditEntry struct {
	ID         int64           `json:"id"`
	ActorType  string          `json:"actor_type"`
	ActorID    *string         `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	PrevState  *string         `json:"prev_state,omitempty"`
	NextState  *string         `json:"next_state,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func OrderFromRow(row repository.FulfillmentOrder) Order {
	out := Order{
		ID:            repository.FromPgUUID(row.ID),
		OrderType:     row.OrderType,
		CustomerID:    row.CustomerID,
		ReferenceID:   row.ReferenceID,
		Asset:         row.Asset,
		USDAmount:     row.UsdAmount,
		AssetAmount:   nullDecimal(row.AssetAmount),
		PriceUSD:      nullDecimal(row.PriceUsd),
		Destination:   row.Destination,
		Status:        row.Status,
		KycStatus:     row.KycStatus,
		BlockedReason: row.BlockedReason,
		FailedReason:  row.FailedReason,
		TxHash:        row.TxHash,
		Attempt:       row.Attempt,
		CreatedAt:     row.CreatedAt.Time,
		UpdatedAt:     row.UpdatedAt.Time,
		CompletedAt:   repository.TimePtr(row.CompletedAt),
	}
	if row.ReservationID.Valid {
		id := repository.FromPgUUID(row.ReservationID)
		out.ReservationID = &id
	}
	return out
}

func AttemptFromRow(row repository.FulfillmentAttempt) Attempt {
	return Attempt{
		ID:           repository.FromPgUUID(row.ID),
		OrderID:      repository.FromPgUUID(row.OrderID),
		AttemptNo:    row.AttemptNo,
		Status:       row.Status,
		TxHash:       row.TxHash,
		FailedReason: row.FailedReason,
		StartedAt:    row.StartedAt.Time,
		FinishedAt:   repository.TimePtr(row.FinishedAt),
	}
}

func LotFromRow(row repository.InventoryLot) Lot {
	return Lot{
		ID:              repository.FromPgUUID(row.ID),
		Asset:           row.Asset,
		TotalAmount:     row.TotalAmount,
		AvailableAmount: row.AvailableAmount,
		Source:          row.Source,
		Reference:       row.Reference,
		ReceivedAt:      row.ReceivedAt.Time,
		ExpiresAt:       repository.TimePtr(row.ExpiresAt),
		CreatedAt:       row.CreatedAt.Time,
	}
}

func ReservationFromRow(row repository.InventoryReservation) Reservation {
	return Reservation{
		ID:        repository.FromPgUUID(row.ID),
		OrderID:   repository.FromPgUUID(row.OrderID),
		Asset:     row.Asset,
		Amount:    row.Amount,
		Status:    row.Status,
		CreatedAt: row.CreatedAt.Time,
		SettledAt: repository.TimePtr(row.SettledAt),
	}
}

func ReconciliationFromRow(row repository.ReconciliationRecord) Reconciliation {
	return Reconciliation{
		ID:              repository.FromPgUUID(row.ID),
		Asset:           row.Asset,
		OnchainBalance:  nullDecimal(row.OnchainBalance),
		DatabaseBalance: row.DatabaseBalance,
		Discrepancy:     nullDecimal(row.Discrepancy),
		DiscrepancyPct:  nullDecimal(row.DiscrepancyPct),
		Tolerance:       row.Tolerance,
		Status:          row.Status,
		ResolutionNotes: row.ResolutionNotes,
		ResolvedBy:      row.ResolvedBy,
		ResolvedAt:      repository.TimePtr(row.ResolvedAt),
		CreatedAt:       row.CreatedAt.Time,
	}
}

func SettingFromRow(row repository.SystemSetting) Setting {
	return Setting{
		Key:       row.Key,
		Value:     row.Value,
		UpdatedBy: row.UpdatedBy,
		UpdatedAt: repository.TimePtr(row.UpdatedAt),
	}
}

func AuditEntryFromRow(row repository.AuditLog) AuditEntry {
	return AuditEntry{
		ID:         row.ID,
		ActorType:  row.ActorType,
		ActorID:    row.ActorID,
		Action:     row.Action,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		PrevState:  row.PrevState,
		NextState:  row.NextState,
		Metadata:   json.RawMessage(row.Metadata),
		CreatedAt:  row.CreatedAt.Time,
	}
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
