package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerService tracks custodial inventory as lots. All mutations take the
// per-asset ledger lock, so reservations for one asset are serialized.
type LedgerService struct {
	store QueryStore
	audit *AuditService
	now   func() time.Time
}

func NewLedgerService(store QueryStore, audit *AuditService) *LedgerService {
	return &LedgerService{store: store, audit: audit, now: time.Now}
}

func validateAsset(asset string) error {
	if _, ok := domain.ValidAssets[asset]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset)
	}
	return nil
}

// EligibleBalance is the available amount of non-expired lots.
func (s *LedgerService) EligibleBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return s.eligible(ctx, s.store.Queries(), asset)
}

func (s *LedgerService) eligible(ctx context.Context, q repository.Querier, asset string) (decimal.Decimal, error) {
	if err := validateAsset(asset); err != nil {
		return decimal.Zero, err
	}
	total, err := q.SumEligibleBalance(ctx, repository.SumEligibleBalanceParams{
		Asset: asset,
		AsOf:  repository.Timestamptz(s.now()),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum eligible %s: %w", asset, err)
	}
	return total, nil
}

type lotDraw struct {
	lotID  uuid.UUID
	amount decimal.Decimal
}

// Reserve draws amount from the oldest eligible lots and returns a HELD
// reservation. It must run inside the caller's transaction.
func (s *LedgerService) Reserve(ctx context.Context, qtx repository.Querier, asset string, amount decimal.Decimal, orderID uuid.UUID) (repository.InventoryReservation, error) {
	if err := validateAsset(asset); err != nil {
		return repository.InventoryReservation{}, err
	}
	if !amount.IsPositive() {
		return repository.InventoryReservation{}, fmt.Errorf("%w: reserve amount must be positive", domain.ErrInvalidAmount)
	}
	if err := qtx.LockAssetLedger(ctx, asset); err != nil {
		return repository.InventoryReservation{}, fmt.Errorf("lock %s ledger: %w", asset, err)
	}

	lots, err := qtx.ListAvailableLotsForUpdate(ctx, repository.ListAvailableLotsForUpdateParams{
		Asset: asset,
		AsOf:  repository.Timestamptz(s.now()),
	})
	if err != nil {
		return repository.InventoryReservation{}, fmt.Errorf("list %s lots: %w", asset, err)
	}

	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.AvailableAmount)
	}
	if available.LessThan(amount) {
		return repository.InventoryReservation{}, fmt.Errorf("%w: need %s %s, eligible %s", domain.ErrInsufficientInventory, amount, asset, available)
	}

	remaining := amount
	draws := make([]lotDraw, 0, 2)
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.AvailableAmount)
		if !take.IsPositive() {
			continue
		}
		rows, err := qtx.UpdateLotAvailable(ctx, repository.UpdateLotAvailableParams{
			ID:              lot.ID,
			AvailableAmount: lot.AvailableAmount.Sub(take),
		})
		if err != nil {
			return repository.InventoryReservation{}, fmt.Errorf("decrement lot: %w", err)
		}
		if err := requireExactlyOne(rows, "decrement lot"); err != nil {
			return repository.InventoryReservation{}, err
		}
		draws = append(draws, lotDraw{lotID: repository.FromPgUUID(lot.ID), amount: take})
		remaining = remaining.Sub(take)
	}

	res, err := qtx.InsertReservation(ctx, repository.InsertReservationParams{
		ID:      repository.ToPgUUID(uuid.New()),
		OrderID: repository.ToPgUUID(orderID),
		Asset:   asset,
		Amount:  amount,
	})
	if err != nil {
		return repository.InventoryReservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	lotsMeta := make([]map[string]string, 0, len(draws))
	for _, d := range draws {
		if err := qtx.InsertReservationAllocation(ctx, repository.InsertReservationAllocationParams{
			ReservationID: res.ID,
			LotID:         repository.ToPgUUID(d.lotID),
			Amount:        d.amount,
		}); err != nil {
			return repository.InventoryReservation{}, fmt.Errorf("insert reservation allocation: %w", err)
		}
		lotsMeta = append(lotsMeta, map[string]string{"lot_id": d.lotID.String(), "amount": d.amount.String()})
	}

	if err := s.audit.Write(ctx, qtx, AuditRecord{
		Actor:      domain.SystemActor,
		Action:     "inventory.reserve",
		EntityType: domain.EntityReservation,
		EntityID:   repository.FromPgUUID(res.ID).String(),
		NextState:  domain.ReservationHeld,
		After:      reservationAuditView(res),
		Extra:      map[string]any{"lots": lotsMeta, "order_id": orderID.String()},
	}); err != nil {
		return repository.InventoryReservation{}, err
	}
	return res, nil
}

// Release returns every allocated unit to its lot and marks the reservation RELEASED.
func (s *LedgerService) Release(ctx context.Context, qtx repository.Querier, reservationID uuid.UUID) error {
	return s.settle(ctx, qtx, reservationID, domain.ReservationReleased)
}

// ConfirmSpend marks the reservation CONFIRMED; the units have left custody.
func (s *LedgerService) ConfirmSpend(ctx context.Context, qtx repository.Querier, reservationID uuid.UUID) error {
	return s.settle(ctx, qtx, reservationID, domain.ReservationConfirmed)
}

func (s *LedgerService) settle(ctx context.Context, qtx repository.Querier, reservationID uuid.UUID, status string) error {
	res, err := qtx.GetReservationForUpdate(ctx, repository.ToPgUUID(reservationID))
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, reservationID)
		}
		return fmt.Errorf("lock reservation: %w", err)
	}
	if res.Status != domain.ReservationHeld {
		return fmt.Errorf("%w: %s is %s", domain.ErrReservationSettled, reservationID, res.Status)
	}
	if err := qtx.LockAssetLedger(ctx, res.Asset); err != nil {
		return fmt.Errorf("lock %s ledger: %w", res.Asset, err)
	}

	if status == domain.ReservationReleased {
		allocations, err := qtx.ListReservationAllocations(ctx, res.ID)
		if err != nil {
			return fmt.Errorf("list reservation allocations: %w", err)
		}
		for _, a := range allocations {
			lot, err := qtx.GetLotForUpdate(ctx, a.LotID)
			if err != nil {
				return fmt.Errorf("lock lot for release: %w", err)
			}
			rows, err := qtx.UpdateLotAvailable(ctx, repository.UpdateLotAvailableParams{
				ID:              lot.ID,
				AvailableAmount: lot.AvailableAmount.Add(a.Amount),
			})
			if err != nil {
				return fmt.Errorf("return units to lot: %w", err)
			}
			if err := requireExactlyOne(rows, "return units to lot"); err != nil {
				return err
			}
		}
	}

	rows, err := qtx.SettleReservation(ctx, repository.SettleReservationParams{ID: res.ID, Status: status})
	if err != nil {
		return fmt.Errorf("settle reservation: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("%w: %s", domain.ErrReservationSettled, reservationID)
	}

	after := res
	after.Status = status
	action := "inventory.release"
	if status == domain.ReservationConfirmed {
		action = "inventory.confirm_spend"
	}
	return s.audit.Write(ctx, qtx, AuditRecord{
		Actor:      domain.SystemActor,
		Action:     action,
		EntityType: domain.EntityReservation,
		EntityID:   reservationID.String(),
		PrevState:  domain.ReservationHeld,
		NextState:  status,
		Before:     reservationAuditView(res),
		After:      reservationAuditView(after),
		Extra:      map[string]any{"order_id": repository.FromPgUUID(res.OrderID).String()},
	})
}

func reservationAuditView(r repository.InventoryReservation) map[string]string {
	return map[string]string{
		"status": r.Status,
		"asset":  r.Asset,
		"amount": r.Amount.String(),
	}
}

func lotAuditView(l repository.InventoryLot) map[string]string {
	return map[string]string{
		"asset":            l.Asset,
		"total_amount":     l.TotalAmount.String(),
		"available_amount": l.AvailableAmount.String(),
		"source":           l.Source,
	}
}

// TopUpRequest records inventory received into custody.
type TopUpRequest struct {
	Asset      string
	Amount     decimal.Decimal
	Source     string
	Reference  string
	ReceivedAt time.Time
	ExpiresAt  *time.Time
}

// TopUp adds a new lot. Admin only.
func (s *LedgerService) TopUp(ctx context.Context, actor domain.Actor, req TopUpRequest) (models.Lot, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Lot{}, err
	}
	if err := validateAsset(req.Asset); err != nil {
		return models.Lot{}, err
	}
	amount := domain.NewAmount(req.Amount, req.Asset).Value
	if !amount.IsPositive() {
		return models.Lot{}, fmt.Errorf("%w: top-up amount must be positive", domain.ErrInvalidAmount)
	}
	source := strings.ToUpper(strings.TrimSpace(req.Source))
	if source == "" {
		source = domain.LotSourceManualTopUp
	}
	if _, ok := domain.ValidLotSources[source]; !ok {
		return models.Lot{}, fmt.Errorf("%w: unknown lot source %q", domain.ErrInvalidAmount, req.Source)
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	var expiresAt time.Time
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(receivedAt) {
			return models.Lot{}, fmt.Errorf("%w: lot expires before it is received", domain.ErrInvalidAmount)
		}
		expiresAt = *req.ExpiresAt
	}

	var lot repository.InventoryLot
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := qtx.LockAssetLedger(ctx, req.Asset); err != nil {
			return fmt.Errorf("lock %s ledger: %w", req.Asset, err)
		}
		var err error
		lot, err = qtx.InsertLot(ctx, repository.InsertLotParams{
			ID:          repository.ToPgUUID(uuid.New()),
			Asset:       req.Asset,
			TotalAmount: amount,
			Source:      source,
			Reference:   textParam(req.Reference),
			ReceivedAt:  repository.Timestamptz(receivedAt),
			ExpiresAt:   repository.Timestamptz(expiresAt),
		})
		if err != nil {
			return fmt.Errorf("insert lot: %w", err)
		}
		return s.audit.Write(ctx, qtx, AuditRecord{
			Actor:      actor,
			Action:     "inventory.top_up",
			EntityType: domain.EntityLot,
			EntityID:   repository.FromPgUUID(lot.ID).String(),
			After:      lotAuditView(lot),
			Extra:      map[string]any{"reference": req.Reference},
		})
	})
	if err != nil {
		return models.Lot{}, err
	}

	zap.L().Info("inventory topped up",
		zap.String("asset", req.Asset),
		zap.String("amount", amount.String()),
		zap.String("lot_id", repository.FromPgUUID(lot.ID).String()))
	return models.LotFromRow(lot), nil
}

// AdjustLot sets a lot's total to newTotal, moving available by the same delta.
// It is the only correction path after a reconciliation discrepancy.
func (s *LedgerService) AdjustLot(ctx context.Context, actor domain.Actor, lotID uuid.UUID, newTotal decimal.Decimal, notes string) (models.Lot, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Lot{}, err
	}
	if strings.TrimSpace(notes) == "" {
		return models.Lot{}, domain.ErrNotesRequired
	}
	if newTotal.IsNegative() {
		return models.Lot{}, fmt.Errorf("%w: lot total cannot be negative", domain.ErrInvalidAmount)
	}

	var updated repository.InventoryLot
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		// Same lock order as Reserve: asset ledger, then lot rows.
		current, err := qtx.GetLot(ctx, repository.ToPgUUID(lotID))
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", domain.ErrLotNotFound, lotID)
			}
			return fmt.Errorf("get lot: %w", err)
		}
		if err := qtx.LockAssetLedger(ctx, current.Asset); err != nil {
			return fmt.Errorf("lock %s ledger: %w", current.Asset, err)
		}
		lot, err := qtx.GetLotForUpdate(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("lock lot: %w", err)
		}

		total := domain.NewAmount(newTotal, lot.Asset).Value
		available := lot.AvailableAmount.Add(total.Sub(lot.TotalAmount))
		if available.IsNegative() {
			return fmt.Errorf("%w: %s is already reserved or spent from this lot", domain.ErrInvalidAmount, lot.TotalAmount.Sub(lot.AvailableAmount))
		}
		rows, err := qtx.AdjustLot(ctx, repository.AdjustLotParams{
			ID:              lot.ID,
			TotalAmount:     total,
			AvailableAmount: available,
		})
		if err != nil {
			return fmt.Errorf("adjust lot: %w", err)
		}
		if err := requireExactlyOne(rows, "adjust lot"); err != nil {
			return err
		}

		updated = lot
		updated.TotalAmount = total
		updated.AvailableAmount = available
		return s.audit.Write(ctx, qtx, AuditRecord{
			Actor:      actor,
			Action:     "inventory.adjust",
			EntityType: domain.EntityLot,
			EntityID:   lotID.String(),
			Before:     lotAuditView(lot),
			After:      lotAuditView(updated),
			Extra:      map[string]any{"notes": notes},
		})
	})
	if err != nil {
		return models.Lot{}, err
	}
	return models.LotFromRow(updated), nil
}

// Snapshot reports eligible, held and confirmed totals for asset.
func (s *LedgerService) Snapshot(ctx context.Context, asset string) (models.InventorySnapshot, error) {
	if err := validateAsset(asset); err != nil {
		return models.InventorySnapshot{}, err
	}
	q := s.store.Queries()
	eligible, err := s.eligible(ctx, q, asset)
	if err != nil {
		return models.InventorySnapshot{}, err
	}
	held, err := q.SumReservations(ctx, repository.SumReservationsParams{Asset: asset, Status: domain.ReservationHeld})
	if err != nil {
		return models.InventorySnapshot{}, fmt.Errorf("sum held %s: %w", asset, err)
	}
	confirmed, err := q.SumReservations(ctx, repository.SumReservationsParams{Asset: asset, Status: domain.ReservationConfirmed})
	if err != nil {
		return models.InventorySnapshot{}, fmt.Errorf("sum confirmed %s: %w", asset, err)
	}
	return models.InventorySnapshot{Asset: asset, Eligible: eligible, Held: held, Confirmed: confirmed}, nil
}

func (s *LedgerService) ListLots(ctx context.Context, asset string, limit, offset int32) ([]models.Lot, error) {
	if err := validateAsset(asset); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.store.Queries().ListLots(ctx, repository.ListLotsParams{Asset: asset, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	out := make([]models.Lot, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.LotFromRow(row))
	}
	return out, nil
}
