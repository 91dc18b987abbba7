package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// ReconciliationService compares ledger-derived balances with custody
// balances. It records findings only and never adjusts the ledger.
type ReconciliationService struct {
	store     QueryStore
	audit     *AuditService
	ledger    *LedgerService
	custody   custody.Provider
	publisher events.Publisher
	tolerance decimal.Decimal
}

func NewReconciliationService(store QueryStore, audit *AuditService, ledger *LedgerService, provider custody.Provider, publisher events.Publisher, tolerance decimal.Decimal) *ReconciliationService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	return &ReconciliationService{
		store:     store,
		audit:     audit,
		ledger:    ledger,
		custody:   provider,
		publisher: publisher,
		tolerance: tolerance,
	}
}

// databaseBalance is eligible lot inventory plus units held by open reservations.
func (s *ReconciliationService) databaseBalance(ctx context.Context, qtx repository.Querier, asset string) (decimal.Decimal, error) {
	eligible, err := s.ledger.eligible(ctx, qtx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	held, err := qtx.SumReservations(ctx, repository.SumReservationsParams{Asset: asset, Status: domain.ReservationHeld})
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum held reservations: %w", err)
	}
	return eligible.Add(held), nil
}

// discrepancyPct is discrepancy relative to the database balance, in percent.
// A zero database balance yields 0 when both sides are zero and 100 otherwise.
func discrepancyPct(discrepancy, database decimal.Decimal) decimal.Decimal {
	if database.IsZero() {
		if discrepancy.IsZero() {
			return decimal.Zero
		}
		return hundred
	}
	return discrepancy.Div(database).Mul(hundred).Round(4)
}

// Record persists a comparison between the reported on-chain balance and the ledger.
func (s *ReconciliationService) Record(ctx context.Context, asset string, onchain decimal.Decimal) (models.Reconciliation, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if err := validateAsset(asset); err != nil {
		return models.Reconciliation{}, err
	}
	if onchain.IsNegative() {
		return models.Reconciliation{}, fmt.Errorf("%w: negative on-chain balance %s", domain.ErrInvalidAmount, onchain)
	}

	var record repository.ReconciliationRecord
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		database, err := s.databaseBalance(ctx, qtx, asset)
		if err != nil {
			return err
		}
		discrepancy := onchain.Sub(database)
		status := domain.ReconciliationMatched
		if discrepancy.Abs().GreaterThan(s.tolerance) {
			status = domain.ReconciliationDiscrepancy
		}

		record, err = qtx.InsertReconciliation(ctx, repository.InsertReconciliationParams{
			ID:              repository.ToPgUUID(uuid.New()),
			Asset:           asset,
			OnchainBalance:  nullDecimal(onchain),
			DatabaseBalance: database,
			Discrepancy:     nullDecimal(discrepancy),
			DiscrepancyPct:  nullDecimal(discrepancyPct(discrepancy, database)),
			Tolerance:       s.tolerance,
			Status:          status,
		})
		if err != nil {
			return fmt.Errorf("insert reconciliation: %w", err)
		}
		return s.audit.Write(ctx, qtx, AuditRecord{
			Actor:      domain.SystemActor,
			Action:     "reconciliation.record",
			EntityType: domain.EntityReconciliation,
			EntityID:   repository.FromPgUUID(record.ID).String(),
			NextState:  status,
			After:      reconciliationAuditView(record),
		})
	})
	if err != nil {
		return models.Reconciliation{}, err
	}

	pct, _ := record.DiscrepancyPct.Decimal.Float64()
	isDiscrepancy := record.Status == domain.ReconciliationDiscrepancy
	observability.RecordReconciliation(asset, pct, isDiscrepancy)

	logger := zap.L().With(
		zap.String("asset", asset),
		zap.String("onchain", onchain.String()),
		zap.String("database", record.DatabaseBalance.String()),
		zap.String("discrepancy", record.Discrepancy.Decimal.String()))
	if isDiscrepancy {
		logger.Error("reconciliation discrepancy detected")
		id := repository.FromPgUUID(record.ID).String()
		s.publish(ctx, events.Event{
			Type:       events.TypeReconciliationAlert,
			Key:        id,
			OccurredAt: record.CreatedAt.Time.UTC(),
			Payload: map[string]any{
				"reconciliation_id": id,
				"asset":             asset,
				"onchain_balance":   onchain.String(),
				"database_balance":  record.DatabaseBalance.String(),
				"discrepancy":       record.Discrepancy.Decimal.String(),
				"discrepancy_pct":   record.DiscrepancyPct.Decimal.String(),
			},
		})
	} else {
		logger.Info("reconciliation matched")
	}
	return models.ReconciliationFromRow(record), nil
}

// Run fetches the custody balance and records it. When the provider cannot
// answer, a PENDING record with no on-chain figures is written and the
// provider error is returned.
func (s *ReconciliationService) Run(ctx context.Context, asset string) (models.Reconciliation, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if err := validateAsset(asset); err != nil {
		return models.Reconciliation{}, err
	}

	onchain, custodyErr := s.custody.OnchainBalance(ctx, asset)
	if custodyErr == nil {
		return s.Record(ctx, asset, onchain)
	}
	zap.L().Warn("custody balance unavailable; recording pending reconciliation",
		zap.String("asset", asset), zap.Error(custodyErr))
	ctx = context.WithoutCancel(ctx)

	var record repository.ReconciliationRecord
	txErr := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		database, err := s.databaseBalance(ctx, qtx, asset)
		if err != nil {
			return err
		}
		record, err = qtx.InsertReconciliation(ctx, repository.InsertReconciliationParams{
			ID:              repository.ToPgUUID(uuid.New()),
			Asset:           asset,
			DatabaseBalance: database,
			Tolerance:       s.tolerance,
			Status:          domain.ReconciliationPending,
		})
		if err != nil {
			return fmt.Errorf("insert pending reconciliation: %w", err)
		}
		return s.audit.Write(ctx, qtx, AuditRecord{
			Actor:      domain.SystemActor,
			Action:     "reconciliation.pending",
			EntityType: domain.EntityReconciliation,
			EntityID:   repository.FromPgUUID(record.ID).String(),
			NextState:  domain.ReconciliationPending,
			After:      reconciliationAuditView(record),
			Extra:      map[string]any{"custody_error": custodyErr.Error()},
		})
	})
	if txErr != nil {
		return models.Reconciliation{}, fmt.Errorf("fetch onchain balance: %w (pending record failed: %v)", custodyErr, txErr)
	}
	return models.ReconciliationFromRow(record), fmt.Errorf("fetch onchain balance: %w", custodyErr)
}

// Resolve closes a DISCREPANCY or PENDING record with the admin's notes.
func (s *ReconciliationService) Resolve(ctx context.Context, actor domain.Actor, id uuid.UUID, notes string) (models.Reconciliation, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Reconciliation{}, err
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return models.Reconciliation{}, domain.ErrNotesRequired
	}

	var resolved repository.ReconciliationRecord
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		current, err := qtx.GetReconciliationForUpdate(ctx, repository.ToPgUUID(id))
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", domain.ErrReconciliationNotFound, id)
			}
			return fmt.Errorf("lock reconciliation: %w", err)
		}
		if current.Status != domain.ReconciliationDiscrepancy && current.Status != domain.ReconciliationPending {
			return fmt.Errorf("%w: status is %s", domain.ErrNotResolvable, current.Status)
		}

		rows, err := qtx.ResolveReconciliation(ctx, repository.ResolveReconciliationParams{
			ID:              current.ID,
			ResolutionNotes: notes,
			ResolvedBy:      actor.ID,
		})
		if err != nil {
			return fmt.Errorf("resolve reconciliation: %w", err)
		}
		if err := requireExactlyOne(rows, "resolve reconciliation"); err != nil {
			return err
		}
		resolved, err = qtx.GetReconciliation(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("reload reconciliation: %w", err)
		}
		return s.audit.Write(ctx, qtx, AuditRecord{
			Actor:      actor,
			Action:     "reconciliation.resolve",
			EntityType: domain.EntityReconciliation,
			EntityID:   id.String(),
			PrevState:  current.Status,
			NextState:  resolved.Status,
			Before:     reconciliationAuditView(current),
			After:      reconciliationAuditView(resolved),
			Extra:      map[string]any{"notes": notes},
		})
	})
	if err != nil {
		return models.Reconciliation{}, err
	}
	return models.ReconciliationFromRow(resolved), nil
}

func (s *ReconciliationService) Get(ctx context.Context, id uuid.UUID) (models.Reconciliation, error) {
	row, err := s.store.Queries().GetReconciliation(ctx, repository.ToPgUUID(id))
	if err != nil {
		if isNoRows(err) {
			return models.Reconciliation{}, fmt.Errorf("%w: %s", domain.ErrReconciliationNotFound, id)
		}
		return models.Reconciliation{}, fmt.Errorf("get reconciliation: %w", err)
	}
	return models.ReconciliationFromRow(row), nil
}

func (s *ReconciliationService) List(ctx context.Context, status, asset string, limit, offset int32) ([]models.Reconciliation, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case "", domain.ReconciliationPending, domain.ReconciliationMatched, domain.ReconciliationDiscrepancy, domain.ReconciliationResolved:
	default:
		return nil, fmt.Errorf("%w: unknown reconciliation status %q", domain.ErrInvalidOrder, status)
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.store.Queries().ListReconciliations(ctx, repository.ListReconciliationsParams{
		Status: status,
		Asset:  strings.ToUpper(strings.TrimSpace(asset)),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list reconciliations: %w", err)
	}
	out := make([]models.Reconciliation, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ReconciliationFromRow(row))
	}
	return out, nil
}

func (s *ReconciliationService) publish(ctx context.Context, evs ...events.Event) {
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		observability.IncrementEventPublish("error")
		zap.L().Warn("publish reconciliation alert failed", zap.Error(err))
		return
	}
	observability.IncrementEventPublish("ok")
}

func reconciliationAuditView(r repository.ReconciliationRecord) map[string]any {
	view := map[string]any{
		"asset":            r.Asset,
		"status":           r.Status,
		"database_balance": r.DatabaseBalance.String(),
		"tolerance":        r.Tolerance.String(),
	}
	if r.OnchainBalance.Valid {
		view["onchain_balance"] = r.OnchainBalance.Decimal.String()
	}
	if r.Discrepancy.Valid {
		view["discrepancy"] = r.Discrepancy.Decimal.String()
	}
	if r.ResolutionNotes != nil {
		view["resolution_notes"] = *r.ResolutionNotes
	}
	return view
}
