package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/kyc"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/pricing"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultAllocatorBatchSize int32 = 200

// Blocked reasons written to fulfillment_orders.blocked_reason.
const (
	reasonPayoutsPaused     = "payouts paused"
	reasonUSDCPayoutsPaused = "usdc payouts paused"
	reasonPerTxLimit        = "per-transaction limit"
	reasonDailyLimit        = "daily limit"
	reasonNoInventory       = "insufficient inventory"
)

// AllocationSummary counts per-order outcomes of one allocator pass.
type AllocationSummary struct {
	Processed int `json:"processed"`
	Allocated int `json:"allocated"`
	Blocked   int `json:"blocked"`
	Errors    int `json:"errors"`
}

type allocOutcome int

const (
	outcomeUnchanged allocOutcome = iota
	outcomeAllocated
	outcomeBlocked
	outcomeSkipped
)

func (o allocOutcome) String() string {
	switch o {
	case outcomeAllocated:
		return "allocated"
	case outcomeBlocked:
		return "blocked"
	case outcomeSkipped:
		return "skipped"
	default:
		return "unchanged"
	}
}

// allocOptions controls one evaluation. Strict evaluations return the typed
// blocking error and write nothing instead of parking the order.
type allocOptions struct {
	actor        domain.Actor
	action       string
	from         []string
	bypassLimits bool
	strict       bool
}

func (o allocOptions) allows(status string) bool {
	for _, s := range o.from {
		if s == status {
			return true
		}
	}
	return false
}

var passOptions = allocOptions{
	actor:  domain.SystemActor,
	action: "allocator.evaluate",
	from: []string{
		domain.OrderStatusSubmitted,
		domain.OrderStatusKycPending,
		domain.OrderStatusWaitingInventory,
	},
}

// AllocatorService matches eligible orders to inventory under the KYC, pause
// and BTC limit gates.
type AllocatorService struct {
	store     QueryStore
	ledger    *LedgerService
	settings  *SettingsService
	kyc       kyc.Provider
	oracle    pricing.Oracle
	machine   *orderMachine
	batchSize int32
	now       func() time.Time
}

func NewAllocatorService(store QueryStore, audit *AuditService, ledger *LedgerService, settings *SettingsService, kycProvider kyc.Provider, oracle pricing.Oracle, publisher events.Publisher) *AllocatorService {
	return &AllocatorService{
		store:     store,
		ledger:    ledger,
		settings:  settings,
		kyc:       kycProvider,
		oracle:    oracle,
		machine:   newOrderMachine(audit, publisher),
		batchSize: defaultAllocatorBatchSize,
		now:       time.Now,
	}
}

// WithBatchSize bounds the number of orders evaluated per pass.
func (s *AllocatorService) WithBatchSize(n int32) *AllocatorService {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run evaluates queued orders oldest first. A failing order is logged and
// counted; it never aborts the pass.
func (s *AllocatorService) Run(ctx context.Context) (AllocationSummary, error) {
	var summary AllocationSummary

	settings, err := s.settings.Load(ctx)
	if err != nil {
		return summary, err
	}
	orders, err := s.store.Queries().ListOrdersByStatuses(ctx, repository.ListOrdersByStatusesParams{
		Statuses: passOptions.from,
		Limit:    s.batchSize,
	})
	if err != nil {
		return summary, fmt.Errorf("list allocatable orders: %w", err)
	}

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++
		outcome, _, err := s.evaluate(ctx, settings, order, passOptions)
		orderID := repository.FromPgUUID(order.ID).String()
		if err != nil {
			summary.Errors++
			observability.IncrementAllocation(order.Asset, "error")
			zap.L().Error("allocation failed", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeAllocated:
			summary.Allocated++
		case outcomeBlocked, outcomeUnchanged:
			summary.Blocked++
		}
		observability.IncrementAllocation(order.Asset, outcome.String())
	}

	s.checkInventory(ctx, settings)
	if summary.Processed > 0 {
		zap.L().Info("allocator pass finished",
			zap.Int("processed", summary.Processed),
			zap.Int("allocated", summary.Allocated),
			zap.Int("blocked", summary.Blocked),
			zap.Int("errors", summary.Errors))
	}
	return summary, nil
}

// evaluateByID loads fresh settings and evaluates a single order.
func (s *AllocatorService) evaluateByID(ctx context.Context, orderID uuid.UUID, opts allocOptions) (repository.FulfillmentOrder, allocOutcome, error) {
	settings, err := s.settings.Load(ctx)
	if err != nil {
		return repository.FulfillmentOrder{}, outcomeUnchanged, err
	}
	order, err := s.store.Queries().GetOrder(ctx, repository.ToPgUUID(orderID))
	if err != nil {
		if isNoRows(err) {
			return repository.FulfillmentOrder{}, outcomeUnchanged, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return repository.FulfillmentOrder{}, outcomeUnchanged, fmt.Errorf("get order: %w", err)
	}
	if !opts.allows(order.Status) {
		return order, outcomeUnchanged, fmt.Errorf("%w: %s cannot be evaluated from %s", domain.ErrInvalidTransition, opts.action, order.Status)
	}
	outcome, updated, err := s.evaluate(ctx, settings, order, opts)
	return updated, outcome, err
}

// quote returns the amount to deliver and the oracle price used, if any.
// Orders submitted with a fixed asset amount carry no price.
func (s *AllocatorService) quote(ctx context.Context, order repository.FulfillmentOrder) (domain.Amount, decimal.NullDecimal, error) {
	if order.AssetAmount.Valid && !order.PriceUsd.Valid {
		return domain.NewAmount(order.AssetAmount.Decimal, order.Asset), decimal.NullDecimal{}, nil
	}
	price, err := s.oracle.USDPrice(ctx, order.Asset)
	if err != nil {
		return domain.Amount{}, decimal.NullDecimal{}, fmt.Errorf("price %s: %w", order.Asset, err)
	}
	amount, err := domain.FromUSD(order.UsdAmount, price, order.Asset)
	if err != nil {
		return domain.Amount{}, decimal.NullDecimal{}, err
	}
	if !amount.IsPositive() {
		return domain.Amount{}, decimal.NullDecimal{}, fmt.Errorf("%w: %s USD rounds to zero %s", domain.ErrInvalidAmount, order.UsdAmount, order.Asset)
	}
	return amount, nullDecimal(price), nil
}

type blockDecision struct {
	status string
	reason string
	err    error
}

func (s *AllocatorService) evaluate(ctx context.Context, settings Settings, order repository.FulfillmentOrder, opts allocOptions) (allocOutcome, repository.FulfillmentOrder, error) {
	kycStatus, err := s.kyc.Status(ctx, order.CustomerID)
	if err != nil {
		return outcomeUnchanged, order, fmt.Errorf("kyc status: %w", err)
	}

	var block *blockDecision
	switch {
	case kycStatus != domain.KycApproved:
		block = &blockDecision{
			status: domain.OrderStatusKycPending,
			reason: "kyc " + kycStatus,
			err:    domain.ErrKycNotApproved,
		}
	case settings.PayoutsPaused:
		block = &blockDecision{status: domain.OrderStatusWaitingInventory, reason: reasonPayoutsPaused, err: domain.ErrPayoutsPaused}
	case settings.PausedFor(order.Asset):
		block = &blockDecision{status: domain.OrderStatusWaitingInventory, reason: reasonUSDCPayoutsPaused, err: domain.ErrPayoutsPaused}
	}
	if block != nil && opts.strict {
		return outcomeBlocked, order, fmt.Errorf("%w: %s", block.err, block.reason)
	}

	var amount domain.Amount
	var price decimal.NullDecimal
	if block == nil {
		amount, price, err = s.quote(ctx, order)
		if err != nil {
			return outcomeUnchanged, order, err
		}
	}

	orderID := repository.FromPgUUID(order.ID)
	outcome := outcomeUnchanged
	result := order
	var outbox []events.Event
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		current, err := qtx.GetOrderForUpdate(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if current.Status != order.Status || !opts.allows(current.Status) {
			outcome = outcomeSkipped
			result = current
			return nil
		}

		extra := map[string]any{"kyc_status": kycStatus}
		if block == nil {
			block, err = s.checkLimits(ctx, qtx, settings, current, amount, opts, extra)
			if err != nil {
				return err
			}
		}

		if block == nil {
			res, err := s.ledger.Reserve(ctx, qtx, current.Asset, amount.Value, orderID)
			switch {
			case errors.Is(err, domain.ErrInsufficientInventory):
				block = &blockDecision{status: domain.OrderStatusWaitingInventory, reason: reasonNoInventory, err: err}
			case err != nil:
				return err
			default:
				extra["amount"] = amount.String()
				result, err = s.machine.transition(ctx, qtx, current, orderChange{
					Next:   domain.OrderStatusReadyToSend,
					Action: opts.action,
					Actor:  opts.actor,
					Extra:  extra,
					Apply: func(p *repository.UpdateOrderParams) {
						p.KycStatus = kycStatus
						p.BlockedReason = nil
						p.FailedReason = nil
						p.AssetAmount = nullDecimal(amount.Value)
						p.PriceUsd = price
						p.ReservationID = res.ID
					},
				}, &outbox)
				if err != nil {
					return err
				}
				outcome = outcomeAllocated
				return nil
			}
		}

		if opts.strict {
			if errors.Is(block.err, domain.ErrInsufficientInventory) {
				return block.err
			}
			return fmt.Errorf("%w: %s", block.err, block.reason)
		}
		outcome = outcomeBlocked
		if current.Status == block.status && deref(current.BlockedReason) == block.reason && current.KycStatus == kycStatus {
			return nil
		}
		reason := block.reason
		result, err = s.machine.transition(ctx, qtx, current, orderChange{
			Next:   block.status,
			Action: opts.action,
			Actor:  opts.actor,
			Extra:  extra,
			Apply: func(p *repository.UpdateOrderParams) {
				p.KycStatus = kycStatus
				p.BlockedReason = &reason
			},
		}, &outbox)
		return err
	})
	if err != nil {
		return outcomeUnchanged, order, err
	}

	s.machine.flush(ctx, outbox)
	if outcome == outcomeAllocated {
		zap.L().Info("order allocated",
			zap.String("order_id", orderID.String()),
			zap.String("amount", amount.String()))
	}
	return outcome, result, nil
}

// checkLimits applies the BTC per-transaction and daily caps. Committed
// volume is read under the ledger lock so concurrent passes cannot both
// spend the remaining daily headroom.
func (s *AllocatorService) checkLimits(ctx context.Context, qtx repository.Querier, settings Settings, order repository.FulfillmentOrder, amount domain.Amount, opts allocOptions, extra map[string]any) (*blockDecision, error) {
	if order.Asset != domain.AssetBTC || opts.bypassLimits {
		return nil, nil
	}
	if amount.Value.GreaterThan(settings.MaxTxBTCLimit) {
		extra["max_tx_btc_limit"] = settings.MaxTxBTCLimit.String()
		return &blockDecision{status: domain.OrderStatusWaitingInventory, reason: reasonPerTxLimit, err: domain.ErrLimitExceeded}, nil
	}
	if err := qtx.LockAssetLedger(ctx, domain.AssetBTC); err != nil {
		return nil, fmt.Errorf("lock BTC ledger: %w", err)
	}
	committed, err := qtx.SumCommittedSince(ctx, repository.SumCommittedSinceParams{
		Asset: domain.AssetBTC,
		Since: repository.Timestamptz(startOfUTCDay(s.now())),
	})
	if err != nil {
		return nil, fmt.Errorf("sum committed BTC: %w", err)
	}
	extra["committed_today"] = committed.String()
	if committed.Add(amount.Value).GreaterThan(settings.DailyBTCLimit) {
		extra["daily_btc_limit"] = settings.DailyBTCLimit.String()
		return &blockDecision{status: domain.OrderStatusWaitingInventory, reason: reasonDailyLimit, err: domain.ErrLimitExceeded}, nil
	}
	return nil, nil
}

// checkInventory updates the eligible-inventory gauges and raises a
// low-inventory alert when BTC drops below the configured threshold.
func (s *AllocatorService) checkInventory(ctx context.Context, settings Settings) {
	for _, asset := range []string{domain.AssetBTC, domain.AssetUSDC} {
		eligible, err := s.ledger.EligibleBalance(ctx, asset)
		if err != nil {
			zap.L().Warn("eligible balance check failed", zap.String("asset", asset), zap.Error(err))
			continue
		}
		observability.SetEligibleInventory(asset, eligible.InexactFloat64())
		if asset != domain.AssetBTC || !eligible.LessThan(settings.LowInventoryThreshold) {
			continue
		}

		observability.IncrementLowInventory(asset)
		zap.L().Warn("low inventory",
			zap.String("asset", asset),
			zap.String("eligible", eligible.String()),
			zap.String("threshold", settings.LowInventoryThreshold.String()))
		s.machine.flush(ctx, []events.Event{s.machine.alert(events.TypeLowInventory, asset, map[string]any{
			"asset":     asset,
			"eligible":  eligible.String(),
			"threshold": settings.LowInventoryThreshold.String(),
		})})
	}
}
