package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// Pause scopes accepted by PausePayouts and ResumePayouts.
const (
	PauseScopeAll  = "ALL"
	PauseScopeUSDC = "USDC"
)

const defaultHoldReason = "held by admin"

// AdminService is the operator control surface over the order queue.
// Every operation checks the actor's role before touching state.
type AdminService struct {
	store     QueryStore
	ledger    *LedgerService
	settings  *SettingsService
	allocator *AllocatorService
	sender    *SenderService
	machine   *orderMachine
}

func NewAdminService(store QueryStore, audit *AuditService, ledger *LedgerService, settings *SettingsService, allocator *AllocatorService, sender *SenderService, publisher events.Publisher) *AdminService {
	return &AdminService{
		store:     store,
		ledger:    ledger,
		settings:  settings,
		allocator: allocator,
		sender:    sender,
		machine:   newOrderMachine(audit, publisher),
	}
}

// Hold parks an order and returns any held inventory to the pool.
func (s *AdminService) Hold(ctx context.Context, actor domain.Actor, orderID uuid.UUID, reason string) (models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Order{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultHoldReason
	}
	return s.mutate(ctx, orderID, func(qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error) {
		if !canTransition(order.Status, domain.OrderStatusHold) {
			return order, fmt.Errorf("%w: cannot hold a %s order", domain.ErrInvalidTransition, order.Status)
		}
		released := false
		if order.ReservationID.Valid && order.Status == domain.OrderStatusReadyToSend {
			if err := s.ledger.Release(ctx, qtx, repository.FromPgUUID(order.ReservationID)); err != nil {
				return order, err
			}
			released = true
		}
		return s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusHold,
			Action: "admin.hold",
			Actor:  actor,
			Extra:  map[string]any{"reason": reason, "reservation_released": released},
			Apply: func(p *repository.UpdateOrderParams) {
				p.BlockedReason = &reason
				p.ReservationID = pgtype.UUID{}
			},
		}, outbox)
	})
}

// Cancel ends an order that has not been sent. Cancellation is terminal.
func (s *AdminService) Cancel(ctx context.Context, actor domain.Actor, orderID uuid.UUID, reason string) (models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Order{}, err
	}
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, orderID, func(qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error) {
		return s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusCancelled,
			Action: "admin.cancel",
			Actor:  actor,
			Extra:  map[string]any{"reason": reason},
			Apply: func(p *repository.UpdateOrderParams) {
				p.BlockedReason = textParam(reason)
			},
		}, outbox)
	})
}

// Release re-runs the allocator gates for a held order. The order lands in
// READY_TO_SEND or back in the queue with the reason it is blocked.
func (s *AdminService) Release(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Order{}, err
	}
	row, outcome, err := s.allocator.evaluateByID(ctx, orderID, allocOptions{
		actor:  actor,
		action: "admin.release",
		from:   []string{domain.OrderStatusHold},
	})
	if err != nil {
		return models.Order{}, err
	}
	zap.L().Info("order released by admin",
		zap.String("order_id", orderID.String()),
		zap.String("outcome", outcome.String()),
		zap.String("actor", actor.ID))
	return models.OrderFromRow(row), nil
}

// Retry re-allocates a FAILED order. It fails with the blocking error
// instead of parking the order when a gate does not pass.
func (s *AdminService) Retry(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Order{}, err
	}
	row, _, err := s.allocator.evaluateByID(ctx, orderID, allocOptions{
		actor:  actor,
		action: "admin.retry",
		from:   []string{domain.OrderStatusFailed},
		strict: true,
	})
	if err != nil {
		return models.Order{}, err
	}
	return models.OrderFromRow(row), nil
}

// ForceSend allocates an order without the BTC limit checks and sends it
// immediately. KYC, inventory and pause flags still apply.
func (s *AdminService) ForceSend(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (models.Order, error) {
	if err := requireSuperAdmin(actor); err != nil {
		return models.Order{}, err
	}
	settings, err := s.settings.Load(ctx)
	if err != nil {
		return models.Order{}, err
	}
	order, err := s.store.Queries().GetOrder(ctx, repository.ToPgUUID(orderID))
	if err != nil {
		if isNoRows(err) {
			return models.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	if settings.PausedFor(order.Asset) {
		return models.Order{}, fmt.Errorf("%w: %s", domain.ErrPayoutsPaused, order.Asset)
	}

	if order.Status != domain.OrderStatusReadyToSend {
		_, _, err := s.allocator.evaluateByID(ctx, orderID, allocOptions{
			actor:  actor,
			action: "admin.force_send",
			from: []string{
				domain.OrderStatusSubmitted,
				domain.OrderStatusKycPending,
				domain.OrderStatusWaitingInventory,
				domain.OrderStatusHold,
				domain.OrderStatusFailed,
			},
			bypassLimits: true,
			strict:       true,
		})
		if err != nil {
			return models.Order{}, err
		}
	}

	zap.L().Warn("force send requested",
		zap.String("order_id", orderID.String()),
		zap.String("actor", actor.ID))
	return s.sender.SendOrder(ctx, actor, orderID)
}

// ResolveSending settles an order whose send outcome is unknown.
func (s *AdminService) ResolveSending(ctx context.Context, actor domain.Actor, orderID uuid.UUID, decision, txHash, reason string) (models.Order, error) {
	return s.sender.ResolveSending(ctx, actor, orderID, decision, txHash, reason)
}

func pauseKey(scope string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(scope)) {
	case "", PauseScopeAll:
		return domain.SettingPayoutsPaused, nil
	case PauseScopeUSDC:
		return domain.SettingUSDCPayoutsPaused, nil
	default:
		return "", fmt.Errorf("%w: unknown pause scope %q", domain.ErrInvalidSetting, scope)
	}
}

func (s *AdminService) PausePayouts(ctx context.Context, actor domain.Actor, scope string) (models.Setting, error) {
	key, err := pauseKey(scope)
	if err != nil {
		return models.Setting{}, err
	}
	setting, err := s.settings.Set(ctx, actor, key, "true", "admin.pause_payouts")
	if err == nil {
		zap.L().Warn("payouts paused", zap.String("setting", key), zap.String("actor", actor.ID))
	}
	return setting, err
}

func (s *AdminService) ResumePayouts(ctx context.Context, actor domain.Actor, scope string) (models.Setting, error) {
	key, err := pauseKey(scope)
	if err != nil {
		return models.Setting{}, err
	}
	setting, err := s.settings.Set(ctx, actor, key, "false", "admin.resume_payouts")
	if err == nil {
		zap.L().Info("payouts resumed", zap.String("setting", key), zap.String("actor", actor.ID))
	}
	return setting, err
}

func (s *AdminService) SetSetting(ctx context.Context, actor domain.Actor, key, value string) (models.Setting, error) {
	return s.settings.Set(ctx, actor, key, value, "admin.set_setting")
}

// RunAllocator triggers one allocator pass on behalf of an admin.
func (s *AdminService) RunAllocator(ctx context.Context, actor domain.Actor) (AllocationSummary, error) {
	if err := requireAdmin(actor); err != nil {
		return AllocationSummary{}, err
	}
	return s.allocator.Run(ctx)
}

// RunSender triggers one sender pass on behalf of an admin.
func (s *AdminService) RunSender(ctx context.Context, actor domain.Actor) (SendSummary, error) {
	if err := requireAdmin(actor); err != nil {
		return SendSummary{}, err
	}
	return s.sender.Run(ctx)
}

type orderMutation func(qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error)

func (s *AdminService) mutate(ctx context.Context, orderID uuid.UUID, fn orderMutation) (models.Order, error) {
	var result repository.FulfillmentOrder
	var outbox []events.Event
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.GetOrderForUpdate(ctx, repository.ToPgUUID(orderID))
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
			}
			return fmt.Errorf("lock order: %w", err)
		}
		result, err = fn(qtx, order, &outbox)
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	s.machine.flush(ctx, outbox)
	return models.OrderFromRow(result), nil
}
