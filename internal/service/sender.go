package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

const (
	defaultSenderBatchSize int32 = 20
	defaultStaleAfter            = 10 * time.Minute
)

// Manual resolutions for an order stuck in SENDING.
const (
	DecisionConfirmSent = "confirm_sent"
	DecisionMarkFailed  = "mark_failed"
)

// SendSummary counts outcomes of one sender pass.
type SendSummary struct {
	Claimed   int    `json:"claimed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Unknown   int    `json:"unknown"`
	Deferred  int    `json:"deferred"`
	Recovered int    `json:"recovered"`
	Skipped   string `json:"skipped,omitempty"`
}

type sendOutcome int

const (
	sendUnknown sendOutcome = iota
	sendSent
	sendFailed
	sendDeferred
)

type sendClaim struct {
	order     repository.FulfillmentOrder
	attemptID uuid.UUID
}

// SenderService executes READY_TO_SEND orders through the custody provider.
// An order whose send outcome is unknown stays in SENDING with its
// reservation held until a webhook, stale recovery or an admin resolves it.
type SenderService struct {
	store      QueryStore
	ledger     *LedgerService
	settings   *SettingsService
	custody    custody.Provider
	machine    *orderMachine
	batchSize  int32
	staleAfter time.Duration
	now        func() time.Time
}

func NewSenderService(store QueryStore, audit *AuditService, ledger *LedgerService, settings *SettingsService, provider custody.Provider, publisher events.Publisher) *SenderService {
	return &SenderService{
		store:      store,
		ledger:     ledger,
		settings:   settings,
		custody:    provider,
		machine:    newOrderMachine(audit, publisher),
		batchSize:  defaultSenderBatchSize,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
}

func (s *SenderService) WithBatchSize(n int32) *SenderService {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithStaleAfter sets how long an order may sit in SENDING before recovery looks it up.
func (s *SenderService) WithStaleAfter(d time.Duration) *SenderService {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Run recovers stale SENDING orders and then sends up to the batch size.
func (s *SenderService) Run(ctx context.Context) (SendSummary, error) {
	var summary SendSummary

	settings, err := s.settings.Load(ctx)
	if err != nil {
		return summary, err
	}
	switch {
	case !settings.AutoSendEnabled:
		summary.Skipped = "auto send disabled"
		return summary, nil
	case settings.PayoutsPaused:
		summary.Skipped = reasonPayoutsPaused
		return summary, nil
	}

	recovered, err := s.recoverStale(ctx)
	summary.Recovered = recovered
	if err != nil {
		return summary, err
	}

	assets := []string{domain.AssetBTC}
	if !settings.USDCPayoutsPaused {
		assets = append(assets, domain.AssetUSDC)
	}

	for int32(summary.Claimed) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		claim, ok, err := s.claim(ctx, domain.SystemActor, assets, uuid.Nil)
		if err != nil {
			return summary, err
		}
		if !ok {
			break
		}
		summary.Claimed++

		outcome, err := s.dispatch(ctx, claim, domain.SystemActor)
		switch outcome {
		case sendSent:
			summary.Sent++
		case sendFailed:
			summary.Failed++
		case sendDeferred:
			summary.Deferred++
		default:
			summary.Unknown++
		}
		if isCanceled(err) {
			return summary, err
		}
		if err != nil && !custody.IsRejection(err) {
			zap.L().Warn("custody unhealthy; stopping sender pass", zap.Error(err))
			break
		}
	}

	if summary.Claimed > 0 || summary.Recovered > 0 {
		zap.L().Info("sender pass finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
			zap.Int("unknown", summary.Unknown),
			zap.Int("deferred", summary.Deferred),
			zap.Int("recovered", summary.Recovered))
	}
	return summary, nil
}

// SendOrder claims and sends one specific READY_TO_SEND order.
func (s *SenderService) SendOrder(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (models.Order, error) {
	claim, ok, err := s.claim(ctx, actor, nil, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if !ok {
		return models.Order{}, fmt.Errorf("%w: order %s is not ready to send", domain.ErrInvalidTransition, orderID)
	}
	_, sendErr := s.dispatch(ctx, claim, actor)

	row, err := s.store.Queries().GetOrder(context.WithoutCancel(ctx), claim.order.ID)
	if err != nil {
		return models.Order{}, fmt.Errorf("reload order: %w", err)
	}
	order := models.OrderFromRow(row)
	if row.Status == domain.OrderStatusFailed {
		return order, fmt.Errorf("%w: %s", domain.ErrSettlementFailure, deref(row.FailedReason))
	}
	if isCanceled(sendErr) || errors.Is(sendErr, custody.ErrUnavailable) {
		return order, sendErr
	}
	return order, nil
}

// claim moves one READY_TO_SEND order to SENDING and opens an attempt. With
// a nil orderID it takes the oldest claimable order of the given assets.
func (s *SenderService) claim(ctx context.Context, actor domain.Actor, assets []string, orderID uuid.UUID) (sendClaim, bool, error) {
	var claim sendClaim
	found := false
	var outbox []events.Event
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		var order repository.FulfillmentOrder
		if orderID != uuid.Nil {
			row, err := qtx.GetOrderForUpdate(ctx, repository.ToPgUUID(orderID))
			if err != nil {
				if isNoRows(err) {
					return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
				}
				return fmt.Errorf("lock order: %w", err)
			}
			if row.Status != domain.OrderStatusReadyToSend {
				return nil
			}
			order = row
		} else {
			rows, err := qtx.ListReadyToSendForUpdate(ctx, repository.ListReadyToSendForUpdateParams{Assets: assets, Limit: 1})
			if err != nil {
				return fmt.Errorf("claim ready orders: %w", err)
			}
			if len(rows) == 0 {
				return nil
			}
			order = rows[0]
		}
		if !order.AssetAmount.Valid || !order.ReservationID.Valid {
			return fmt.Errorf("order %s is ready to send without amount or reservation", repository.FromPgUUID(order.ID))
		}

		attemptNo := order.Attempt + 1
		attemptID := uuid.New()
		if _, err := qtx.InsertAttempt(ctx, repository.InsertAttemptParams{
			ID:        repository.ToPgUUID(attemptID),
			OrderID:   order.ID,
			AttemptNo: attemptNo,
		}); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		updated, err := s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusSending,
			Action: "sender.claim",
			Actor:  actor,
			Extra:  map[string]any{"attempt_id": attemptID.String()},
			Apply: func(p *repository.UpdateOrderParams) {
				p.Attempt = attemptNo
				p.FailedReason = nil
			},
		}, &outbox)
		if err != nil {
			return err
		}
		claim = sendClaim{order: updated, attemptID: attemptID}
		found = true
		return nil
	})
	if err != nil {
		return sendClaim{}, false, err
	}
	s.machine.flush(ctx, outbox)
	return claim, found, nil
}

func (s *SenderService) dispatch(ctx context.Context, claim sendClaim, actor domain.Actor) (sendOutcome, error) {
	order := claim.order
	orderID := repository.FromPgUUID(order.ID)
	logger := zap.L().With(
		zap.String("order_id", orderID.String()),
		zap.String("attempt_id", claim.attemptID.String()),
		zap.String("asset", order.Asset))

	tr, err := s.custody.SendAsset(ctx, custody.TransferRequest{
		ExternalID:  claim.attemptID.String(),
		Asset:       order.Asset,
		Amount:      order.AssetAmount.Decimal,
		Destination: order.Destination,
		Note:        "fulfillment order " + orderID.String(),
	})
	// Finalization must survive the caller's cancellation once the outcome is known.
	finalizeCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, custody.ErrUnavailable):
		if _, uerr := s.unclaim(finalizeCtx, actor, orderID, claim.attemptID, err.Error()); uerr != nil {
			logger.Error("custody unavailable and claim rollback failed; order left in SENDING",
				zap.Error(uerr), zap.NamedError("send_error", err))
			return sendUnknown, err
		}
		observability.IncrementSettlement(order.Asset, "deferred")
		logger.Warn("custody unavailable; order returned to READY_TO_SEND", zap.Error(err))
		return sendDeferred, err
	case custody.IsRejection(err):
		if _, ferr := s.finalizeFailure(finalizeCtx, actor, orderID, claim.attemptID, err.Error(), "sender.failed"); ferr != nil {
			logger.Error("custody rejected transfer and local finalization failed", zap.Error(ferr), zap.NamedError("send_error", err))
			return sendUnknown, err
		}
		logger.Warn("custody rejected transfer", zap.Error(err))
		return sendFailed, err
	case err != nil:
		observability.IncrementSettlement(order.Asset, "unknown")
		logger.Warn("custody send outcome unknown; order left in SENDING", zap.Error(err))
		return sendUnknown, err
	case tr.State == custody.StateFailed:
		reason := tr.Reason
		if reason == "" {
			reason = "custody rejected transfer"
		}
		if _, ferr := s.finalizeFailure(finalizeCtx, actor, orderID, claim.attemptID, reason, "sender.failed"); ferr != nil {
			logger.Error("custody rejected transfer and local finalization failed", zap.Error(ferr))
			return sendUnknown, nil
		}
		return sendFailed, nil
	case tr.Settled():
		if _, ferr := s.finalizeSuccess(finalizeCtx, actor, orderID, claim.attemptID, tr.TxHash, "sender.sent"); ferr != nil {
			logger.Error("custody send succeeded but local finalization failed; order left in SENDING",
				zap.Error(ferr), zap.String("tx_hash", tr.TxHash))
			return sendUnknown, nil
		}
		logger.Info("custody send succeeded", zap.String("tx_hash", tr.TxHash))
		return sendSent, nil
	default:
		observability.IncrementSettlement(order.Asset, "pending")
		logger.Info("custody accepted transfer without tx hash; awaiting confirmation",
			zap.String("provider_id", tr.ProviderID), zap.String("state", string(tr.State)))
		return sendUnknown, nil
	}
}

// finalizeSuccess confirms the reservation spend and marks the order SENT.
func (s *SenderService) finalizeSuccess(ctx context.Context, actor domain.Actor, orderID uuid.UUID, attemptID uuid.UUID, txHash, action string) (repository.FulfillmentOrder, error) {
	return s.finalize(ctx, actor, orderID, attemptID, action, func(ctx context.Context, qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error) {
		if order.ReservationID.Valid {
			if err := s.ledger.ConfirmSpend(ctx, qtx, repository.FromPgUUID(order.ReservationID)); err != nil {
				return order, err
			}
		}
		if err := finishAttempt(ctx, qtx, attemptID, domain.AttemptSent, &txHash, nil); err != nil {
			return order, err
		}
		hash := txHash
		updated, err := s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusSent,
			Action: action,
			Actor:  actor,
			Extra:  map[string]any{"attempt_id": attemptID.String()},
			Apply: func(p *repository.UpdateOrderParams) {
				p.TxHash = &hash
				p.FailedReason = nil
				p.CompletedAt = repository.Timestamptz(s.now())
			},
		}, outbox)
		if err == nil {
			observability.IncrementSettlement(order.Asset, "sent")
		}
		return updated, err
	})
}

// finalizeFailure returns the reserved units to inventory and marks the order FAILED.
func (s *SenderService) finalizeFailure(ctx context.Context, actor domain.Actor, orderID uuid.UUID, attemptID uuid.UUID, reason, action string) (repository.FulfillmentOrder, error) {
	return s.finalize(ctx, actor, orderID, attemptID, action, func(ctx context.Context, qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error) {
		if order.ReservationID.Valid {
			if err := s.ledger.Release(ctx, qtx, repository.FromPgUUID(order.ReservationID)); err != nil {
				return order, err
			}
		}
		if err := finishAttempt(ctx, qtx, attemptID, domain.AttemptFailed, nil, &reason); err != nil {
			return order, err
		}
		updated, err := s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusFailed,
			Action: action,
			Actor:  actor,
			Extra:  map[string]any{"attempt_id": attemptID.String()},
			Apply: func(p *repository.UpdateOrderParams) {
				p.FailedReason = &reason
				p.ReservationID = pgtype.UUID{}
			},
		}, outbox)
		if err != nil {
			return order, err
		}
		observability.IncrementSettlement(order.Asset, "failed")
		orderID := repository.FromPgUUID(order.ID).String()
		*outbox = append(*outbox, s.machine.alert(events.TypeSettlementFailed, orderID, map[string]any{
			"order_id":   orderID,
			"attempt_id": attemptID.String(),
			"asset":      order.Asset,
			"reason":     reason,
		}))
		return updated, nil
	})
}

// unclaim returns an order to READY_TO_SEND when the provider was never
// called. The reservation stays held and the attempt is closed as not sent.
func (s *SenderService) unclaim(ctx context.Context, actor domain.Actor, orderID uuid.UUID, attemptID uuid.UUID, reason string) (repository.FulfillmentOrder, error) {
	return s.finalize(ctx, actor, orderID, attemptID, "sender.unclaim", func(ctx context.Context, qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error) {
		notSent := "not sent: " + reason
		if err := finishAttempt(ctx, qtx, attemptID, domain.AttemptFailed, nil, &notSent); err != nil {
			return order, err
		}
		return s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusReadyToSend,
			Action: "sender.unclaim",
			Actor:  actor,
			Extra:  map[string]any{"attempt_id": attemptID.String(), "reason": reason},
		}, outbox)
	})
}

type finalizeFunc func(ctx context.Context, qtx repository.Querier, order repository.FulfillmentOrder, outbox *[]events.Event) (repository.FulfillmentOrder, error)

func (s *SenderService) finalize(ctx context.Context, actor domain.Actor, orderID uuid.UUID, attemptID uuid.UUID, action string, fn finalizeFunc) (repository.FulfillmentOrder, error) {
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
		if order.Status != domain.OrderStatusSending {
			return fmt.Errorf("%w: %s is %s, not SENDING", domain.ErrInvalidTransition, action, order.Status)
		}
		result, err = fn(ctx, qtx, order, &outbox)
		return err
	})
	if err != nil {
		return repository.FulfillmentOrder{}, err
	}
	s.machine.flush(ctx, outbox)
	return result, nil
}

func finishAttempt(ctx context.Context, qtx repository.Querier, attemptID uuid.UUID, status string, txHash, reason *string) error {
	rows, err := qtx.FinishAttempt(ctx, repository.FinishAttemptParams{
		ID:           repository.ToPgUUID(attemptID),
		Status:       status,
		TxHash:       txHash,
		FailedReason: reason,
	})
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return requireExactlyOne(rows, "finish attempt")
}

// recoverStale looks up orders stuck in SENDING at the custody provider and
// finalizes the ones whose outcome is now known.
func (s *SenderService) recoverStale(ctx context.Context) (int, error) {
	stale, err := s.store.Queries().ListStaleSending(ctx, repository.ListStaleSendingParams{
		UpdatedBefore: repository.Timestamptz(s.now().Add(-s.staleAfter)),
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale sending orders: %w", err)
	}

	recovered := 0
	for _, order := range stale {
		orderID := repository.FromPgUUID(order.ID)
		attempt, err := s.store.Queries().GetLatestAttempt(ctx, order.ID)
		if err != nil {
			zap.L().Error("stale order has no attempt", zap.String("order_id", orderID.String()), zap.Error(err))
			continue
		}
		attemptID := repository.FromPgUUID(attempt.ID)

		tr, err := s.custody.LookupTransfer(ctx, attemptID.String())
		if err != nil {
			if isCanceled(err) {
				return recovered, err
			}
			zap.L().Warn("stale order lookup failed", zap.String("order_id", orderID.String()), zap.Error(err))
			continue
		}

		switch tr.State {
		case custody.StateConfirmed, custody.StateSubmitted:
			if tr.TxHash == "" {
				continue
			}
			_, err = s.finalizeSuccess(ctx, domain.SystemActor, orderID, attemptID, tr.TxHash, "sender.recover_sent")
		case custody.StateFailed, custody.StateNotFound:
			reason := tr.Reason
			if reason == "" {
				reason = "custody transfer " + strings.ToLower(string(tr.State))
			}
			_, err = s.finalizeFailure(ctx, domain.SystemActor, orderID, attemptID, reason, "sender.recover_failed")
		default:
			continue
		}
		if err != nil {
			zap.L().Error("stale order finalization failed", zap.String("order_id", orderID.String()), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		zap.L().Warn("recovered stale sending orders", zap.Int("count", recovered))
	}
	return recovered, nil
}

// SettlementUpdate is a custody status notification for one attempt.
type SettlementUpdate struct {
	ExternalID string
	State      custody.State
	TxHash     string
	Reason     string
}

// ConfirmSettlement applies a custody notification. Success for a SENDING
// order finalizes it as SENT; finality for a SENT order completes it; a
// failure after SENT is recorded as an alert and never moves the order back.
func (s *SenderService) ConfirmSettlement(ctx context.Context, update SettlementUpdate) (models.Order, error) {
	attemptID, err := uuid.Parse(strings.TrimSpace(update.ExternalID))
	if err != nil {
		return models.Order{}, fmt.Errorf("%w: external id %q", domain.ErrOrderNotFound, update.ExternalID)
	}
	attempt, err := s.store.Queries().GetAttempt(ctx, repository.ToPgUUID(attemptID))
	if err != nil {
		if isNoRows(err) {
			return models.Order{}, fmt.Errorf("%w: no attempt %s", domain.ErrOrderNotFound, attemptID)
		}
		return models.Order{}, fmt.Errorf("get attempt: %w", err)
	}
	order, err := s.store.Queries().GetOrder(ctx, attempt.OrderID)
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	orderID := repository.FromPgUUID(order.ID)
	logger := zap.L().With(zap.String("order_id", orderID.String()), zap.String("attempt_id", attemptID.String()))

	switch order.Status {
	case domain.OrderStatusSending:
		if attempt.AttemptNo != order.Attempt {
			logger.Warn("ignoring settlement for superseded attempt", zap.String("state", string(update.State)))
			return models.OrderFromRow(order), nil
		}
		switch update.State {
		case custody.StateSubmitted, custody.StateConfirmed:
			if update.TxHash == "" {
				return models.OrderFromRow(order), nil
			}
			order, err = s.finalizeSuccess(ctx, domain.SystemActor, orderID, attemptID, update.TxHash, "settlement.sent")
			if err != nil {
				return models.Order{}, err
			}
			if update.State == custody.StateConfirmed {
				order, err = s.complete(ctx, orderID, update.TxHash)
			}
		case custody.StateFailed:
			reason := update.Reason
			if reason == "" {
				reason = "custody reported failure"
			}
			order, err = s.finalizeFailure(ctx, domain.SystemActor, orderID, attemptID, reason, "settlement.failed")
		}
	case domain.OrderStatusSent:
		switch update.State {
		case custody.StateConfirmed:
			order, err = s.complete(ctx, orderID, update.TxHash)
		case custody.StateFailed:
			logger.Error("custody reported failure after order was SENT", zap.String("reason", update.Reason))
			err = s.recordAlert(ctx, order, attemptID, "settlement.late_failure", events.TypeLateFailure, update)
		}
	case domain.OrderStatusCompleted:
	default:
		if (update.State == custody.StateSubmitted || update.State == custody.StateConfirmed) && attempt.Status == domain.AttemptFailed {
			logger.Error("custody reported success for an attempt recorded as failed",
				zap.String("status", order.Status), zap.String("tx_hash", update.TxHash))
			err = s.recordAlert(ctx, order, attemptID, "settlement.late_success", events.TypeLateSuccess, update)
		}
	}
	if err != nil {
		return models.Order{}, err
	}
	return models.OrderFromRow(order), nil
}

// complete marks a SENT order COMPLETED once custody reports finality.
func (s *SenderService) complete(ctx context.Context, orderID uuid.UUID, txHash string) (repository.FulfillmentOrder, error) {
	var result repository.FulfillmentOrder
	var outbox []events.Event
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.GetOrderForUpdate(ctx, repository.ToPgUUID(orderID))
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order.Status == domain.OrderStatusCompleted {
			result = order
			return nil
		}
		if txHash != "" && order.TxHash != nil && *order.TxHash != txHash {
			zap.L().Warn("custody finality tx hash differs from recorded hash",
				zap.String("order_id", orderID.String()),
				zap.String("recorded", *order.TxHash),
				zap.String("reported", txHash))
		}
		result, err = s.machine.transition(ctx, qtx, order, orderChange{
			Next:   domain.OrderStatusCompleted,
			Action: "settlement.completed",
			Actor:  domain.SystemActor,
		}, &outbox)
		return err
	})
	if err != nil {
		return repository.FulfillmentOrder{}, err
	}
	s.machine.flush(ctx, outbox)
	observability.IncrementSettlement(result.Asset, "completed")
	return result, nil
}

func (s *SenderService) recordAlert(ctx context.Context, order repository.FulfillmentOrder, attemptID uuid.UUID, action, eventType string, update SettlementUpdate) error {
	orderID := repository.FromPgUUID(order.ID).String()
	details := map[string]any{
		"attempt_id":     attemptID.String(),
		"custody_state":  string(update.State),
		"custody_reason": update.Reason,
		"custody_tx":     update.TxHash,
	}
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		return s.machine.audit.Write(ctx, qtx, AuditRecord{
			Actor:      domain.SystemActor,
			Action:     action,
			EntityType: domain.EntityOrder,
			EntityID:   orderID,
			PrevState:  order.Status,
			NextState:  order.Status,
			Extra:      details,
		})
	})
	if err != nil {
		return err
	}
	details["order_id"] = orderID
	details["asset"] = order.Asset
	s.machine.flush(ctx, []events.Event{s.machine.alert(eventType, orderID, details)})
	return nil
}

// ResolveSending settles an order stuck in SENDING by admin decision.
func (s *SenderService) ResolveSending(ctx context.Context, actor domain.Actor, orderID uuid.UUID, decision, txHash, reason string) (models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return models.Order{}, err
	}
	decision = strings.ToLower(strings.TrimSpace(decision))
	txHash = strings.TrimSpace(txHash)
	reason = strings.TrimSpace(reason)
	switch decision {
	case DecisionConfirmSent:
		if txHash == "" {
			return models.Order{}, fmt.Errorf("%w: tx_hash is required to confirm a send", domain.ErrInvalidDecision)
		}
	case DecisionMarkFailed:
		if reason == "" {
			return models.Order{}, fmt.Errorf("%w: reason is required to mark a send failed", domain.ErrInvalidDecision)
		}
	default:
		return models.Order{}, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, decision)
	}

	attempt, err := s.store.Queries().GetLatestAttempt(ctx, repository.ToPgUUID(orderID))
	if err != nil {
		if isNoRows(err) {
			return models.Order{}, fmt.Errorf("%w: order %s has no send attempt", domain.ErrInvalidTransition, orderID)
		}
		return models.Order{}, fmt.Errorf("get latest attempt: %w", err)
	}
	attemptID := repository.FromPgUUID(attempt.ID)

	var row repository.FulfillmentOrder
	if decision == DecisionConfirmSent {
		row, err = s.finalizeSuccess(ctx, actor, orderID, attemptID, txHash, "admin.resolve_sending.confirm_sent")
	} else {
		row, err = s.finalizeFailure(ctx, actor, orderID, attemptID, reason, "admin.resolve_sending.mark_failed")
	}
	if err != nil {
		return models.Order{}, err
	}
	zap.L().Info("sending order resolved by admin",
		zap.String("order_id", orderID.String()),
		zap.String("decision", decision),
		zap.String("actor", actor.ID))
	return models.OrderFromRow(row), nil
}
