package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"go.uber.org/zap"
)

var orderTransitions = map[string]map[string]struct{}{
	domain.OrderStatusSubmitted: {
		domain.OrderStatusKycPending:       {},
		domain.OrderStatusWaitingInventory: {},
		domain.OrderStatusReadyToSend:      {},
		domain.OrderStatusHold:             {},
		domain.OrderStatusCancelled:        {},
	},
	domain.OrderStatusKycPending: {
		domain.OrderStatusWaitingInventory: {},
		domain.OrderStatusReadyToSend:      {},
		domain.OrderStatusHold:             {},
	},
	domain.OrderStatusWaitingInventory: {
		domain.OrderStatusKycPending:  {},
		domain.OrderStatusReadyToSend: {},
		domain.OrderStatusHold:        {},
		domain.OrderStatusCancelled:   {},
	},
	domain.OrderStatusReadyToSend: {
		domain.OrderStatusSending: {},
		domain.OrderStatusHold:    {},
	},
	// READY_TO_SEND only when the custody call never left the process.
	// HOLD is refused while a transfer may be in flight.
	domain.OrderStatusSending: {
		domain.OrderStatusSent:        {},
		domain.OrderStatusFailed:      {},
		domain.OrderStatusReadyToSend: {},
	},
	domain.OrderStatusFailed: {
		domain.OrderStatusReadyToSend: {},
		domain.OrderStatusHold:        {},
	},
	domain.OrderStatusHold: {
		domain.OrderStatusKycPending:       {},
		domain.OrderStatusWaitingInventory: {},
		domain.OrderStatusReadyToSend:      {},
		domain.OrderStatusCancelled:        {},
	},
	domain.OrderStatusSent: {
		domain.OrderStatusCompleted: {},
	},
	domain.OrderStatusCompleted: {},
	domain.OrderStatusCancelled: {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	current = normalizeState(current)
	next = normalizeState(next)
	nextStates, ok := orderTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// orderChange describes one order mutation. A change whose Next equals the
// current status is allowed and only rewrites the non-status fields.
type orderChange struct {
	Next   string
	Action string
	Actor  domain.Actor
	Apply  func(p *repository.UpdateOrderParams)
	Extra  map[string]any
}

// orderMachine is the single writer of order rows. Every write is validated
// against orderTransitions and audited in the caller's transaction; the
// resulting events are buffered until the caller flushes them after commit.
type orderMachine struct {
	audit     *AuditService
	publisher events.Publisher
	now       func() time.Time
}

func newOrderMachine(audit *AuditService, publisher events.Publisher) *orderMachine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &orderMachine{audit: audit, publisher: publisher, now: time.Now}
}

func updateParamsFrom(o repository.FulfillmentOrder) repository.UpdateOrderParams {
	return repository.UpdateOrderParams{
		ID:            o.ID,
		Status:        o.Status,
		KycStatus:     o.KycStatus,
		BlockedReason: o.BlockedReason,
		FailedReason:  o.FailedReason,
		AssetAmount:   o.AssetAmount,
		PriceUsd:      o.PriceUsd,
		ReservationID: o.ReservationID,
		TxHash:        o.TxHash,
		Attempt:       o.Attempt,
		CompletedAt:   o.CompletedAt,
	}
}

func applyParams(o repository.FulfillmentOrder, p repository.UpdateOrderParams) repository.FulfillmentOrder {
	o.Status = p.Status
	o.KycStatus = p.KycStatus
	o.BlockedReason = p.BlockedReason
	o.FailedReason = p.FailedReason
	o.AssetAmount = p.AssetAmount
	o.PriceUsd = p.PriceUsd
	o.ReservationID = p.ReservationID
	o.TxHash = p.TxHash
	o.Attempt = p.Attempt
	o.CompletedAt = p.CompletedAt
	return o
}

// orderAuditView is the subset of an order recorded as audit before/after values.
func orderAuditView(o repository.FulfillmentOrder) map[string]any {
	view := map[string]any{
		"status":         o.Status,
		"kyc_status":     o.KycStatus,
		"blocked_reason": o.BlockedReason,
		"failed_reason":  o.FailedReason,
		"tx_hash":        o.TxHash,
		"attempt":        o.Attempt,
	}
	if o.AssetAmount.Valid {
		view["asset_amount"] = o.AssetAmount.Decimal.String()
	}
	if o.PriceUsd.Valid {
		view["price_usd"] = o.PriceUsd.Decimal.String()
	}
	if o.ReservationID.Valid {
		view["reservation_id"] = repository.FromPgUUID(o.ReservationID).String()
	}
	return view
}

func (m *orderMachine) transition(ctx context.Context, qtx repository.Querier, order repository.FulfillmentOrder, ch orderChange, outbox *[]events.Event) (repository.FulfillmentOrder, error) {
	current := normalizeState(order.Status)
	next := normalizeState(ch.Next)
	if current != next && !canTransition(current, next) {
		return order, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, next)
	}

	params := updateParamsFrom(order)
	params.Status = next
	if ch.Apply != nil {
		ch.Apply(&params)
	}

	rows, err := qtx.UpdateOrder(ctx, params)
	if err != nil {
		return order, fmt.Errorf("update order: %w", err)
	}
	if err := requireExactlyOne(rows, "update order"); err != nil {
		return order, err
	}
	updated := applyParams(order, params)

	orderID := repository.FromPgUUID(order.ID).String()
	if err := m.audit.Write(ctx, qtx, AuditRecord{
		Actor:      ch.Actor,
		Action:     ch.Action,
		EntityType: domain.EntityOrder,
		EntityID:   orderID,
		PrevState:  current,
		NextState:  next,
		Before:     orderAuditView(order),
		After:      orderAuditView(updated),
		Extra:      ch.Extra,
	}); err != nil {
		return order, err
	}

	if outbox != nil && current != next {
		*outbox = append(*outbox, events.Event{
			Type:       events.TypeOrderStatusChanged,
			Key:        orderID,
			OccurredAt: m.now().UTC(),
			Payload: map[string]any{
				"order_id":    orderID,
				"customer_id": order.CustomerID,
				"asset":       order.Asset,
				"action":      ch.Action,
				"from":        current,
				"to":          next,
				"tx_hash":     updated.TxHash,
			},
		})
	}
	return updated, nil
}

// flush publishes buffered events. Publishing never fails the caller.
func (m *orderMachine) flush(ctx context.Context, outbox []events.Event) {
	if len(outbox) == 0 {
		return
	}
	if err := m.publisher.Publish(ctx, outbox...); err != nil {
		observability.IncrementEventPublish("error")
		zap.L().Warn("publish events failed", zap.Int("count", len(outbox)), zap.Error(err))
		return
	}
	observability.IncrementEventPublish("ok")
}

func (m *orderMachine) alert(eventType, key string, payload map[string]any) events.Event {
	return events.Event{Type: eventType, Key: key, OccurredAt: m.now().UTC(), Payload: payload}
}
