package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AddressValidator checks that a destination can receive an asset.
type AddressValidator interface {
	Validate(asset, addr string) error
}

// OrderService accepts fulfillment orders and exposes read access to the queue.
type OrderService struct {
	store     QueryStore
	machine   *orderMachine
	addresses AddressValidator
}

func NewOrderService(store QueryStore, audit *AuditService, addresses AddressValidator, publisher events.Publisher) *OrderService {
	return &OrderService{
		store:     store,
		machine:   newOrderMachine(audit, publisher),
		addresses: addresses,
	}
}

// SubmitOrderRequest is a new payout order. AssetAmount fixes the delivered
// amount; when nil the allocator prices UsdAmount with the oracle.
type SubmitOrderRequest struct {
	OrderType   string
	CustomerID  string
	ReferenceID string
	UsdAmount   decimal.Decimal
	AssetAmount *decimal.Decimal
	Destination string
}

func (s *OrderService) validate(req *SubmitOrderRequest) (string, error) {
	req.OrderType = strings.ToUpper(strings.TrimSpace(req.OrderType))
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	req.Destination = strings.TrimSpace(req.Destination)

	asset, ok := domain.DeliveryAsset(req.OrderType)
	if !ok {
		return "", fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidOrder, req.OrderType)
	}
	if req.CustomerID == "" {
		return "", fmt.Errorf("%w: customer id is required", domain.ErrInvalidOrder)
	}
	if req.ReferenceID == "" {
		return "", fmt.Errorf("%w: reference id is required", domain.ErrInvalidOrder)
	}
	if !req.UsdAmount.IsPositive() {
		return "", fmt.Errorf("%w: usd amount must be positive", domain.ErrInvalidOrder)
	}
	if req.AssetAmount != nil {
		fixed := domain.NewAmount(*req.AssetAmount, asset)
		if !fixed.IsPositive() {
			return "", fmt.Errorf("%w: asset amount must be positive", domain.ErrInvalidOrder)
		}
		req.AssetAmount = &fixed.Value
	}
	if s.addresses != nil {
		if err := s.addresses.Validate(asset, req.Destination); err != nil {
			return "", err
		}
	}
	return asset, nil
}

// existingForCustomer answers a repeated reference. Reference ids are global
// (a card can be redeemed once), so another customer's order is never returned.
func existingForCustomer(existing repository.FulfillmentOrder, req SubmitOrderRequest) (models.Order, bool, error) {
	if existing.CustomerID != req.CustomerID {
		zap.L().Warn("reference id reused by another customer",
			zap.String("reference_id", req.ReferenceID),
			zap.String("customer_id", req.CustomerID))
		return models.Order{}, false, fmt.Errorf("%w: %s", domain.ErrReferenceConflict, req.ReferenceID)
	}
	return models.OrderFromRow(existing), false, nil
}

// Submit creates an order in SUBMITTED. A repeated reference id from the same
// customer returns the existing order with created=false.
func (s *OrderService) Submit(ctx context.Context, actor domain.Actor, req SubmitOrderRequest) (models.Order, bool, error) {
	if strings.TrimSpace(actor.Type) == "" {
		return models.Order{}, false, domain.ErrUnauthorized
	}
	if actor.Type == domain.RoleCustomer {
		req.CustomerID = actor.ID
	}
	asset, err := s.validate(&req)
	if err != nil {
		return models.Order{}, false, err
	}

	q := s.store.Queries()
	if existing, err := q.GetOrderByReference(ctx, req.ReferenceID); err == nil {
		return existingForCustomer(existing, req)
	} else if !isNoRows(err) {
		return models.Order{}, false, fmt.Errorf("lookup order reference: %w", err)
	}

	var assetAmount decimal.NullDecimal
	if req.AssetAmount != nil {
		assetAmount = nullDecimal(*req.AssetAmount)
	}

	var created repository.FulfillmentOrder
	var outbox []events.Event
	duplicate := false
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		row, err := qtx.InsertOrder(ctx, repository.InsertOrderParams{
			ID:          repository.ToPgUUID(uuid.New()),
			OrderType:   req.OrderType,
			CustomerID:  req.CustomerID,
			ReferenceID: req.ReferenceID,
			Asset:       asset,
			UsdAmount:   req.UsdAmount,
			AssetAmount: assetAmount,
			Destination: req.Destination,
			Status:      domain.OrderStatusSubmitted,
			KycStatus:   domain.KycPending,
		})
		if isNoRows(err) {
			duplicate = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		created = row

		orderID := repository.FromPgUUID(row.ID).String()
		outbox = append(outbox, s.machine.alert(events.TypeOrderStatusChanged, orderID, map[string]any{
			"order_id":    orderID,
			"customer_id": row.CustomerID,
			"asset":       row.Asset,
			"action":      "order.submit",
			"to":          row.Status,
		}))
		return s.machine.audit.Write(ctx, qtx, AuditRecord{
			Actor:      actor,
			Action:     "order.submit",
			EntityType: domain.EntityOrder,
			EntityID:   orderID,
			NextState:  domain.OrderStatusSubmitted,
			After:      orderAuditView(row),
			Extra: map[string]any{
				"order_type":   row.OrderType,
				"usd_amount":   row.UsdAmount.String(),
				"reference_id": row.ReferenceID,
			},
		})
	})
	if err != nil {
		return models.Order{}, false, err
	}

	if duplicate {
		existing, err := s.store.Queries().GetOrderByReference(ctx, req.ReferenceID)
		if err != nil {
			return models.Order{}, false, fmt.Errorf("load order after reference conflict: %w", err)
		}
		return existingForCustomer(existing, req)
	}

	s.machine.flush(ctx, outbox)
	zap.L().Info("fulfillment order submitted",
		zap.String("order_id", repository.FromPgUUID(created.ID).String()),
		zap.String("order_type", created.OrderType),
		zap.String("asset", created.Asset),
		zap.String("usd_amount", created.UsdAmount.String()))
	return models.OrderFromRow(created), true, nil
}

func (s *OrderService) Get(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	row, err := s.store.Queries().GetOrder(ctx, repository.ToPgUUID(orderID))
	if err != nil {
		if isNoRows(err) {
			return models.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	return models.OrderFromRow(row), nil
}

// GetFor returns the order only when actor may see it: admins see everything,
// customers only their own orders.
func (s *OrderService) GetFor(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (models.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if actor.Type == domain.RoleCustomer && order.CustomerID != actor.ID {
		return models.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return order, nil
}

// List returns orders oldest first. An empty status lists every order.
func (s *OrderService) List(ctx context.Context, status string, limit, offset int32) ([]models.Order, error) {
	limit, offset = clampPage(limit, offset)
	var statuses []string
	if status = normalizeState(status); status != "" {
		if _, ok := orderTransitions[status]; !ok {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidOrder, status)
		}
		statuses = []string{status}
	}
	rows, err := s.store.Queries().ListOrdersByStatuses(ctx, repository.ListOrdersByStatusesParams{
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.OrderFromRow(row))
	}
	return out, nil
}

func (s *OrderService) Attempts(ctx context.Context, orderID uuid.UUID) ([]models.Attempt, error) {
	rows, err := s.store.Queries().ListAttempts(ctx, repository.ToPgUUID(orderID))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]models.Attempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.AttemptFromRow(row))
	}
	return out, nil
}

// RefreshStatusGauge publishes per-status order counts.
func (s *OrderService) RefreshStatusGauge(ctx context.Context) error {
	rows, err := s.store.Queries().CountOrdersByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count orders by status: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	observability.SetOrdersByStatus(counts)
	return nil
}
