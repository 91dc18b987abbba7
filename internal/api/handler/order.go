package handler

import (
	"net/http"

	"github.com/bitcard/fulfillment-engine/internal/api/middleware"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/shopspring/decimal"
)

// OrderHandler serves order submission and order status reads.
type OrderHandler struct {
	orders *service.OrderService
}

func NewOrderHandler(orders *service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// CreateOrderRequest is the body of POST /v1/orders. Customers may omit
// customer_id; it is taken from the token.
type CreateOrderRequest struct {
	OrderType   string           `json:"order_type" validate:"required,max=32"`
	CustomerID  string           `json:"customer_id" validate:"max=128"`
	ReferenceID string           `json:"reference_id" validate:"required,max=128"`
	UsdAmount   decimal.Decimal  `json:"usd_amount"`
	AssetAmount *decimal.Decimal `json:"asset_amount,omitempty"`
	Destination string           `json:"destination" validate:"required,max=128"`
}

// CreateOrder handles POST /v1/orders.
// A repeated reference_id returns the existing order with 200.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	order, created, err := h.orders.Submit(r.Context(), middleware.ActorFromContext(r.Context()), service.SubmitOrderRequest{
		OrderType:   req.OrderType,
		CustomerID:  req.CustomerID,
		ReferenceID: req.ReferenceID,
		UsdAmount:   req.UsdAmount,
		AssetAmount: req.AssetAmount,
		Destination: req.Destination,
	})
	if err != nil {
		respondServiceError(w, r, "submit order", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, order)
}

// GetOrder handles GET /v1/orders/{id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetFor(r.Context(), middleware.ActorFromContext(r.Context()), orderID)
	if err != nil {
		respondServiceError(w, r, "get order", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

// ListAttempts handles GET /v1/orders/{id}/attempts.
func (h *OrderHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.orders.GetFor(r.Context(), middleware.ActorFromContext(r.Context()), orderID); err != nil {
		respondServiceError(w, r, "get order", err)
		return
	}
	attempts, err := h.orders.Attempts(r.Context(), orderID)
	if err != nil {
		respondServiceError(w, r, "list attempts", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}
