package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/api/middleware"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AdminHandler exposes the admin control surface. Role gates are applied by
// the router; services check roles again.
type AdminHandler struct {
	admin    *service.AdminService
	orders   *service.OrderService
	ledger   *service.LedgerService
	settings *service.SettingsService
	recon    *service.ReconciliationService
	audit    *service.AuditService
}

func NewAdminHandler(
	admin *service.AdminService,
	orders *service.OrderService,
	ledger *service.LedgerService,
	settings *service.SettingsService,
	recon *service.ReconciliationService,
	audit *service.AuditService,
) *AdminHandler {
	return &AdminHandler{
		admin:    admin,
		orders:   orders,
		ledger:   ledger,
		settings: settings,
		recon:    recon,
		audit:    audit,
	}
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type resolveSendingRequest struct {
	Decision string `json:"decision" validate:"required,oneof=confirm_sent mark_failed"`
	TxHash   string `json:"tx_hash" validate:"max=128"`
	Reason   string `json:"reason" validate:"max=512"`
}

type settingRequest struct {
	Value string `json:"value" validate:"required,max=64"`
}

type pauseRequest struct {
	Scope string `json:"scope" validate:"omitempty,oneof=ALL USDC all usdc"`
}

type topUpRequest struct {
	Asset      string          `json:"asset" validate:"required,oneof=BTC USDC"`
	Amount     decimal.Decimal `json:"amount"`
	Source     string          `json:"source" validate:"max=128"`
	Reference  string          `json:"reference" validate:"max=128"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

type adjustLotRequest struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Notes       string          `json:"notes" validate:"required,max=1024"`
}

type reconciliationRequest struct {
	Asset          string           `json:"asset" validate:"required,oneof=BTC USDC"`
	OnchainBalance *decimal.Decimal `json:"onchain_balance,omitempty"`
}

type resolveReconciliationRequest struct {
	Notes string `json:"notes" validate:"required,max=1024"`
}

// decodeOptionalJSON accepts an empty body and leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, dst)
}

// ListOrders handles GET /v1/admin/orders?status=.
func (h *AdminHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	orders, err := h.orders.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		respondServiceError(w, r, "list orders", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *AdminHandler) HoldOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	order, err := h.admin.Hold(r.Context(), middleware.ActorFromContext(r.Context()), orderID, req.Reason)
	if err != nil {
		respondServiceError(w, r, "hold order", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *AdminHandler) ReleaseOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	order, err := h.admin.Release(r.Context(), middleware.ActorFromContext(r.Context()), orderID)
	if err != nil {
		respondServiceError(w, r, "release order", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *AdminHandler) RetryOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	order, err := h.admin.Retry(r.Context(), middleware.ActorFromContext(r.Context()), orderID)
	if err != nil {
		respondServiceError(w, r, "retry order", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *AdminHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	order, err := h.admin.Cancel(r.Context(), middleware.ActorFromContext(r.Context()), orderID, req.Reason)
	if err != nil {
		respondServiceError(w, r, "cancel order", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

// ForceSend handles POST /v1/admin/orders/{id}/force-send (super_admin).
func (h *AdminHandler) ForceSend(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	order, err := h.admin.ForceSend(r.Context(), middleware.ActorFromContext(r.Context()), orderID)
	if err != nil {
		respondServiceError(w, r, "force send", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *AdminHandler) ResolveSending(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req resolveSendingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := h.admin.ResolveSending(r.Context(), middleware.ActorFromContext(r.Context()), orderID, req.Decision, req.TxHash, req.Reason)
	if err != nil {
		respondServiceError(w, r, "resolve sending", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

func (h *AdminHandler) RunAllocator(w http.ResponseWriter, r *http.Request) {
	summary, err := h.admin.RunAllocator(r.Context(), middleware.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "run allocator", err)
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) RunSender(w http.ResponseWriter, r *http.Request) {
	summary, err := h.admin.RunSender(r.Context(), middleware.ActorFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, "run sender", err)
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.List(r.Context())
	if err != nil {
		respondServiceError(w, r, "list settings", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// PutSetting handles PUT /v1/admin/settings/{key}.
func (h *AdminHandler) PutSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	setting, err := h.admin.SetSetting(r.Context(), middleware.ActorFromContext(r.Context()), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		respondServiceError(w, r, "set setting", err)
		return
	}
	RespondJSON(w, http.StatusOK, setting)
}

func (h *AdminHandler) PausePayouts(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	setting, err := h.admin.PausePayouts(r.Context(), middleware.ActorFromContext(r.Context()), req.Scope)
	if err != nil {
		respondServiceError(w, r, "pause payouts", err)
		return
	}
	RespondJSON(w, http.StatusOK, setting)
}

func (h *AdminHandler) ResumePayouts(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	setting, err := h.admin.ResumePayouts(r.Context(), middleware.ActorFromContext(r.Context()), req.Scope)
	if err != nil {
		respondServiceError(w, r, "resume payouts", err)
		return
	}
	RespondJSON(w, http.StatusOK, setting)
}

// InventorySnapshot handles GET /v1/admin/inventory/{asset}.
func (h *AdminHandler) InventorySnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.ledger.Snapshot(r.Context(), strings.ToUpper(chi.URLParam(r, "asset")))
	if err != nil {
		respondServiceError(w, r, "inventory snapshot", err)
		return
	}
	RespondJSON(w, http.StatusOK, snapshot)
}

func (h *AdminHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	lots, err := h.ledger.ListLots(r.Context(), strings.ToUpper(chi.URLParam(r, "asset")), limit, offset)
	if err != nil {
		respondServiceError(w, r, "list lots", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

// TopUp handles POST /v1/admin/inventory/lots.
func (h *AdminHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topUp := service.TopUpRequest{
		Asset:     req.Asset,
		Amount:    req.Amount,
		Source:    req.Source,
		Reference: req.Reference,
		ExpiresAt: req.ExpiresAt,
	}
	if req.ReceivedAt != nil {
		topUp.ReceivedAt = *req.ReceivedAt
	}
	lot, err := h.ledger.TopUp(r.Context(), middleware.ActorFromContext(r.Context()), topUp)
	if err != nil {
		respondServiceError(w, r, "top up inventory", err)
		return
	}
	RespondJSON(w, http.StatusCreated, lot)
}

func (h *AdminHandler) AdjustLot(w http.ResponseWriter, r *http.Request) {
	lotID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req adjustLotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lot, err := h.ledger.AdjustLot(r.Context(), middleware.ActorFromContext(r.Context()), lotID, req.TotalAmount, req.Notes)
	if err != nil {
		respondServiceError(w, r, "adjust lot", err)
		return
	}
	RespondJSON(w, http.StatusOK, lot)
}

func (h *AdminHandler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()
	records, err := h.recon.List(r.Context(), q.Get("status"), q.Get("asset"), limit, offset)
	if err != nil {
		respondServiceError(w, r, "list reconciliations", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"reconciliations": records})
}

// RunReconciliation handles POST /v1/admin/reconciliations. With an
// onchain_balance it records that figure; otherwise it asks custody. A
// custody failure still returns the PENDING record with 202.
func (h *AdminHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req reconciliationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OnchainBalance != nil {
		rec, err := h.recon.Record(r.Context(), req.Asset, *req.OnchainBalance)
		if err != nil {
			respondServiceError(w, r, "record reconciliation", err)
			return
		}
		RespondJSON(w, http.StatusCreated, rec)
		return
	}

	rec, err := h.recon.Run(r.Context(), req.Asset)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusCreated, rec)
	case rec.Status == domain.ReconciliationPending:
		zap.L().Warn("reconciliation recorded as pending", zap.String("asset", req.Asset), zap.Error(err))
		RespondJSON(w, http.StatusAccepted, rec)
	default:
		respondServiceError(w, r, "run reconciliation", err)
	}
}

func (h *AdminHandler) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req resolveReconciliationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := h.recon.Resolve(r.Context(), middleware.ActorFromContext(r.Context()), id, req.Notes)
	if err != nil {
		respondServiceError(w, r, "resolve reconciliation", err)
		return
	}
	RespondJSON(w, http.StatusOK, rec)
}

// ListAuditLogs handles GET /v1/admin/audit-logs?entity_type=&entity_id=.
func (h *AdminHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()
	entries, err := h.audit.List(r.Context(), q.Get("entity_type"), q.Get("entity_id"), limit, offset)
	if err != nil {
		respondServiceError(w, r, "list audit logs", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"audit_logs": entries})
}
