package handler

import (
	"io"
	"net/http"

	"github.com/bitcard/fulfillment-engine/internal/service"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

// WebhookHandler receives custody settlement notifications.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookSvc: webhookSvc,
	}
}

// HandleCustodyWebhook handles POST /v1/webhooks/custody.
// The body must be signed with HMAC SHA-256 in the X-Webhook-Signature header.
func (h *WebhookHandler) HandleCustodyWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		zap.L().Error("read webhook body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	order, err := h.webhookSvc.HandleCustodyWebhook(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		respondServiceError(w, r, "process custody webhook", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}
