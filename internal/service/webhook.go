package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/models"
)

// WebhookService handles settlement notifications from the custody provider.
type WebhookService struct {
	sender  *SenderService
	hmacKey []byte
	skipSig bool
}

func NewWebhookService(sender *SenderService, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{
		sender:  sender,
		hmacKey: []byte(hmacKey),
		skipSig: skipSignature,
	}
}

// CustodyWebhookPayload is the body the custody provider posts for a transfer.
// ExternalID is the attempt id sent as the transfer's external reference.
type CustodyWebhookPayload struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	TxHash     string `json:"tx_hash"`
	Reason     string `json:"reason"`
}

// HandleCustodyWebhook verifies the signature and applies the settlement update.
func (s *WebhookService) HandleCustodyWebhook(ctx context.Context, payload []byte, signature string) (models.Order, error) {
	if !s.verifyHMAC(payload, signature) {
		return models.Order{}, domain.ErrInvalidSignature
	}

	var body CustodyWebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return models.Order{}, fmt.Errorf("%w: invalid payload: %v", domain.ErrInvalidOrder, err)
	}
	body.ExternalID = strings.TrimSpace(body.ExternalID)
	if body.ExternalID == "" {
		return models.Order{}, fmt.Errorf("%w: external_id is required", domain.ErrInvalidOrder)
	}
	if strings.TrimSpace(body.Status) == "" {
		return models.Order{}, fmt.Errorf("%w: status is required", domain.ErrInvalidOrder)
	}

	return s.sender.ConfirmSettlement(ctx, SettlementUpdate{
		ExternalID: body.ExternalID,
		State:      custody.NormalizeState(body.Status),
		TxHash:     strings.TrimSpace(body.TxHash),
		Reason:     strings.TrimSpace(body.Reason),
	})
}

// verifyHMAC checks a "sha256=<hex>" signature over the raw body.
func (s *WebhookService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}

	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(payload)
	expectedSig := "sha256=" + hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSig))
}
