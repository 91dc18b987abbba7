package custody

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnavailable means the provider was not called, so nothing was sent.
var ErrUnavailable = errors.New("custody provider unavailable")

// RejectionError is a definite refusal: the provider answered and the
// transfer was not and will never be executed. Any other SendAsset error
// leaves the outcome unknown.
type RejectionError struct {
	Status int
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// Reject builds a RejectionError carrying reason verbatim.
func Reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// IsRejection reports whether err is a definite provider refusal.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// State is the normalized lifecycle of a custody transfer.
type State string

const (
	StatePending   State = "PENDING"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateNotFound  State = "NOT_FOUND"
)

// TransferRequest asks the provider to move Amount of Asset to Destination.
// ExternalID is the attempt id and makes the request idempotent at the provider.
type TransferRequest struct {
	ExternalID  string
	Asset       string
	Amount      decimal.Decimal
	Destination string
	Note        string
}

type Transfer struct {
	ProviderID string
	ExternalID string
	State      State
	TxHash     string
	Reason     string
}

// Settled reports whether the transfer is on chain with a known hash.
func (t Transfer) Settled() bool {
	return (t.State == StateSubmitted || t.State == StateConfirmed) && t.TxHash != ""
}

// Provider is the custody boundary used by the sender and reconciliation.
type Provider interface {
	SendAsset(ctx context.Context, req TransferRequest) (Transfer, error)
	LookupTransfer(ctx context.Context, externalID string) (Transfer, error)
	OnchainBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// NormalizeState maps provider status strings onto State.
func NormalizeState(raw string) State {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "CONFIRMED":
		return StateConfirmed
	case "BROADCASTING", "CONFIRMING", "SUBMITTED", "SENT":
		return StateSubmitted
	case "FAILED", "REJECTED", "CANCELLED", "CANCELED", "BLOCKED":
		return StateFailed
	case "NOT_FOUND":
		return StateNotFound
	default:
		return StatePending
	}
}
