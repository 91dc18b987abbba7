package domain

import "errors"

var (
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrKycNotApproved         = errors.New("kyc not approved")
	ErrLimitExceeded          = errors.New("limit exceeded")
	ErrSettlementFailure      = errors.New("settlement failure")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidTransition      = errors.New("invalid order state transition")
	ErrInvalidOrder           = errors.New("invalid order")
	ErrReferenceConflict      = errors.New("reference id belongs to another customer")
	ErrOrderNotFound          = errors.New("order not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrReservationSettled     = errors.New("reservation already settled")
	ErrLotNotFound            = errors.New("inventory lot not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrReconciliationNotFound = errors.New("reconciliation record not found")
	ErrNotResolvable          = errors.New("reconciliation record is not awaiting resolution")
	ErrNotesRequired          = errors.New("resolution notes are required")
	ErrUnknownSetting         = errors.New("unknown system setting")
	ErrInvalidSetting         = errors.New("invalid system setting value")
	ErrUnsupportedAsset       = errors.New("unsupported asset")
	ErrInvalidDestination     = errors.New("invalid destination address")
	ErrPayoutsPaused          = errors.New("payouts are paused")
	ErrInvalidDecision        = errors.New("invalid resolution decision")
	ErrInvalidSignature       = errors.New("invalid signature")
)
