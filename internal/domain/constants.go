package domain

// Assets held in custody and tracked by the inventory ledger.
const (
	AssetBTC         = "BTC"
	AssetUSDC        = "USDC"
	AssetUSDCCompany = "USDC_COMPANY"

	OrderTypeBuyBTC         = "BUY_BTC"
	OrderTypeSellBTC        = "SELL_BTC"
	OrderTypeCardRedemption = "CARD_REDEMPTION"

	// Order statuses
	OrderStatusSubmitted        = "SUBMITTED"
	OrderStatusKycPending       = "KYC_PENDING"
	OrderStatusWaitingInventory = "WAITING_INVENTORY"
	OrderStatusReadyToSend      = "READY_TO_SEND"
	OrderStatusSending          = "SENDING"
	OrderStatusSent             = "SENT"
	OrderStatusCompleted        = "COMPLETED"
	OrderStatusFailed           = "FAILED"
	OrderStatusHold             = "HOLD"
	OrderStatusCancelled        = "CANCELLED"

	KycApproved = "APPROVED"
	KycPending  = "PENDING"
	KycRejected = "REJECTED"

	ReservationHeld      = "HELD"
	ReservationReleased  = "RELEASED"
	ReservationConfirmed = "CONFIRMED"

	AttemptSending = "SENDING"
	AttemptSent    = "SENT"
	AttemptFailed  = "FAILED"

	ReconciliationPending     = "PENDING"
	ReconciliationMatched     = "MATCHED"
	ReconciliationDiscrepancy = "DISCREPANCY"
	ReconciliationResolved    = "RESOLVED"

	LotSourceManualTopUp        = "MANUAL_TOPUP"
	LotSourceUserSell           = "USER_SELL"
	LotSourceExchangeWithdrawal = "EXCHANGE_WITHDRAWAL"
	LotSourceAdjustment         = "ADJUSTMENT"

	// System settings keys
	SettingAutoSendEnabled       = "AUTO_SEND_ENABLED"
	SettingPayoutsPaused         = "PAYOUTS_PAUSED"
	SettingUSDCPayoutsPaused     = "USDC_PAYOUTS_PAUSED"
	SettingDailyBTCLimit         = "DAILY_BTC_LIMIT"
	SettingMaxTxBTCLimit         = "MAX_TX_BTC_LIMIT"
	SettingLowInventoryThreshold = "LOW_INVENTORY_THRESHOLD"

	EntityOrder          = "fulfillment_order"
	EntityLot            = "inventory_lot"
	EntityReservation    = "inventory_reservation"
	EntityReconciliation = "reconciliation_record"
	EntitySetting        = "system_setting"
)

// ValidOrderTypes lists every accepted order type.
var ValidOrderTypes = map[string]struct{}{
	OrderTypeBuyBTC:         {},
	OrderTypeSellBTC:        {},
	OrderTypeCardRedemption: {},
}

// ValidLotSources lists the accepted inventory lot origins.
var ValidLotSources = map[string]struct{}{
	LotSourceManualTopUp:        {},
	LotSourceUserSell:           {},
	LotSourceExchangeWithdrawal: {},
	LotSourceAdjustment:         {},
}

// ValidAssets lists every asset the ledger tracks.
var ValidAssets = map[string]struct{}{
	AssetBTC:         {},
	AssetUSDC:        {},
	AssetUSDCCompany: {},
}

// DeliveryAsset returns the asset paid out for an order type.
func DeliveryAsset(orderType string) (string, bool) {
	switch orderType {
	case OrderTypeBuyBTC, OrderTypeCardRedemption:
		return AssetBTC, true
	case OrderTypeSellBTC:
		return AssetUSDC, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case OrderStatusSent, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}
