package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRequiresRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.submitBTC(t, "a0", "0.1")

	_, err := f.admin.Hold(ctx, customerActor, order.ID, "")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.admin.Cancel(ctx, salesActor, order.ID, "")
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.admin.Release(ctx, domain.Actor{}, order.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.admin.ForceSend(ctx, adminActor, order.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.admin.RunSender(ctx, customerActor)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.admin.PausePayouts(ctx, salesActor, PauseScopeAll)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.admin.Hold(ctx, adminActor, uuid.New(), "")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAdminHoldReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "1")
	order := f.readyOrder(t, "a1", "0.4")
	reservationID := f.row(t, order.ID).ReservationID

	held, err := f.admin.Hold(ctx, adminActor, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusHold, held.Status)
	require.NotNil(t, held.BlockedReason)
	assert.Equal(t, defaultHoldReason, *held.BlockedReason)

	row := f.row(t, order.ID)
	assert.False(t, row.ReservationID.Valid)
	assert.Equal(t, domain.ReservationReleased, f.reservation(t, reservationID).Status)
	assert.True(t, f.eligible(t, domain.AssetBTC).Equal(dec("1")))

	// The allocator leaves held orders alone.
	_, err = f.allocator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusHold, f.row(t, order.ID).Status)

	released, err := f.admin.Release(ctx, adminActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReadyToSend, released.Status)
	assert.True(t, f.eligible(t, domain.AssetBTC).Equal(dec("0.6")))

	actions := f.auditActions(t, domain.EntityOrder, order.ID.String())
	assert.Contains(t, actions, "admin.hold")
	assert.Contains(t, actions, "admin.release")
}

func TestAdminReleaseParksBlockedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.submitBTC(t, "a2", "0.2")
	_, err := f.admin.Hold(ctx, adminActor, order.ID, "fraud review")
	require.NoError(t, err)

	released, err := f.admin.Release(ctx, adminActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWaitingInventory, released.Status)
	assert.Equal(t, reasonNoInventory, *released.BlockedReason)

	_, err = f.admin.Release(ctx, adminActor, order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAdminCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "1")
	ready := f.readyOrder(t, "a3", "0.1")
	submitted := f.submitBTC(t, "a4", "5")

	_, err := f.admin.Cancel(ctx, adminActor, ready.ID, "customer request")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	cancelled, err := f.admin.Cancel(ctx, adminActor, submitted.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	_, err = f.admin.Hold(ctx, adminActor, submitted.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.allocator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, f.row(t, submitted.ID).Status)
}

func TestAdminRetryFailedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "1")
	f.setSetting(t, domain.SettingAutoSendEnabled, "true")
	order := f.readyOrder(t, "a5", "0.3")

	f.custody.FailSends(custody.Reject("destination rejected"))
	_, err := f.sender.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, f.row(t, order.ID).Status)
	f.custody.FailSends(nil)

	_, err = f.admin.Retry(ctx, adminActor, uuid.New())
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	retried, err := f.admin.Retry(ctx, adminActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReadyToSend, retried.Status)
	assert.Nil(t, retried.FailedReason)

	summary, err := f.sender.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	row := f.row(t, order.ID)
	assert.Equal(t, domain.OrderStatusSent, row.Status)
	assert.Equal(t, int32(2), row.Attempt)
}

func TestAdminRetryFailsWhenStillBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.topUp(t, domain.AssetBTC, "0.3")
	f.setSetting(t, domain.SettingAutoSendEnabled, "true")
	order := f.readyOrder(t, "a6", "0.3")
	f.custody.FailSends(custody.Reject("destination rejected"))
	_, err := f.sender.Run(ctx)
	require.NoError(t, err)

	_, err = f.ledger.AdjustLot(ctx, adminActor, lot.ID, dec("0"), "write off")
	require.NoError(t, err)

	_, err = f.admin.Retry(ctx, adminActor, order.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientInventory)
	assert.Equal(t, domain.OrderStatusFailed, f.row(t, order.ID).Status)
}

func TestAdminForceSendBypassesLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "5")
	order := f.submitBTC(t, "a7", "1.5")
	_, err := f.allocator.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, reasonPerTxLimit, *f.row(t, order.ID).BlockedReason)

	f.setSetting(t, domain.SettingPayoutsPaused, "true")
	_, err = f.admin.ForceSend(ctx, superActor, order.ID)
	require.ErrorIs(t, err, domain.ErrPayoutsPaused)
	f.setSetting(t, domain.SettingPayoutsPaused, "false")

	sent, err := f.admin.ForceSend(ctx, superActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSent, sent.Status)
	require.NotNil(t, sent.TxHash)
	assert.True(t, f.eligible(t, domain.AssetBTC).Equal(dec("3.5")))

	actions := f.auditActions(t, domain.EntityOrder, order.ID.String())
	assert.Contains(t, actions, "admin.force_send")
	assert.Contains(t, actions, "sender.sent")
}

func TestAdminForceSendReportsSettlementFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "1")
	order := f.readyOrder(t, "a8", "0.2")
	f.custody.FailSends(custody.Reject("destination rejected"))

	got, err := f.admin.ForceSend(ctx, superActor, order.ID)
	require.ErrorIs(t, err, domain.ErrSettlementFailure)
	assert.Equal(t, domain.OrderStatusFailed, got.Status)
}

func TestAdminForceSendLeavesUnknownOutcomeSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "1")
	order := f.readyOrder(t, "a9", "0.2")
	f.custody.FailSends(errors.New("read custody response: connection reset"))

	got, err := f.admin.ForceSend(ctx, superActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSending, got.Status)
	assert.Equal(t, domain.ReservationHeld, f.reservation(t, f.row(t, order.ID).ReservationID).Status)
}

func TestAdminHoldRefusesInFlightSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topUp(t, domain.AssetBTC, "1")
	f.setSetting(t, domain.SettingAutoSendEnabled, "true")
	order := f.sendingOrder(t, "a10")

	_, err := f.admin.Hold(ctx, adminActor, order.ID, "suspicious")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	row := f.row(t, order.ID)
	assert.Equal(t, domain.OrderStatusSending, row.Status)
	assert.Equal(t, domain.ReservationHeld, f.reservation(t, row.ReservationID).Status)
}

func TestAdminPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	setting, err := f.admin.PausePayouts(ctx, adminActor, "usdc")
	require.NoError(t, err)
	assert.Equal(t, domain.SettingUSDCPayoutsPaused, setting.Key)
	assert.Equal(t, "true", setting.Value)

	loaded, err := f.settings.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.USDCPayoutsPaused)
	assert.False(t, loaded.PayoutsPaused)

	_, err = f.admin.PausePayouts(ctx, adminActor, "")
	require.NoError(t, err)
	_, err = f.admin.ResumePayouts(ctx, adminActor, PauseScopeAll)
	require.NoError(t, err)
	_, err = f.admin.ResumePayouts(ctx, adminActor, PauseScopeUSDC)
	require.NoError(t, err)

	loaded, err = f.settings.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded.PayoutsPaused)
	assert.False(t, loaded.USDCPayoutsPaused)

	_, err = f.admin.PausePayouts(ctx, adminActor, "ETH")
	require.ErrorIs(t, err, domain.ErrInvalidSetting)

	actions := f.auditActions(t, domain.EntitySetting, domain.SettingPayoutsPaused)
	assert.Equal(t, []string{"admin.pause_payouts", "admin.resume_payouts"}, actions)
}
