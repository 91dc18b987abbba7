package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/address"
	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/kyc"
	"github.com/bitcard/fulfillment-engine/internal/pricing"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/bitcard/fulfillment-engine/internal/testutil/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingWorkerRunsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	w := NewPollingWorker("test", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	stop := w.Run(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()
	stop()
}

func TestPollingWorkerRunOnceReturnsPassError(t *testing.T) {
	boom := errors.New("boom")
	w := NewPollingWorker("test", time.Hour, func(ctx context.Context) error { return boom })
	require.ErrorIs(t, w.RunOnce(context.Background()), boom)
}

func TestReconciliationWorkerRunOnce(t *testing.T) {
	store := memstore.New()
	audit := service.NewAuditService(store)
	ledger := service.NewLedgerService(store, audit)
	provider := custody.NewMockProvider()
	recon := service.NewReconciliationService(store, audit, ledger, provider, events.NewMemoryPublisher(), decimal.Zero)

	provider.SetBalance(domain.AssetBTC, decimal.Zero)
	w := NewReconciliationWorker(recon, []string{domain.AssetBTC, domain.AssetUSDC})

	// USDC has no custody balance configured, so that run is recorded as pending.
	assert.Equal(t, 1, w.RunOnce(context.Background()))

	records, err := recon.List(context.Background(), "", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	bad := NewReconciliationWorker(recon, nil).WithSchedule("not a schedule")
	require.Error(t, bad.Start(context.Background()))
}

func TestAllocatorAndSenderWorkersMoveOrders(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	publisher := events.NewMemoryPublisher()
	audit := service.NewAuditService(store)
	ledger := service.NewLedgerService(store, audit)
	settings := service.NewSettingsService(store, audit)
	validator, err := address.NewValidator("testnet")
	require.NoError(t, err)
	orders := service.NewOrderService(store, audit, validator, publisher)
	allocator := service.NewAllocatorService(store, audit, ledger, settings,
		kyc.NewStaticProvider(domain.KycApproved),
		pricing.NewStatic(map[string]decimal.Decimal{domain.AssetBTC: decimal.NewFromInt(50_000)}),
		publisher)
	sender := service.NewSenderService(store, audit, ledger, settings, custody.NewMockProvider(), publisher)

	admin := domain.Actor{Type: domain.RoleAdmin, ID: "admin-1"}
	_, err = ledger.TopUp(ctx, admin, service.TopUpRequest{Asset: domain.AssetBTC, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = settings.Set(ctx, admin, domain.SettingAutoSendEnabled, "true", "test.set")
	require.NoError(t, err)
	order, _, err := orders.Submit(ctx, domain.Actor{Type: domain.RoleSalesRep, ID: "rep-1"}, service.SubmitOrderRequest{
		OrderType:   domain.OrderTypeBuyBTC,
		CustomerID:  "cust-1",
		ReferenceID: "worker-1",
		UsdAmount:   decimal.NewFromInt(500),
		Destination: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
	})
	require.NoError(t, err)

	require.NoError(t, NewAllocatorWorker(allocator, orders, time.Hour).RunOnce(ctx))
	got, err := orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReadyToSend, got.Status)

	require.NoError(t, NewSenderWorker(sender, time.Hour).RunOnce(ctx))
	got, err = orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSent, got.Status)
}

