package service

import (
	"context"
	"testing"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/address"
	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/kyc"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/pricing"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/bitcard/fulfillment-engine/internal/testutil/memstore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testBTCAddress  = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	testUSDCAddress = "0x52908400098527886E0F7030069857D2E4169EE7"
)

var (
	adminActor    = domain.Actor{Type: domain.RoleAdmin, ID: "admin-1"}
	superActor    = domain.Actor{Type: domain.RoleSuperAdmin, ID: "root-1"}
	customerActor = domain.Actor{Type: domain.RoleCustomer, ID: "cust-1"}
	salesActor    = domain.Actor{Type: domain.RoleSalesRep, ID: "rep-1"}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store     QueryStore
	mem       *memstore.Store
	events    *events.MemoryPublisher
	custody   *custody.MockProvider
	kyc       *kyc.StaticProvider
	oracle    *pricing.Static
	audit     *AuditService
	ledger    *LedgerService
	settings  *SettingsService
	orders    *OrderService
	allocator *AllocatorService
	sender    *SenderService
	recon     *ReconciliationService
	admin     *AdminService
	webhook   *WebhookService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memstore.New()
	f := newFixtureWithStore(t, mem)
	f.mem = mem
	return f
}

func newFixtureWithStore(t *testing.T, store QueryStore) *fixture {
	t.Helper()

	validator, err := address.NewValidator("testnet")
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		events:  events.NewMemoryPublisher(),
		custody: custody.NewMockProvider(),
		kyc:     kyc.NewStaticProvider(domain.KycApproved),
		oracle:  pricing.NewStatic(map[string]decimal.Decimal{domain.AssetBTC: decimal.NewFromInt(50_000)}),
	}
	f.audit = NewAuditService(f.store)
	f.ledger = NewLedgerService(f.store, f.audit)
	f.settings = NewSettingsService(f.store, f.audit)
	f.orders = NewOrderService(f.store, f.audit, validator, f.events)
	f.allocator = NewAllocatorService(f.store, f.audit, f.ledger, f.settings, f.kyc, f.oracle, f.events)
	f.sender = NewSenderService(f.store, f.audit, f.ledger, f.settings, f.custody, f.events)
	f.recon = NewReconciliationService(f.store, f.audit, f.ledger, f.custody, f.events, decimal.Zero)
	f.admin = NewAdminService(f.store, f.audit, f.ledger, f.settings, f.allocator, f.sender, f.events)
	f.webhook = NewWebhookService(f.sender, "secret", false)
	return f
}

func (f *fixture) topUp(t *testing.T, asset, amount string) models.Lot {
	t.Helper()
	lot, err := f.ledger.TopUp(context.Background(), adminActor, TopUpRequest{
		Asset:  asset,
		Amount: dec(amount),
	})
	require.NoError(t, err)
	return lot
}

func (f *fixture) setSetting(t *testing.T, key, value string) {
	t.Helper()
	_, err := f.settings.Set(context.Background(), adminActor, key, value, "test.set")
	require.NoError(t, err)
}

// submitBTC submits a CARD_REDEMPTION order for a fixed BTC amount.
func (f *fixture) submitBTC(t *testing.T, ref, amount string) models.Order {
	t.Helper()
	fixed := dec(amount)
	order, created, err := f.orders.Submit(context.Background(), salesActor, SubmitOrderRequest{
		OrderType:   domain.OrderTypeCardRedemption,
		CustomerID:  "cust-" + ref,
		ReferenceID: ref,
		UsdAmount:   fixed.Mul(decimal.NewFromInt(50_000)),
		AssetAmount: &fixed,
		Destination: testBTCAddress,
	})
	require.NoError(t, err)
	require.True(t, created)
	return order
}

func (f *fixture) submitUSDC(t *testing.T, ref, usd string) models.Order {
	t.Helper()
	order, created, err := f.orders.Submit(context.Background(), salesActor, SubmitOrderRequest{
		OrderType:   domain.OrderTypeSellBTC,
		CustomerID:  "cust-" + ref,
		ReferenceID: ref,
		UsdAmount:   dec(usd),
		Destination: testUSDCAddress,
	})
	require.NoError(t, err)
	require.True(t, created)
	return order
}

func (f *fixture) row(t *testing.T, orderID uuid.UUID) repository.FulfillmentOrder {
	t.Helper()
	row, err := f.store.Queries().GetOrder(context.Background(), repository.ToPgUUID(orderID))
	require.NoError(t, err)
	return row
}

func (f *fixture) eligible(t *testing.T, asset string) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.EligibleBalance(context.Background(), asset)
	require.NoError(t, err)
	return bal
}

func (f *fixture) reservation(t *testing.T, reservationID pgtype.UUID) repository.InventoryReservation {
	t.Helper()
	var res repository.InventoryReservation
	require.NoError(t, f.store.RunInTx(context.Background(), func(q repository.Querier) error {
		var err error
		res, err = q.GetReservationForUpdate(context.Background(), reservationID)
		return err
	}))
	return res
}

// readyOrder submits a BTC order and allocates it.
func (f *fixture) readyOrder(t *testing.T, ref, amount string) models.Order {
	t.Helper()
	order := f.submitBTC(t, ref, amount)
	_, err := f.allocator.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusReadyToSend, f.row(t, order.ID).Status)
	return order
}

func (f *fixture) auditActions(t *testing.T, entityType, entityID string) []string {
	t.Helper()
	entries, err := f.audit.List(context.Background(), entityType, entityID, 100, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func withClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}
