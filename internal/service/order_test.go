package service

import (
	"context"
	"testing"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitOrderDerivesAssetAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, created, err := f.orders.Submit(ctx, salesActor, SubmitOrderRequest{
		OrderType:   " card_redemption ",
		CustomerID:  "cust-9",
		ReferenceID: "card-1",
		UsdAmount:   dec("250"),
		Destination: testBTCAddress,
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.OrderTypeCardRedemption, order.OrderType)
	assert.Equal(t, domain.AssetBTC, order.Asset)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
	assert.Equal(t, domain.KycPending, order.KycStatus)
	assert.Nil(t, order.AssetAmount)

	assert.Equal(t, []string{"order.submit"}, f.auditActions(t, domain.EntityOrder, order.ID.String()))
	require.Len(t, f.events.OfType(events.TypeOrderStatusChanged), 1)
}

func TestSubmitOrderRepeatedReferenceReturnsExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SubmitOrderRequest{
		OrderType:   domain.OrderTypeSellBTC,
		CustomerID:  "cust-2",
		ReferenceID: "sell-1",
		UsdAmount:   dec("100"),
		Destination: testUSDCAddress,
	}

	first, created, err := f.orders.Submit(ctx, salesActor, req)
	require.NoError(t, err)
	require.True(t, created)

	req.UsdAmount = dec("999")
	second, created, err := f.orders.Submit(ctx, salesActor, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.USDAmount.Equal(dec("100")))

	orders, err := f.orders.List(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestSubmitOrderReferenceOfAnotherCustomerConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := domain.Actor{Type: domain.RoleCustomer, ID: "alice"}
	bob := domain.Actor{Type: domain.RoleCustomer, ID: "bob"}
	req := SubmitOrderRequest{
		OrderType:   domain.OrderTypeBuyBTC,
		ReferenceID: "order-1",
		UsdAmount:   dec("500"),
		Destination: testBTCAddress,
	}

	first, created, err := f.orders.Submit(ctx, alice, req)
	require.NoError(t, err)
	require.True(t, created)

	req.UsdAmount = dec("900")
	got, created, err := f.orders.Submit(ctx, bob, req)
	require.ErrorIs(t, err, domain.ErrReferenceConflict)
	assert.False(t, created)
	assert.Equal(t, uuid.Nil, got.ID)
	assert.Empty(t, got.CustomerID)

	again, created, err := f.orders.Submit(ctx, alice, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	orders, err := f.orders.List(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "alice", orders[0].CustomerID)
}

func TestSubmitOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	negative := dec("-0.1")

	valid := func() SubmitOrderRequest {
		return SubmitOrderRequest{
			OrderType:   domain.OrderTypeBuyBTC,
			CustomerID:  "cust-1",
			ReferenceID: uuid.NewString(),
			UsdAmount:   dec("10"),
			Destination: testBTCAddress,
		}
	}
	cases := []struct {
		name   string
		mutate func(r *SubmitOrderRequest)
		err    error
	}{
		{name: "unknown type", mutate: func(r *SubmitOrderRequest) { r.OrderType = "GIFT" }, err: domain.ErrInvalidOrder},
		{name: "zero usd", mutate: func(r *SubmitOrderRequest) { r.UsdAmount = dec("0") }, err: domain.ErrInvalidOrder},
		{name: "missing reference", mutate: func(r *SubmitOrderRequest) { r.ReferenceID = " " }, err: domain.ErrInvalidOrder},
		{name: "missing customer", mutate: func(r *SubmitOrderRequest) { r.CustomerID = "" }, err: domain.ErrInvalidOrder},
		{name: "negative fixed amount", mutate: func(r *SubmitOrderRequest) { r.AssetAmount = &negative }, err: domain.ErrInvalidOrder},
		{name: "usdc address for btc", mutate: func(r *SubmitOrderRequest) { r.Destination = testUSDCAddress }, err: domain.ErrInvalidDestination},
		{name: "mainnet address on testnet", mutate: func(r *SubmitOrderRequest) { r.Destination = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4" }, err: domain.ErrInvalidDestination},
		{name: "btc address for usdc", mutate: func(r *SubmitOrderRequest) {
			r.OrderType = domain.OrderTypeSellBTC
			r.Destination = testBTCAddress
		}, err: domain.ErrInvalidDestination},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(&req)
			_, _, err := f.orders.Submit(ctx, salesActor, req)
			require.ErrorIs(t, err, tc.err)
		})
	}

	_, _, err := f.orders.Submit(ctx, domain.Actor{}, valid())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCustomerSeesOnlyOwnOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	own, _, err := f.orders.Submit(ctx, customerActor, SubmitOrderRequest{
		OrderType:   domain.OrderTypeBuyBTC,
		CustomerID:  "someone-else",
		ReferenceID: "buy-1",
		UsdAmount:   dec("50"),
		Destination: testBTCAddress,
	})
	require.NoError(t, err)
	assert.Equal(t, customerActor.ID, own.CustomerID)

	other := f.submitBTC(t, "other-1", "0.01")

	got, err := f.orders.GetFor(ctx, customerActor, own.ID)
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)

	_, err = f.orders.GetFor(ctx, customerActor, other.ID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = f.orders.GetFor(ctx, adminActor, other.ID)
	require.NoError(t, err)

	_, err = f.orders.Get(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListOrdersFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitBTC(t, "a", "0.01")
	f.submitBTC(t, "b", "0.02")

	submitted, err := f.orders.List(ctx, "submitted", 10, 0)
	require.NoError(t, err)
	require.Len(t, submitted, 2)
	assert.Equal(t, "a", submitted[0].ReferenceID)

	sent, err := f.orders.List(ctx, domain.OrderStatusSent, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, sent)

	_, err = f.orders.List(ctx, "SHIPPED", 10, 0)
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{domain.OrderStatusSubmitted, domain.OrderStatusReadyToSend, true},
		{domain.OrderStatusReadyToSend, domain.OrderStatusSending, true},
		{domain.OrderStatusSending, domain.OrderStatusSent, true},
		{domain.OrderStatusSending, domain.OrderStatusReadyToSend, true},
		{domain.OrderStatusSent, domain.OrderStatusCompleted, true},
		{domain.OrderStatusFailed, domain.OrderStatusReadyToSend, true},
		{domain.OrderStatusHold, domain.OrderStatusCancelled, true},
		{domain.OrderStatusSent, domain.OrderStatusFailed, false},
		{domain.OrderStatusSending, domain.OrderStatusHold, false},
		{domain.OrderStatusCompleted, domain.OrderStatusSent, false},
		{domain.OrderStatusCancelled, domain.OrderStatusSubmitted, false},
		{domain.OrderStatusSubmitted, domain.OrderStatusSent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
