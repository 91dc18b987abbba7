package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/bitcard/fulfillment-engine/internal/testutil/pgtest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertReadyOrder(t *testing.T, q repository.Querier, ref string) repository.FulfillmentOrder {
	t.Helper()
	order, err := q.InsertOrder(context.Background(), repository.InsertOrderParams{
		ID:          repository.ToPgUUID(uuid.New()),
		OrderType:   domain.OrderTypeCardRedemption,
		CustomerID:  "cust-" + ref,
		ReferenceID: ref,
		Asset:       domain.AssetBTC,
		UsdAmount:   decimal.NewFromInt(100),
		AssetAmount: decimal.NewNullDecimal(decimal.RequireFromString("0.002")),
		Destination: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		Status:      domain.OrderStatusReadyToSend,
		KycStatus:   domain.KycApproved,
	})
	require.NoError(t, err)
	return order
}

func TestPostgresInsertOrderDuplicateReference(t *testing.T) {
	pg := pgtest.Open(t)
	q := pg.Store.Queries()

	insertReadyOrder(t, q, "card-1")
	_, err := q.InsertOrder(context.Background(), repository.InsertOrderParams{
		ID:          repository.ToPgUUID(uuid.New()),
		OrderType:   domain.OrderTypeCardRedemption,
		CustomerID:  "cust-other",
		ReferenceID: "card-1",
		Asset:       domain.AssetBTC,
		UsdAmount:   decimal.NewFromInt(100),
		Destination: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		Status:      domain.OrderStatusSubmitted,
		KycStatus:   domain.KycPending,
	})
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestPostgresReadyQueueSkipsLockedOrders(t *testing.T) {
	pg := pgtest.Open(t)
	ctx := context.Background()
	first := insertReadyOrder(t, pg.Store.Queries(), "card-1")
	second := insertReadyOrder(t, pg.Store.Queries(), "card-2")

	held := make(chan struct{})
	done := make(chan struct{})
	var outer []repository.FulfillmentOrder
	go func() {
		defer close(done)
		_ = pg.Store.RunInTx(ctx, func(q repository.Querier) error {
			rows, err := q.ListReadyToSendForUpdate(ctx, repository.ListReadyToSendForUpdateParams{Assets: []string{domain.AssetBTC}, Limit: 1})
			outer = rows
			close(held)
			<-time.After(500 * time.Millisecond)
			return err
		})
	}()
	<-held

	start := time.Now()
	var inner []repository.FulfillmentOrder
	require.NoError(t, pg.Store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		inner, err = q.ListReadyToSendForUpdate(ctx, repository.ListReadyToSendForUpdateParams{Assets: []string{domain.AssetBTC}, Limit: 2})
		return err
	}))
	assert.Less(t, time.Since(start), 400*time.Millisecond, "claim must not wait on the locked row")
	<-done

	require.Len(t, outer, 1)
	assert.Equal(t, first.ID, outer[0].ID)
	require.Len(t, inner, 1)
	assert.Equal(t, second.ID, inner[0].ID)
}

func TestPostgresAssetLedgerLockSerializesTransactions(t *testing.T) {
	pg := pgtest.Open(t)
	ctx := context.Background()

	held := make(chan struct{})
	releasedAt := make(chan time.Time, 1)
	go func() {
		_ = pg.Store.RunInTx(ctx, func(q repository.Querier) error {
			if err := q.LockAssetLedger(ctx, domain.AssetBTC); err != nil {
				close(held)
				return err
			}
			close(held)
			time.Sleep(300 * time.Millisecond)
			releasedAt <- time.Now()
			return nil
		})
	}()
	<-held

	// Another asset is independent.
	require.NoError(t, pg.Store.RunInTx(ctx, func(q repository.Querier) error {
		return q.LockAssetLedger(ctx, domain.AssetUSDC)
	}))

	var acquiredAt time.Time
	require.NoError(t, pg.Store.RunInTx(ctx, func(q repository.Querier) error {
		if err := q.LockAssetLedger(ctx, domain.AssetBTC); err != nil {
			return err
		}
		acquiredAt = time.Now()
		return nil
	}))
	assert.False(t, acquiredAt.Before(<-releasedAt), "second BTC transaction acquired the ledger lock while the first held it")
}

func TestPostgresLotGuardsRejectOverdraw(t *testing.T) {
	pg := pgtest.Open(t)
	ctx := context.Background()
	q := pg.Store.Queries()

	lot, err := q.InsertLot(ctx, repository.InsertLotParams{
		ID:          repository.ToPgUUID(uuid.New()),
		Asset:       domain.AssetBTC,
		TotalAmount: decimal.RequireFromString("1"),
		Source:      "test",
		ReceivedAt:  repository.Timestamptz(time.Now()),
	})
	require.NoError(t, err)

	rows, err := q.UpdateLotAvailable(ctx, repository.UpdateLotAvailableParams{ID: lot.ID, AvailableAmount: decimal.RequireFromString("-0.1")})
	require.NoError(t, err)
	assert.Zero(t, rows)

	rows, err = q.UpdateLotAvailable(ctx, repository.UpdateLotAvailableParams{ID: lot.ID, AvailableAmount: decimal.RequireFromString("1.1")})
	require.NoError(t, err)
	assert.Zero(t, rows)

	rows, err = q.AdjustLot(ctx, repository.AdjustLotParams{ID: lot.ID, TotalAmount: decimal.RequireFromString("0.5"), AvailableAmount: decimal.RequireFromString("0.6")})
	require.NoError(t, err)
	assert.Zero(t, rows)

	rows, err = q.UpdateLotAvailable(ctx, repository.UpdateLotAvailableParams{ID: lot.ID, AvailableAmount: decimal.RequireFromString("0.25")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	got, err := q.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(decimal.RequireFromString("0.25")))

	_, err = q.GetLot(ctx, repository.ToPgUUID(uuid.New()))
	assert.True(t, errors.Is(err, pgx.ErrNoRows))
}
