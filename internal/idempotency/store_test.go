package idempotency

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/testutil/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderRequest(actor, key, body string) Request {
	return Request{Actor: actor, Key: key, Method: "POST", Path: "/v1/orders", Body: []byte(body)}
}

func TestStoreReserveFinalizeLookup(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, memstore.New(), time.Hour)
	req := orderRequest("rep-1", "k1", `{"reference_id":"r1"}`)

	_, err := s.Lookup(ctx, req)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Reserve(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Reserve(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Lookup(ctx, req)
	require.ErrorIs(t, err, ErrInProgress)
	_, err = s.Lookup(ctx, orderRequest("rep-1", "k1", `{"reference_id":"r2"}`))
	require.ErrorIs(t, err, ErrHashMismatch)

	rec, err := s.Finalize(ctx, req, 201, []byte(`{"id":"x"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, 201, rec.Status)

	got, err := s.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x"}`, string(got.Body))
	assert.Equal(t, "postgres", got.ServedBy)

	_, err = s.Finalize(ctx, orderRequest("rep-1", "k1", "other"), 200, nil, "application/json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreScopesKeysByActor(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, memstore.New(), time.Hour)

	ok, err := s.Reserve(ctx, orderRequest("rep-1", "shared", "a"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Reserve(ctx, orderRequest("rep-2", "shared", "b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreReleaseFreesKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, memstore.New(), time.Hour)
	req := orderRequest("rep-1", "k3", "body")

	_, err := s.Reserve(ctx, req)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, req))

	_, err = s.Lookup(ctx, req)
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := s.Reserve(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForCompletionHonorsContext(t *testing.T) {
	s := NewStore(nil, memstore.New(), time.Hour)
	req := orderRequest("rep-1", "k2", "h")
	_, err := s.Reserve(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = s.WaitForCompletion(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, Request{Key: "3f1c-order-7"}.Validate())
	assert.ErrorIs(t, Request{Key: " "}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Request{Key: "has space"}.Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Request{Key: strings.Repeat("k", maxKeyLength+1)}.Validate(), ErrInvalidKey)
}
