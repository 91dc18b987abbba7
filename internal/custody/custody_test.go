package custody

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeState(t *testing.T) {
	cases := map[string]State{
		"COMPLETED":         StateConfirmed,
		"confirming":        StateSubmitted,
		"BROADCASTING":      StateSubmitted,
		"REJECTED":          StateFailed,
		"BLOCKED":           StateFailed,
		"PENDING_SIGNATURE": StatePending,
		"QUEUED":            StatePending,
		"NOT_FOUND":         StateNotFound,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeState(raw), raw)
	}
}

func TestTransferSettled(t *testing.T) {
	assert.True(t, Transfer{State: StateSubmitted, TxHash: "ab"}.Settled())
	assert.False(t, Transfer{State: StateSubmitted}.Settled())
	assert.False(t, Transfer{State: StatePending, TxHash: "ab"}.Settled())
}

func TestMockProviderIsIdempotentByExternalID(t *testing.T) {
	m := NewMockProvider()
	m.SetBalance("BTC", decimal.NewFromInt(2))
	req := TransferRequest{ExternalID: "att-1", Asset: "BTC", Amount: decimal.RequireFromString("0.5"), Destination: "bc1q"}

	first, err := m.SendAsset(context.Background(), req)
	require.NoError(t, err)
	second, err := m.SendAsset(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEmpty(t, first.TxHash)
	assert.Equal(t, 1, m.Sent())

	bal, err := m.OnchainBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.String())

	found, err := m.LookupTransfer(context.Background(), "att-1")
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, found.TxHash)

	missing, err := m.LookupTransfer(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, missing.State)
}

func TestMockProviderCanceledContext(t *testing.T) {
	m := NewMockProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.SendAsset(ctx, TransferRequest{ExternalID: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Sent())
}

func TestMockProviderBalanceUnavailable(t *testing.T) {
	_, err := NewMockProvider().OnchainBalance(context.Background(), "USDC")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	m := NewMockProvider()
	m.FailSends(errors.New("node down"))
	b := NewBreakerProvider(m, BreakerConfig{Name: "custody_test", Timeout: time.Minute, ConsecutiveFailureThreshold: 2})

	for i := 0; i < 2; i++ {
		_, err := b.SendAsset(context.Background(), TransferRequest{ExternalID: "a"})
		require.EqualError(t, err, "node down")
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.SendAsset(context.Background(), TransferRequest{ExternalID: "a"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	m := NewMockProvider()
	b := NewBreakerProvider(m, BreakerConfig{Name: "custody_cancel", ConsecutiveFailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.SendAsset(ctx, TransferRequest{ExternalID: "a"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func newTestFireblocks(t *testing.T, handler http.HandlerFunc) (*FireblocksClient, *rsa.PrivateKey) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	c, err := NewFireblocksClient(FireblocksConfig{
		BaseURL:    srv.URL,
		APIKey:     "api-key",
		PrivateKey: key,
		VaultID:    "7",
	})
	require.NoError(t, err)
	return c, key
}

func TestFireblocksSendAssetSignsRequest(t *testing.T) {
	var captured fbCreateTx
	var key *rsa.PrivateKey
	c, key := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transactions", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("X-API-Key"))

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &signClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		assert.NoError(t, err)
		assert.Equal(t, "/v1/transactions", claims.URI)
		assert.Equal(t, "api-key", claims.Subject)
		assert.Len(t, claims.BodyHash, 64)

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(fbTx{ID: "fb-1", Status: "BROADCASTING", TxHash: "deadbeef"})
	})

	tr, err := c.SendAsset(context.Background(), TransferRequest{
		ExternalID:  "att-9",
		Asset:       "BTC",
		Amount:      decimal.RequireFromString("0.01"),
		Destination: "bc1qdest",
	})
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, tr.State)
	assert.Equal(t, "deadbeef", tr.TxHash)
	assert.True(t, tr.Settled())

	assert.Equal(t, "att-9", captured.ExternalTxID)
	assert.Equal(t, "0.01", captured.Amount)
	assert.Equal(t, "7", captured.Source.ID)
	assert.Equal(t, "bc1qdest", captured.Destination.OneTimeAddress.Address)
}

func TestFireblocksLookupNotFound(t *testing.T) {
	c, _ := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/external_tx_id/att-1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found","code":1404}`))
	})
	tr, err := c.LookupTransfer(context.Background(), "att-1")
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, tr.State)
}

func TestFireblocksLookupFailedCarriesReason(t *testing.T) {
	c, _ := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fbTx{ID: "fb-2", Status: "FAILED", SubStatus: "INSUFFICIENT_FUNDS"})
	})
	tr, err := c.LookupTransfer(context.Background(), "att-2")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tr.State)
	assert.Equal(t, "FAILED INSUFFICIENT_FUNDS", tr.Reason)
}

func TestFireblocksErrorResponse(t *testing.T) {
	c, _ := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"destination address is invalid","code":1427}`))
	})
	_, err := c.SendAsset(context.Background(), TransferRequest{ExternalID: "a", Asset: "BTC", Amount: decimal.NewFromInt(1)})
	require.EqualError(t, err, "custody api returned 400: destination address is invalid")

	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
}

func TestFireblocksSendAssetErrorClasses(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{name: "bad request", status: http.StatusBadRequest, rejected: true},
		{name: "forbidden", status: http.StatusForbidden, rejected: true},
		{name: "conflict", status: http.StatusConflict},
		{name: "throttled", status: http.StatusTooManyRequests},
		{name: "request timeout", status: http.StatusRequestTimeout},
		{name: "bad gateway", status: http.StatusBadGateway},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "undecodable success", status: http.StatusOK, body: "{not json"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.SendAsset(context.Background(), TransferRequest{ExternalID: "a", Asset: "BTC", Amount: decimal.NewFromInt(1)})
			require.Error(t, err)
			assert.Equal(t, tc.rejected, IsRejection(err))
			assert.NotErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestFireblocksUnknownAssetIsUnavailable(t *testing.T) {
	called := false
	c, _ := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	_, err := c.SendAsset(context.Background(), TransferRequest{ExternalID: "a", Asset: "DOGE", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called)
}

func TestBreakerIgnoresRejections(t *testing.T) {
	m := NewMockProvider()
	m.FailSends(Reject("destination is sanctioned"))
	b := NewBreakerProvider(m, BreakerConfig{Name: "custody_reject", ConsecutiveFailureThreshold: 1})

	for i := 0; i < 3; i++ {
		_, err := b.SendAsset(context.Background(), TransferRequest{ExternalID: "a"})
		require.True(t, IsRejection(err))
		require.EqualError(t, err, "destination is sanctioned")
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestFireblocksOnchainBalance(t *testing.T) {
	c, _ := newTestFireblocks(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vault/accounts/7/USDC", r.URL.Path)
		_ = json.NewEncoder(w).Encode(fbVaultAsset{ID: "USDC", Total: "1500.25"})
	})
	bal, err := c.OnchainBalance(context.Background(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, "1500.25", bal.String())

	_, err = c.OnchainBalance(context.Background(), "DOGE")
	require.Error(t, err)
}
