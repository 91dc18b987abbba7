package custody

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockProvider simulates a custody provider for local runs and tests.
// Transfers settle immediately unless FailureRate or SendErr say otherwise.
type MockProvider struct {
	// FailureRate is the probability (0.0 to 1.0) that a send is rejected.
	FailureRate float64
	// MaxDelay bounds the simulated network latency.
	MaxDelay time.Duration

	mu        sync.Mutex
	transfers map[string]Transfer
	balances  map[string]decimal.Decimal
	sendErr   error
	sendState State
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		transfers: make(map[string]Transfer),
		balances:  make(map[string]decimal.Decimal),
		sendState: StateSubmitted,
	}
}

// SetBalance fixes the on-chain balance reported for asset.
func (m *MockProvider) SetBalance(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

// FailSends makes every following send return err; nil restores success.
func (m *MockProvider) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SendState sets the state reported for new transfers.
func (m *MockProvider) SendState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendState = state
}

// SetTransfer overrides what LookupTransfer reports for externalID.
func (m *MockProvider) SetTransfer(t Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[t.ExternalID] = t
}

// Sent returns the number of transfers accepted so far.
func (m *MockProvider) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

func (m *MockProvider) SendAsset(ctx context.Context, req TransferRequest) (Transfer, error) {
	if m.MaxDelay > 0 {
		delay := time.Duration(rand.Int63n(int64(m.MaxDelay)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Transfer{}, fmt.Errorf("custody call canceled: %w", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return Transfer{}, fmt.Errorf("custody call canceled: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.transfers[req.ExternalID]; ok {
		return existing, nil
	}
	if m.sendErr != nil {
		return Transfer{}, m.sendErr
	}
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return Transfer{}, Reject("mock custody rejected transfer " + req.ExternalID)
	}

	t := Transfer{
		ProviderID: "MOCK-" + req.ExternalID,
		ExternalID: req.ExternalID,
		State:      m.sendState,
	}
	if t.State == StateSubmitted || t.State == StateConfirmed {
		t.TxHash = mockTxHash(req)
	}
	m.transfers[req.ExternalID] = t
	if bal, ok := m.balances[req.Asset]; ok {
		m.balances[req.Asset] = bal.Sub(req.Amount)
	}
	return t, nil
}

func (m *MockProvider) LookupTransfer(ctx context.Context, externalID string) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return Transfer{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[externalID]
	if !ok {
		return Transfer{ExternalID: externalID, State: StateNotFound}, nil
	}
	return t, nil
}

func (m *MockProvider) OnchainBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no balance for %s", ErrUnavailable, asset)
	}
	return bal, nil
}

func mockTxHash(req TransferRequest) string {
	sum := sha256.Sum256([]byte(req.ExternalID + "|" + req.Destination + "|" + req.Amount.String()))
	return hex.EncodeToString(sum[:])
}
