package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker around a Provider.
type BreakerConfig struct {
	Name                        string
	MaxRequests                 uint32
	Interval                    time.Duration
	Timeout                     time.Duration
	ConsecutiveFailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                        "custody",
		MaxRequests:                 1,
		Interval:                    time.Minute,
		Timeout:                     30 * time.Second,
		ConsecutiveFailureThreshold: 5,
	}
}

// BreakerProvider trips after repeated provider failures and rejects calls
// with ErrUnavailable until the breaker half-opens again.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerProvider(next Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.Name == "" {
		cfg.Name = "custody"
	}
	threshold := cfg.ConsecutiveFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			observability.SetCircuitBreakerState(name, int(to))
		},
		// The caller giving up or a definite refusal says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsRejection(err)
		},
	}
	observability.SetCircuitBreakerState(cfg.Name, int(gobreaker.StateClosed))
	return &BreakerProvider{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State exposes the breaker state for readiness checks.
func (b *BreakerProvider) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerProvider) SendAsset(ctx context.Context, req TransferRequest) (Transfer, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.SendAsset(ctx, req)
	})
	if err != nil {
		return Transfer{}, wrapBreakerErr(err)
	}
	return out.(Transfer), nil
}

func (b *BreakerProvider) LookupTransfer(ctx context.Context, externalID string) (Transfer, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.LookupTransfer(ctx, externalID)
	})
	if err != nil {
		return Transfer{}, wrapBreakerErr(err)
	}
	return out.(Transfer), nil
}

func (b *BreakerProvider) OnchainBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.OnchainBalance(ctx, asset)
	})
	if err != nil {
		return decimal.Zero, wrapBreakerErr(err)
	}
	return out.(decimal.Decimal), nil
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
