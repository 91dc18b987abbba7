package worker

import (
	"context"
	"sync"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"go.uber.org/zap"
)

// Pass is one unit of background work, such as an allocator or sender pass.
type Pass func(ctx context.Context) error

// PollingWorker runs a Pass on a fixed interval until stopped.
// Several instances may run concurrently; passes claim rows with row locks.
type PollingWorker struct {
	name         string
	pass         Pass
	pollInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewPollingWorker(name string, interval time.Duration, pass Pass) *PollingWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PollingWorker{
		name:         name,
		pass:         pass,
		pollInterval: interval,
		stopCh:       make(chan struct{}),
	}
}

// NewAllocatorWorker polls the allocator and refreshes the orders-by-status
// gauge after each successful pass.
func NewAllocatorWorker(svc *service.AllocatorService, orders *service.OrderService, interval time.Duration) *PollingWorker {
	return NewPollingWorker("allocator", interval, func(ctx context.Context) error {
		if _, err := svc.Run(ctx); err != nil {
			return err
		}
		if orders != nil {
			if err := orders.RefreshStatusGauge(ctx); err != nil {
				zap.L().Warn("refresh order status gauge failed", zap.Error(err))
			}
		}
		return nil
	})
}

// NewSenderWorker polls the sender. A pass returns early when the context
// is canceled and leaves in-flight orders in SENDING for recovery.
func NewSenderWorker(svc *service.SenderService, interval time.Duration) *PollingWorker {
	return NewPollingWorker("sender", interval, func(ctx context.Context) error {
		_, err := svc.Run(ctx)
		return err
	})
}

// Start blocks until Stop is called or ctx is canceled.
func (w *PollingWorker) Start(ctx context.Context) {
	zap.L().Info("worker starting", zap.String("worker", w.name), zap.Duration("interval", w.pollInterval))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("worker context canceled", zap.String("worker", w.name))
			return
		case <-w.stopCh:
			zap.L().Info("worker stop signal received", zap.String("worker", w.name))
			return
		case <-ticker.C:
			_ = w.RunOnce(ctx)
		}
	}
}

func (w *PollingWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// RunOnce executes a single pass immediately.
func (w *PollingWorker) RunOnce(ctx context.Context) error {
	err := w.pass(ctx)
	if err != nil {
		if ctx.Err() != nil {
			observability.IncrementWorkerRun(w.name, "canceled")
			return err
		}
		observability.IncrementWorkerRun(w.name, "failed")
		zap.L().Error("worker pass failed", zap.String("worker", w.name), zap.Error(err))
		return err
	}
	observability.IncrementWorkerRun(w.name, "success")
	return nil
}

// Run starts the worker in a goroutine and returns its stop function.
func (w *PollingWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}
