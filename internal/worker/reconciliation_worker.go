package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultReconciliationSchedule = "@every 1h"

// ReconciliationWorker reconciles each configured asset on a cron schedule.
type ReconciliationWorker struct {
	svc      *service.ReconciliationService
	assets   []string
	schedule string
	cron     *cron.Cron
	stopOnce sync.Once
}

func NewReconciliationWorker(svc *service.ReconciliationService, assets []string) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		assets:   assets,
		schedule: defaultReconciliationSchedule,
		cron:     cron.New(),
	}
}

// WithSchedule sets a standard cron expression or descriptor such as "@every 30m".
func (w *ReconciliationWorker) WithSchedule(schedule string) *ReconciliationWorker {
	if schedule != "" {
		w.schedule = schedule
	}
	return w
}

// Start registers the job and starts the scheduler. It does not block.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", w.schedule, err)
	}
	zap.L().Info("reconciliation worker starting",
		zap.String("schedule", w.schedule),
		zap.Strings("assets", w.assets))
	w.cron.Start()
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		<-w.cron.Stop().Done()
		zap.L().Info("reconciliation worker stopped")
	})
}

// RunOnce reconciles every asset and reports how many runs failed.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) int {
	failed := 0
	for _, asset := range w.assets {
		if ctx.Err() != nil {
			return failed
		}
		rec, err := w.svc.Run(ctx, asset)
		if err != nil {
			failed++
			observability.IncrementWorkerRun("reconciliation", "failed")
			zap.L().Error("reconciliation run failed",
				zap.String("asset", asset),
				zap.String("status", rec.Status),
				zap.Error(err))
			continue
		}
		observability.IncrementWorkerRun("reconciliation", "success")
	}
	return failed
}
