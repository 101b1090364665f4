package engine

import (
	"context"
	"time"

	"github.com/reporthub/reporthub/internal/metrics"
	"github.com/reporthub/reporthub/pkg/models"
)

// DefaultDeciderInterval is the scheduled cadence of the batch decider.
const DefaultDeciderInterval = 60 * time.Second

// BatchDecider runs on a fixed tick and, for every receiver whose batch
// window just closed, enqueues enough BATCH messages to drain that
// receiver's backlog.
type BatchDecider struct {
	engine   *Engine
	interval time.Duration
	logger   Logger
}

func NewBatchDecider(e *Engine, interval time.Duration, logger Logger) *BatchDecider {
	if interval <= 0 {
		interval = DefaultDeciderInterval
	}
	return &BatchDecider{engine: e, interval: interval, logger: logger}
}

// Run ticks until the context is cancelled.
func (d *BatchDecider) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Infof("Batch decider started, interval %s", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Batch decider stopped: %v", ctx.Err())
			return
		case now := <-ticker.C:
			d.Tick(ctx, now)
		}
	}
}

// Tick evaluates every batching receiver once. A failure for one receiver
// is logged and never blocks the rest of the fleet.
func (d *BatchDecider) Tick(ctx context.Context, now time.Time) {
	for _, receiver := range d.engine.settings.Receivers() {
		if !receiver.Timing.WindowClosedWithin(now, d.interval) {
			continue
		}
		if err := d.tickReceiver(ctx, now, receiver); err != nil {
			d.logger.Errorf("Batch decider failed for %s: %v", receiver.FullName(), err)
		}
	}
}

func (d *BatchDecider) tickReceiver(ctx context.Context, now time.Time, receiver models.Receiver) error {
	count, err := d.engine.store.CountReadyTasks(models.ActionBatch, now, receiver.FullName())
	if err != nil {
		return err
	}
	if count == 0 {
		// Nothing outstanding is a true no-op; empty-batch notification is
		// deliberately not sent.
		return nil
	}
	max := receiver.Timing.MaxReportCount
	messages := (count + max - 1) / max
	for i := 0; i < messages; i++ {
		ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: receiver.FullName()}
		if err := d.engine.Enqueue(ctx, ev); err != nil {
			return err
		}
		metrics.BatchMessagesQueued.Inc()
	}
	d.logger.Infof("Queued %d BATCH messages for %s (%d reports outstanding)", messages, receiver.FullName(), count)
	return nil
}
