package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/reporthub/reporthub/internal/metrics"
	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

// BatchExecutor owns the BATCH stage: claim one receiver's ready backlog,
// combine it per the receiver's batch policy, and dispatch SEND events for
// the results.
type BatchExecutor struct {
	engine *Engine
	logger Logger
}

func NewBatchExecutor(e *Engine, logger Logger) *BatchExecutor {
	return &BatchExecutor{engine: e, logger: logger}
}

// Handle consumes one BATCH event. Tasks whose bodies cannot be read are
// excluded and flagged for operational follow-up, never retried; their
// content is presumed permanently lost. An empty valid set is success with
// zero output.
func (x *BatchExecutor) Handle(ctx context.Context, ev models.ReceiverEvent) error {
	receiver, err := x.engine.settings.FindReceiver(ev.ReceiverName)
	if err != nil || receiver == nil {
		// The backlog stays claimable; redriving this message cannot fix
		// missing configuration.
		x.logger.Errorf("Dropping BATCH event for unknown receiver %s: %v", ev.ReceiverName, err)
		return nil
	}

	return x.engine.HandleReceiverEvent(ctx, ev, receiver.Timing.MaxReportCount, func(txn storage.Store, tasks []models.Task) error {
		metrics.BatchesFormed.Inc()

		rec := models.ActionRecord{Action: models.ActionBatch, CreatedAt: time.Now()}
		var valid []models.Report
		for _, task := range tasks {
			body, err := x.engine.blob.Download(ctx, task.BodyURL)
			if err != nil {
				x.logger.Errorf("Excluding %s from batch for %s: body unavailable: %v", task.ReportID, receiver.FullName(), err)
				continue
			}
			report, err := x.engine.serializer.Deserialize(task, body)
			if err != nil {
				x.logger.Errorf("Excluding %s from batch for %s: %v", task.ReportID, receiver.FullName(), err)
				continue
			}
			valid = append(valid, report)
			rec.Consume(task.ReportID)
		}
		if len(valid) == 0 {
			x.logger.Infof("Batch for %s had no valid reports (%d claimed)", receiver.FullName(), len(tasks))
			rec.Result = fmt.Sprintf("%d reports in, 0 reports out", len(tasks))
			_, err := txn.InsertActionRecord(rec)
			return err
		}

		var out []models.Report
		var lineages []models.ItemLineage
		switch {
		case receiver.Timing.SingleItemFormat:
			// Single-item receivers skip merging; every item becomes its own
			// outgoing report.
			for _, r := range valid {
				children, lin := models.SplitReport(r)
				out = append(out, children...)
				lineages = append(lineages, lin...)
			}
		case receiver.Timing.Operation == models.BatchMerge:
			merged, lin := models.MergeReports(valid)
			out = append(out, merged)
			lineages = append(lineages, lin...)
		default:
			// Pass-through still re-wraps each report under a fresh id so the
			// outgoing SEND task never collides with the batch task it came
			// from.
			for _, r := range valid {
				child, lin := models.MergeReports([]models.Report{r})
				out = append(out, child)
				lineages = append(lineages, lin...)
			}
		}

		for _, report := range out {
			report.BodyFormat = receiver.Format
			next := models.ReportEvent{EventAction: models.ActionSend, ReportID: report.ID}
			if err := x.engine.DispatchReport(ctx, next, report, *receiver, &rec); err != nil {
				return err
			}
		}
		rec.Result = fmt.Sprintf("%d reports in, %d reports out", len(valid), len(out))
		if _, err := txn.InsertActionRecord(rec); err != nil {
			return err
		}
		if err := txn.InsertItemLineages(lineages); err != nil {
			return err
		}
		x.logger.Infof("Batched %d reports into %d for %s", len(valid), len(out), receiver.FullName())
		return nil
	})
}
