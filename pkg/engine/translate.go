package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

// TranslateExecutor owns the TRANSLATE stage: it hands the parent report to
// the external translator and dispatches the receiver-specific children it
// gets back, to SEND directly or into a receiver's BATCH backlog.
type TranslateExecutor struct {
	engine     *Engine
	translator Translator
	logger     Logger
}

func NewTranslateExecutor(e *Engine, translator Translator, logger Logger) *TranslateExecutor {
	return &TranslateExecutor{engine: e, translator: translator, logger: logger}
}

// Handle consumes one TRANSLATE event. Child tasks commit atomically with
// the parent's transition to NONE; child SEND events are enqueued only after
// that commit. Children bound for batching receivers get no event at all;
// the batch decider picks their tasks up at the receiver's next window.
func (x *TranslateExecutor) Handle(ctx context.Context, ev models.ReportEvent) error {
	var childEvents []models.ReportEvent
	err := x.engine.HandleReportEvent(ctx, ev, func(txn storage.Store, task models.Task, _ *models.RetryToken) (*models.ReportEvent, error) {
		body, err := x.engine.blob.Download(ctx, task.BodyURL)
		if err != nil {
			return nil, errors.Wrapf(err, "download body for %s", task.ReportID)
		}
		parent, err := x.engine.serializer.Deserialize(task, body)
		if err != nil {
			return nil, err
		}
		routed, err := x.translator.TranslateAndFilter(ctx, parent)
		if err != nil {
			return nil, errors.Wrapf(err, "translate %s", task.ReportID)
		}

		rec := models.ActionRecord{
			Action:    models.ActionTranslate,
			Result:    fmt.Sprintf("routed to %d receivers", len(routed)),
			CreatedAt: time.Now(),
		}
		rec.Consume(task.ReportID)
		var lineages []models.ItemLineage

		for _, r := range routed {
			child := r.Report
			var next models.ReportEvent
			if r.Receiver.Timing.Batches() {
				// Stored in internal format so the batch executor can
				// re-parse it for merging.
				child.BodyFormat = models.FormatInternal
				next = models.ReportEvent{EventAction: models.ActionBatch, ReportID: child.ID}
			} else {
				child.BodyFormat = r.Receiver.Format
				next = models.ReportEvent{EventAction: models.ActionSend, ReportID: child.ID}
				childEvents = append(childEvents, next)
			}
			if err := x.engine.dispatch(ctx, txn, next, child, r.Receiver, &rec); err != nil {
				return nil, err
			}
			for childIdx, parentIdx := range r.ParentItemIndexes {
				lineages = append(lineages, models.ItemLineage{
					ParentReportID: task.ReportID,
					ParentIndex:    parentIdx,
					ChildReportID:  child.ID,
					ChildIndex:     childIdx,
				})
			}
		}

		if _, err := txn.InsertActionRecord(rec); err != nil {
			return nil, err
		}
		if err := txn.InsertItemLineages(lineages); err != nil {
			return nil, err
		}
		x.logger.Infof("Translated %s into %d reports", task.ReportID, len(routed))
		return nil, nil // parent is done; children carry on
	})
	if err != nil {
		return err
	}
	for _, childEvent := range childEvents {
		if err := x.engine.Enqueue(ctx, childEvent); err != nil {
			return err
		}
	}
	return nil
}
