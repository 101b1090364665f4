package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/internal/metrics"
	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

// maxRetryCount is the attempt at which a still-failing send is abandoned
// to SEND_ERROR.
const maxRetryCount = 10

// retrySchedule is the fixed backoff ladder for attempts one through five;
// later attempts wait retryCeiling.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	1 * time.Minute,
	8 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

const retryCeiling = 120 * time.Minute

func backoffFor(attempt int) time.Duration {
	if attempt >= 1 && attempt <= len(retrySchedule) {
		return retrySchedule[attempt-1]
	}
	return retryCeiling
}

// SendExecutor owns the SEND stage: attempt delivery over every transport
// the receiver configures, carrying partial-failure state across retries in
// the task's retry token.
type SendExecutor struct {
	engine     *Engine
	transports TransportRegistry
	logger     Logger
}

func NewSendExecutor(e *Engine, transports TransportRegistry, logger Logger) *SendExecutor {
	return &SendExecutor{engine: e, transports: transports, logger: logger}
}

// Handle consumes one SEND event. Transport calls run while the report's
// row lock is held, so no two workers are ever mid-send for the same report.
func (x *SendExecutor) Handle(ctx context.Context, ev models.ReportEvent) error {
	return x.engine.HandleReportEvent(ctx, ev, func(txn storage.Store, task models.Task, token *models.RetryToken) (*models.ReportEvent, error) {
		receiver, err := x.engine.settings.FindReceiver(task.ReceiverName)
		if err != nil {
			return nil, errors.Wrapf(err, "find receiver %s", task.ReceiverName)
		}
		if receiver == nil {
			return nil, errors.Errorf("no receiver %s configured for %s", task.ReceiverName, task.ReportID)
		}

		rec := models.ActionRecord{Action: models.ActionSend, CreatedAt: time.Now()}
		rec.Consume(task.ReportID)

		body, err := x.engine.blob.Download(ctx, task.BodyURL)
		if err != nil {
			// Content is presumed permanently lost; retrying cannot recover
			// it. Park the task for an operator.
			x.logger.Errorf("Body unavailable for %s (%s): %v", task.ReportID, task.BodyURL, err)
			rec.Result = "body unavailable"
			if _, err := txn.InsertActionRecord(rec); err != nil {
				return nil, err
			}
			metrics.SendsAbandoned.Inc()
			return &models.ReportEvent{EventAction: models.ActionSendError, ReportID: task.ReportID}, nil
		}

		pending := x.attemptTransports(ctx, *receiver, task, body, token)

		if len(pending) == 0 {
			rec.Result = "success"
			if _, err := txn.InsertActionRecord(rec); err != nil {
				return nil, err
			}
			metrics.SendsSucceeded.Inc()
			x.logger.Infof("Sent %s to %s", task.ReportID, receiver.FullName())
			return nil, nil // terminal success: NONE, token cleared
		}

		attempt := 1
		if token != nil {
			attempt = token.Attempt + 1
		}
		if attempt >= maxRetryCount {
			rec.Result = fmt.Sprintf("gave up after %d attempts", attempt)
			if _, err := txn.InsertActionRecord(rec); err != nil {
				return nil, err
			}
			metrics.SendsAbandoned.Inc()
			x.logger.Errorf("Abandoning %s for %s after %d attempts", task.ReportID, receiver.FullName(), attempt)
			return &models.ReportEvent{EventAction: models.ActionSendError, ReportID: task.ReportID}, nil
		}

		wait := backoffFor(attempt)
		at := time.Now().Add(wait)
		rec.Result = fmt.Sprintf("attempt %d failed on %d transports, retrying in %s", attempt, len(pending), wait)
		if _, err := txn.InsertActionRecord(rec); err != nil {
			return nil, err
		}
		metrics.SendRetries.Inc()
		x.logger.Warnf("Send of %s to %s partially failed (attempt %d), retrying at %s", task.ReportID, receiver.FullName(), attempt, at)
		return &models.ReportEvent{
			EventAction: models.ActionSend,
			ReportID:    task.ReportID,
			EventAt:     &at,
			Retry:       &models.RetryToken{Attempt: attempt, Pending: pending},
		}, nil
	})
}

// attemptTransports tries every transport the token still owes work to and
// returns the next token's pending list: one entry per transport that still
// has failing items.
func (x *SendExecutor) attemptTransports(ctx context.Context, receiver models.Receiver,
	task models.Task, body []byte, token *models.RetryToken,
) []models.TransportRetry {
	var pending []models.TransportRetry
	for i, cfg := range receiver.Transports {
		items := make([]int, task.ItemCount)
		for j := range items {
			items[j] = j
		}
		if token != nil {
			outstanding, needed := token.ItemsFor(i)
			if !needed {
				continue // this transport fully succeeded on a prior attempt
			}
			if len(outstanding) > 0 {
				items = outstanding
			}
		}
		driver, ok := x.transports[cfg.Kind]
		if !ok {
			x.logger.Errorf("No %s transport driver for %s, deferring %d items", cfg.Kind, receiver.FullName(), len(items))
			pending = append(pending, models.TransportRetry{Transport: i, Items: items})
			continue
		}
		failing, err := driver.Send(ctx, receiver, cfg, body, task.ReportID, items)
		if err != nil {
			x.logger.Warnf("Transport %s[%d] failed for %s: %v", cfg.Kind, i, task.ReportID, err)
			pending = append(pending, models.TransportRetry{Transport: i, Items: items})
			continue
		}
		if len(failing) > 0 {
			pending = append(pending, models.TransportRetry{Transport: i, Items: failing})
		}
	}
	return pending
}
