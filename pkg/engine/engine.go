package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/internal/metrics"
	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

// messageTTL bounds how long an event may sit on the queue. It comfortably
// exceeds the full backoff ladder of a send that exhausts every retry.
const messageTTL = 7 * 24 * time.Hour

// Engine moves reports through the pipeline stages. All coordination runs
// through the task store's row locks; the queue only wakes workers up.
type Engine struct {
	store      storage.Store
	blob       BlobStore
	queue      Queue
	settings   SettingsProvider
	serializer BodySerializer
	logger     Logger
}

func New(store storage.Store, blob BlobStore, queue Queue, settings SettingsProvider,
	serializer BodySerializer, logger Logger,
) *Engine {
	return &Engine{
		store:      store,
		blob:       blob,
		queue:      queue,
		settings:   settings,
		serializer: serializer,
		logger:     logger,
	}
}

// Store exposes the task store for tooling commands.
func (e *Engine) Store() storage.Store { return e.store }

// Queue exposes the event queue so callers can attach workers to it.
func (e *Engine) Queue() Queue { return e.queue }

// Settings exposes the receiver settings the engine routes against.
func (e *Engine) Settings() SettingsProvider { return e.settings }

// ReportUpdateFn is the business logic of one report-scoped stage. It runs
// inside the database transaction that holds the report's row lock. Any
// external I/O it performs (transport calls included) happens while the lock
// is held. That serializes retries of the same report against each other and
// is an accepted contract, not an accident.
type ReportUpdateFn func(txn storage.Store, task models.Task, token *models.RetryToken) (*models.ReportEvent, error)

// ReceiverUpdateFn is the business logic of a receiver-scoped stage, run
// over the batch of tasks claimed inside the transaction.
type ReceiverUpdateFn func(txn storage.Store, tasks []models.Task) error

// Receive commits a report into the pipeline: upload the body, insert the
// RECEIVE task pointing at TRANSLATE, record the action, then enqueue the
// translate event strictly after commit.
func (e *Engine) Receive(ctx context.Context, report models.Report, sender models.Sender) error {
	body, err := e.serializer.Serialize(report)
	if err != nil {
		return errors.Wrapf(err, "serialize report %s", report.ID)
	}
	info, err := e.blob.Upload(ctx, blobKey(sender.FullName(), models.ActionReceive, report), body)
	if err != nil {
		return errors.Wrapf(err, "upload body for %s", report.ID)
	}

	next := models.ReportEvent{EventAction: models.ActionTranslate, ReportID: report.ID}
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer e.rollbackUnless(&committed, txn)

	task := taskFor(report, "", info.URL, next)
	if err := txn.InsertTask(task); err != nil {
		// Blob keys are deterministic per report id, so a duplicate insert
		// means the upload above landed on the original ingestion's key. That
		// body belongs to the committed task and must stay. Only other insert
		// failures get compensating cleanup; a crash between upload and here
		// leaves an orphan for retention to collect.
		if !errors.Is(err, storage.ErrDuplicateReport) {
			if delErr := e.blob.Delete(ctx, info.URL); delErr != nil {
				e.logger.Errorf("Failed to delete blob %s after insert failure: %v", info.URL, delErr)
			}
		}
		return err
	}
	rec := models.ActionRecord{
		Action:    models.ActionReceive,
		Result:    fmt.Sprintf("received from %s", sender.FullName()),
		CreatedAt: time.Now(),
	}
	rec.Produce(report.ID)
	if _, err := txn.InsertActionRecord(rec); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	e.logger.Infof("Received report %s from %s (%d items)", report.ID, sender.FullName(), report.ItemCount())
	return e.Enqueue(ctx, next)
}

// dispatch uploads a child report's body and inserts its task inside the
// caller's transaction. The caller owns enqueueing the returned-to event
// after its transaction commits.
func (e *Engine) dispatch(ctx context.Context, txn storage.Store, next models.ReportEvent,
	report models.Report, receiver models.Receiver, rec *models.ActionRecord,
) error {
	body, err := e.serializer.Serialize(report)
	if err != nil {
		return errors.Wrapf(err, "serialize report %s for %s", report.ID, receiver.FullName())
	}
	info, err := e.blob.Upload(ctx, blobKey(receiver.FullName(), next.EventAction, report), body)
	if err != nil {
		return errors.Wrapf(err, "upload body for %s", report.ID)
	}
	if err := txn.InsertTask(taskFor(report, receiver.FullName(), info.URL, next)); err != nil {
		if delErr := e.blob.Delete(ctx, info.URL); delErr != nil {
			e.logger.Errorf("Failed to delete blob %s after insert failure: %v", info.URL, delErr)
		}
		return err
	}
	rec.Produce(report.ID)
	e.logger.Debugf("Dispatched report %s to %s for %s", report.ID, receiver.FullName(), next.EventAction)
	return nil
}

// DispatchReport dispatches one report in its own transaction and enqueues
// its event after commit. The batch executor layers these report-scoped
// transactions on top of its receiver-scoped one.
func (e *Engine) DispatchReport(ctx context.Context, next models.ReportEvent,
	report models.Report, receiver models.Receiver, rec *models.ActionRecord,
) error {
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer e.rollbackUnless(&committed, txn)
	if err := e.dispatch(ctx, txn, next, report, receiver, rec); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	return e.Enqueue(ctx, next)
}

// HandleReportEvent drives one report-scoped stage: lock the task, drop the
// event if it is stale, run update inside the transaction, persist the new
// action and retry token, commit, then enqueue the follow-on event. The
// enqueue never precedes the commit: a consumer must never observe a queue
// message for state the task store has not made visible.
func (e *Engine) HandleReportEvent(ctx context.Context, ev models.ReportEvent, update ReportUpdateFn) error {
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer e.rollbackUnless(&committed, txn)

	task, err := txn.FetchAndLockTask(ev.ReportID)
	if err != nil {
		return errors.Wrapf(err, "handle %s for %s", ev.EventAction, ev.ReportID)
	}
	if task.NextAction != ev.EventAction {
		// At-least-once redelivery of an event this task already moved past.
		e.logger.Infof("Stale %s event for %s: task is at %s, ignoring", ev.EventAction, ev.ReportID, task.NextAction)
		metrics.StaleEvents.Inc()
		return e.commit(&committed, txn)
	}
	if !task.Ready(time.Now()) {
		// The queue delivered ahead of the task's schedule (delivery delay is
		// capped below the longest backoff). Push the message back out for
		// the remainder.
		e.logger.Debugf("Early %s event for %s, rescheduling for %s", ev.EventAction, ev.ReportID, task.NextActionAt)
		if err := e.commit(&committed, txn); err != nil {
			return err
		}
		return e.Enqueue(ctx, models.ReportEvent{EventAction: ev.EventAction, ReportID: ev.ReportID, EventAt: task.NextActionAt})
	}

	var token *models.RetryToken
	if task.RetryToken != nil {
		token, err = models.DecodeRetryToken(*task.RetryToken)
		if err != nil {
			// Invariant violation: the row holds a token this build cannot
			// read. Fatal, not retryable.
			return errors.Wrap(models.ErrMalformedMessage, err.Error())
		}
	}

	next, err := update(txn, task, token)
	if err != nil {
		return err
	}

	nextAction := models.ActionNone
	var nextAt *time.Time
	var tokenData *string
	if next != nil {
		nextAction = next.EventAction
		nextAt = next.EventAt
		if next.Retry != nil {
			encoded, err := next.Retry.Encode()
			if err != nil {
				return err
			}
			tokenData = &encoded
		}
	}
	if err := txn.AdvanceTask(task.ReportID, ev.EventAction, nextAction, nextAt, tokenData); err != nil {
		return err
	}
	if err := e.commit(&committed, txn); err != nil {
		return err
	}
	if next != nil {
		return e.Enqueue(ctx, *next)
	}
	return nil
}

// HandleReceiverEvent drives one receiver-scoped stage: claim up to maxCount
// ready tasks with skip-locked semantics, run update over them, then move
// every claimed task to NONE. Follow-on dispatches are update's job, as
// separate report-scoped transactions, before this transition happens.
func (e *Engine) HandleReceiverEvent(ctx context.Context, ev models.ReceiverEvent, maxCount int, update ReceiverUpdateFn) error {
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer e.rollbackUnless(&committed, txn)

	tasks, err := txn.FetchAndLockBatch(ev.EventAction, time.Now(), ev.ReceiverName, maxCount)
	if err != nil {
		return errors.Wrapf(err, "claim %s tasks for %s", ev.EventAction, ev.ReceiverName)
	}
	if err := update(txn, tasks); err != nil {
		return err
	}
	for _, task := range tasks {
		if err := txn.AdvanceTask(task.ReportID, ev.EventAction, models.ActionNone, nil, nil); err != nil {
			return err
		}
	}
	return e.commit(&committed, txn)
}

// Resend resets a failed report back to SEND and enqueues it immediately.
// Operator tooling for SEND_ERROR tasks.
func (e *Engine) Resend(ctx context.Context, reportID uuid.UUID, receiverFullName string) error {
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer e.rollbackUnless(&committed, txn)

	task, err := txn.FetchAndLockTask(reportID)
	if err != nil {
		return err
	}
	if task.NextAction != models.ActionSendError && task.NextAction != models.ActionSend {
		return errors.Errorf("cannot resend %s: next action is %s", reportID, task.NextAction)
	}
	if task.BodyURL == "" {
		return errors.Errorf("cannot resend %s: no body in blob store", reportID)
	}
	if receiverFullName != "" && task.ReceiverName != receiverFullName {
		return errors.Errorf("cannot resend %s: task belongs to %s", reportID, task.ReceiverName)
	}
	if task.NextActionAt != nil && task.NextActionAt.After(time.Now()) {
		return errors.Errorf("cannot resend %s: already scheduled for %s", reportID, task.NextActionAt)
	}
	if err := txn.AdvanceTask(reportID, task.NextAction, models.ActionSend, nil, nil); err != nil {
		return err
	}
	rec := models.ActionRecord{
		Action:    models.ActionSend,
		Result:    "resend requested by operator",
		CreatedAt: time.Now(),
	}
	rec.Consume(reportID)
	if _, err := txn.InsertActionRecord(rec); err != nil {
		return err
	}
	if err := e.commit(&committed, txn); err != nil {
		return err
	}
	return e.Enqueue(ctx, models.ReportEvent{EventAction: models.ActionSend, ReportID: reportID})
}

// Wipe purges a terminal task's body from the blob store after retention
// expiry and marks the task WIPE.
func (e *Engine) Wipe(ctx context.Context, reportID uuid.UUID) error {
	txn, err := e.store.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer e.rollbackUnless(&committed, txn)

	task, err := txn.FetchAndLockTask(reportID)
	if err != nil {
		return err
	}
	if !task.NextAction.Terminal() {
		return errors.Errorf("cannot wipe %s: task is still active at %s", reportID, task.NextAction)
	}
	if task.BodyURL != "" {
		if err := e.blob.Delete(ctx, task.BodyURL); err != nil {
			return errors.Wrapf(err, "wipe body for %s", reportID)
		}
	}
	if err := txn.AdvanceTask(reportID, task.NextAction, models.ActionWipe, nil, nil); err != nil {
		return err
	}
	rec := models.ActionRecord{
		Action:    models.ActionWipe,
		Result:    "body purged",
		CreatedAt: time.Now(),
	}
	rec.Consume(reportID)
	if _, err := txn.InsertActionRecord(rec); err != nil {
		return err
	}
	return e.commit(&committed, txn)
}

// Enqueue encodes an event and puts it on the queue, delayed until its
// eligibility time. Terminal actions are persisted on the task row only and
// never enqueued.
func (e *Engine) Enqueue(ctx context.Context, ev models.Event) error {
	if !ev.Action().Queueable() {
		return nil
	}
	message, err := ev.Message()
	if err != nil {
		return err
	}
	var delay time.Duration
	if at := ev.At(); at != nil {
		if d := time.Until(*at); d > 0 {
			delay = d
		}
	}
	return e.queue.Send(ctx, message, delay, messageTTL)
}

func (e *Engine) commit(committed *bool, txn storage.Store) error {
	if err := txn.Commit(); err != nil {
		return err
	}
	*committed = true
	return nil
}

func (e *Engine) rollbackUnless(committed *bool, txn storage.Store) {
	if *committed {
		return
	}
	if err := txn.Rollback(); err != nil {
		e.logger.Errorf("Failed to rollback: %v", err)
	}
}

func taskFor(report models.Report, receiverName, bodyURL string, next models.ReportEvent) models.Task {
	return models.Task{
		ReportID:     report.ID,
		SchemaName:   report.SchemaName,
		ReceiverName: receiverName,
		ItemCount:    report.ItemCount(),
		BodyFormat:   report.BodyFormat,
		BodyURL:      bodyURL,
		CreatedAt:    time.Now(),
		NextAction:   next.EventAction,
		NextActionAt: next.EventAt,
	}
}

func blobKey(owner string, action models.Action, report models.Report) string {
	return fmt.Sprintf("%s/%s/%s.%s", owner, action, report.ID, report.BodyFormat.Ext())
}
