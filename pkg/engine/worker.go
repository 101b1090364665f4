package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/internal/metrics"
	"github.com/reporthub/reporthub/pkg/models"
)

// Worker consumes the event queue with a pool of goroutines and routes each
// decoded event to its executor. No coordination happens here; the task
// store's locks make concurrent workers safe.
type Worker struct {
	queue     Queue
	translate *TranslateExecutor
	batch     *BatchExecutor
	send      *SendExecutor
	logger    Logger
	wg        sync.WaitGroup
}

func NewWorker(queue Queue, translate *TranslateExecutor, batch *BatchExecutor, send *SendExecutor, logger Logger) *Worker {
	return &Worker{
		queue:     queue,
		translate: translate,
		batch:     batch,
		send:      send,
		logger:    logger,
	}
}

// Start launches the consumer goroutines. Cancelling the context stops
// them; Wait blocks until they have drained.
func (w *Worker) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	w.logger.Infof("Starting %d queue workers", workers)
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
}

// Wait blocks until every consumer goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		message, done, err := w.queue.Receive(ctx)
		if errors.Is(err, ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Errorf("Queue receive failed: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		w.handle(ctx, message, done)
	}
}

// handle processes one delivery. A handler error leaves the message
// unacknowledged so the queue redelivers it; only malformed messages are
// acknowledged without effect, since redriving them can never succeed.
func (w *Worker) handle(ctx context.Context, message string, done func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			// Leave the message unacknowledged; the queue retries it.
			w.logger.Errorf("Panic handling message %q: %v", message, r)
		}
	}()

	ev, err := models.ParseEvent(message)
	if err != nil {
		w.logger.Errorf("Dropping malformed message %q: %v", message, err)
		metrics.EventsHandled.WithLabelValues("unknown", "malformed").Inc()
		w.ack(ctx, message, done)
		return
	}

	action := string(ev.Action())
	err = w.route(ctx, ev)
	switch {
	case err == nil:
		metrics.EventsHandled.WithLabelValues(action, "ok").Inc()
		w.ack(ctx, message, done)
	case errors.Is(err, models.ErrMalformedMessage):
		w.logger.Errorf("Dropping unroutable message %q: %v", message, err)
		metrics.EventsHandled.WithLabelValues(action, "malformed").Inc()
		w.ack(ctx, message, done)
	default:
		w.logger.Errorf("Handling %s failed, leaving for redelivery: %v", message, err)
		metrics.EventsHandled.WithLabelValues(action, "error").Inc()
	}
}

func (w *Worker) route(ctx context.Context, ev models.Event) error {
	switch e := ev.(type) {
	case models.ReportEvent:
		switch e.EventAction {
		case models.ActionTranslate:
			return w.translate.Handle(ctx, e)
		case models.ActionSend:
			return w.send.Handle(ctx, e)
		default:
			return errors.Wrapf(models.ErrMalformedMessage, "no executor for report action %s", e.EventAction)
		}
	case models.ReceiverEvent:
		if e.EventAction == models.ActionBatch {
			return w.batch.Handle(ctx, e)
		}
		return errors.Wrapf(models.ErrMalformedMessage, "no executor for receiver action %s", e.EventAction)
	default:
		return errors.Wrap(models.ErrMalformedMessage, "unknown event type")
	}
}

func (w *Worker) ack(ctx context.Context, message string, done func(context.Context) error) {
	if done == nil {
		return
	}
	if err := done(ctx); err != nil {
		// Redelivery of a handled event is a no-op thanks to the task
		// store's stale-transition guard.
		w.logger.Warnf("Failed to acknowledge message %q: %v", message, err)
	}
}
