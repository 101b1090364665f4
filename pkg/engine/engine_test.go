package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

func TestReceive(t *testing.T) {
	eng, store, queue, blob := newTestEngine(&fakeSettings{})
	ctx := context.Background()
	sender := models.Sender{Name: "lab", OrganizationName: "acme", SchemaName: "covid-19"}

	report := models.Report{
		ID:         uuid.New(),
		SchemaName: "covid-19",
		BodyFormat: models.FormatInternal,
		Items:      []models.Item{{Payload: []byte("a")}, {Payload: []byte("b")}},
		CreatedAt:  time.Now(),
	}
	assert.NoError(t, eng.Receive(ctx, report, sender))

	task, err := store.FetchTask(report.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionTranslate, task.NextAction)
	assert.Nil(t, task.NextActionAt)
	assert.Equal(t, 2, task.ItemCount)
	assert.True(t, blob.has(task.BodyURL))

	sent := queue.messages()
	assert.Len(t, sent, 1)
	assert.Equal(t, "report&TRANSLATE&"+report.ID.String(), sent[0].message)
	assert.Equal(t, time.Duration(0), sent[0].delay)

	actions := store.Actions()
	assert.Len(t, actions, 1)
	assert.Equal(t, models.ActionReceive, actions[0].Action)
	assert.Equal(t, []uuid.UUID{report.ID}, actions[0].ProducedIDs)
}

func TestReceiveDuplicate(t *testing.T) {
	eng, store, queue, blob := newTestEngine(&fakeSettings{})
	ctx := context.Background()
	sender := models.Sender{Name: "lab", OrganizationName: "acme"}
	report := models.Report{
		ID:         uuid.New(),
		BodyFormat: models.FormatInternal,
		Items:      []models.Item{{Payload: []byte("a")}},
	}

	assert.NoError(t, eng.Receive(ctx, report, sender))
	err := eng.Receive(ctx, report, sender)
	assert.ErrorIs(t, err, storage.ErrDuplicateReport)

	// The duplicate produced no second event.
	assert.Len(t, queue.messages(), 1)

	// Blob keys are deterministic per report, so the duplicate's upload hit
	// the original's key. The rejection must not delete it.
	task, err := store.FetchTask(report.ID)
	assert.NoError(t, err)
	assert.True(t, blob.has(task.BodyURL))
}

func TestHandleReportEventStale(t *testing.T) {
	eng, store, queue, _ := newTestEngine(&fakeSettings{})
	ctx := context.Background()

	task := seedTask(t, eng, store, "acme.main", models.ActionNone, 1)
	before := len(store.Actions())

	ev := models.ReportEvent{EventAction: models.ActionSend, ReportID: task.ReportID}
	err := eng.HandleReportEvent(ctx, ev, func(storage.Store, models.Task, *models.RetryToken) (*models.ReportEvent, error) {
		t.Fatal("update must not run for a stale event")
		return nil, nil
	})
	assert.NoError(t, err)

	got, err := store.FetchTask(task.ReportID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionNone, got.NextAction)
	assert.Len(t, store.Actions(), before)
	assert.Empty(t, queue.messages())
}

func TestHandleReportEventEarlyDelivery(t *testing.T) {
	eng, store, queue, _ := newTestEngine(&fakeSettings{})
	ctx := context.Background()

	task := seedTask(t, eng, store, "acme.main", models.ActionSend, 1)
	at := time.Now().Add(10 * time.Minute)
	assert.NoError(t, store.AdvanceTask(task.ReportID, models.ActionSend, models.ActionSend, &at, nil))

	ev := models.ReportEvent{EventAction: models.ActionSend, ReportID: task.ReportID}
	err := eng.HandleReportEvent(ctx, ev, func(storage.Store, models.Task, *models.RetryToken) (*models.ReportEvent, error) {
		t.Fatal("update must not run before the task is ready")
		return nil, nil
	})
	assert.NoError(t, err)

	// The event went back on the queue for the remaining wait.
	sent := queue.messages()
	assert.Len(t, sent, 1)
	assert.Greater(t, sent[0].delay, 9*time.Minute)
	assert.LessOrEqual(t, sent[0].delay, 10*time.Minute)

	got, err := store.FetchTask(task.ReportID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionSend, got.NextAction)
}

func TestHandleReportEventCorruptToken(t *testing.T) {
	eng, store, _, _ := newTestEngine(&fakeSettings{})
	ctx := context.Background()

	task := seedTask(t, eng, store, "acme.main", models.ActionSend, 1)
	garbage := "{broken"
	assert.NoError(t, store.AdvanceTask(task.ReportID, models.ActionSend, models.ActionSend, nil, &garbage))

	ev := models.ReportEvent{EventAction: models.ActionSend, ReportID: task.ReportID}
	err := eng.HandleReportEvent(ctx, ev, func(storage.Store, models.Task, *models.RetryToken) (*models.ReportEvent, error) {
		t.Fatal("update must not run with an unreadable token")
		return nil, nil
	})
	assert.ErrorIs(t, err, models.ErrMalformedMessage)
}

func TestHandleReportEventUnknownReport(t *testing.T) {
	eng, _, _, _ := newTestEngine(&fakeSettings{})

	ev := models.ReportEvent{EventAction: models.ActionSend, ReportID: uuid.New()}
	err := eng.HandleReportEvent(context.Background(), ev, func(storage.Store, models.Task, *models.RetryToken) (*models.ReportEvent, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResend(t *testing.T) {
	t.Run("FromSendError", func(t *testing.T) {
		eng, store, queue, _ := newTestEngine(&fakeSettings{})
		ctx := context.Background()

		task := seedTask(t, eng, store, "acme.main", models.ActionSendError, 1)
		assert.NoError(t, eng.Resend(ctx, task.ReportID, "acme.main"))

		got, err := store.FetchTask(task.ReportID)
		assert.NoError(t, err)
		assert.Equal(t, models.ActionSend, got.NextAction)
		assert.Nil(t, got.NextActionAt)

		sent := queue.messages()
		assert.Len(t, sent, 1)
		assert.Equal(t, "report&SEND&"+task.ReportID.String(), sent[0].message)
	})

	t.Run("RejectsActiveTask", func(t *testing.T) {
		eng, store, queue, _ := newTestEngine(&fakeSettings{})
		task := seedTask(t, eng, store, "acme.main", models.ActionTranslate, 1)
		err := eng.Resend(context.Background(), task.ReportID, "acme.main")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "next action is TRANSLATE")
		assert.Empty(t, queue.messages())
	})

	t.Run("RejectsWrongReceiver", func(t *testing.T) {
		eng, store, _, _ := newTestEngine(&fakeSettings{})
		task := seedTask(t, eng, store, "acme.main", models.ActionSendError, 1)
		err := eng.Resend(context.Background(), task.ReportID, "other.receiver")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "belongs to acme.main")
	})

	t.Run("RejectsScheduledSend", func(t *testing.T) {
		eng, store, _, _ := newTestEngine(&fakeSettings{})
		task := seedTask(t, eng, store, "acme.main", models.ActionSend, 1)
		at := time.Now().Add(time.Hour)
		assert.NoError(t, store.AdvanceTask(task.ReportID, models.ActionSend, models.ActionSend, &at, nil))
		err := eng.Resend(context.Background(), task.ReportID, "acme.main")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already scheduled")
	})
}

func TestWipe(t *testing.T) {
	t.Run("TerminalTask", func(t *testing.T) {
		eng, store, _, blob := newTestEngine(&fakeSettings{})
		task := seedTask(t, eng, store, "acme.main", models.ActionNone, 1)
		assert.True(t, blob.has(task.BodyURL))

		assert.NoError(t, eng.Wipe(context.Background(), task.ReportID))

		assert.False(t, blob.has(task.BodyURL))
		got, err := store.FetchTask(task.ReportID)
		assert.NoError(t, err)
		assert.Equal(t, models.ActionWipe, got.NextAction)
	})

	t.Run("RejectsActiveTask", func(t *testing.T) {
		eng, store, _, blob := newTestEngine(&fakeSettings{})
		task := seedTask(t, eng, store, "acme.main", models.ActionSend, 1)
		err := eng.Wipe(context.Background(), task.ReportID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "still active")
		assert.True(t, blob.has(task.BodyURL))
	})
}

func TestEnqueue(t *testing.T) {
	eng, _, queue, _ := newTestEngine(&fakeSettings{})
	ctx := context.Background()

	// Terminal actions are persisted only; nothing rides the queue.
	assert.NoError(t, eng.Enqueue(ctx, models.ReportEvent{EventAction: models.ActionNone, ReportID: uuid.New()}))
	assert.NoError(t, eng.Enqueue(ctx, models.ReportEvent{EventAction: models.ActionSendError, ReportID: uuid.New()}))
	assert.Empty(t, queue.messages())

	past := time.Now().Add(-time.Hour)
	assert.NoError(t, eng.Enqueue(ctx, models.ReportEvent{EventAction: models.ActionSend, ReportID: uuid.New(), EventAt: &past}))
	sent := queue.messages()
	assert.Len(t, sent, 1)
	assert.Equal(t, time.Duration(0), sent[0].delay)
	assert.Equal(t, messageTTL, sent[0].ttl)
}
