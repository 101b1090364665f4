package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/reporthub/reporthub/pkg/models"
)

func batchingReceiver(timing models.Timing) models.Receiver {
	return models.Receiver{
		Name:             "elr",
		OrganizationName: "county-doh",
		SchemaName:       "covid-19",
		Format:           models.FormatCSV,
		Timing:           timing,
		Transports:       []models.TransportConfig{{Kind: "SFTP", Host: "a"}},
	}
}

func TestBatchMerge(t *testing.T) {
	receiver := batchingReceiver(models.Timing{WindowMinutes: 60, MaxReportCount: 10, Operation: models.BatchMerge})
	settings := &fakeSettings{receivers: []models.Receiver{receiver}}
	eng, store, queue, _ := newTestEngine(settings)
	ctx := context.Background()

	parents := []models.Task{
		seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 2),
		seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 3),
		seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 1),
	}

	x := NewBatchExecutor(eng, nopLogger{})
	ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: receiver.FullName()}
	assert.NoError(t, x.Handle(ctx, ev))

	for _, parent := range parents {
		got, err := store.FetchTask(parent.ReportID)
		assert.NoError(t, err)
		assert.Equal(t, models.ActionNone, got.NextAction)
	}

	// One merged SEND task carrying every input item.
	sent := queue.messages()
	assert.Len(t, sent, 1)
	mergedEv, err := models.ParseEvent(sent[0].message)
	assert.NoError(t, err)
	merged, err := store.FetchTask(mergedEv.(models.ReportEvent).ReportID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionSend, merged.NextAction)
	assert.Equal(t, receiver.FullName(), merged.ReceiverName)
	assert.Equal(t, models.FormatCSV, merged.BodyFormat)
	assert.Equal(t, 6, merged.ItemCount)

	// Every lineage edge lands on the merged report.
	lineages := store.Lineages()
	assert.Len(t, lineages, 6)
	for _, l := range lineages {
		assert.Equal(t, merged.ReportID, l.ChildReportID)
	}

	var batchRec *models.ActionRecord
	for i := range store.Actions() {
		if store.Actions()[i].Action == models.ActionBatch {
			rec := store.Actions()[i]
			batchRec = &rec
		}
	}
	assert.NotNil(t, batchRec)
	assert.Equal(t, "3 reports in, 1 reports out", batchRec.Result)
	assert.Len(t, batchRec.ConsumedIDs, 3)
	assert.Equal(t, []uuid.UUID{merged.ReportID}, batchRec.ProducedIDs)
}

func TestBatchExcludesUnreadableBodies(t *testing.T) {
	receiver := batchingReceiver(models.Timing{WindowMinutes: 60, MaxReportCount: 10, Operation: models.BatchMerge})
	settings := &fakeSettings{receivers: []models.Receiver{receiver}}
	eng, store, queue, blob := newTestEngine(settings)
	ctx := context.Background()

	healthy := seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 2)
	broken := seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 2)
	assert.NoError(t, blob.Delete(ctx, broken.BodyURL))

	x := NewBatchExecutor(eng, nopLogger{})
	ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: receiver.FullName()}
	assert.NoError(t, x.Handle(ctx, ev))

	// The broken task is claimed and closed, never retried.
	got, err := store.FetchTask(broken.ReportID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionNone, got.NextAction)

	sent := queue.messages()
	assert.Len(t, sent, 1)
	merged, err := store.FetchTask(sent[0].mustReportID(t))
	assert.NoError(t, err)
	assert.Equal(t, healthy.ItemCount, merged.ItemCount)
}

func TestBatchEmptyBacklog(t *testing.T) {
	receiver := batchingReceiver(models.Timing{WindowMinutes: 60, MaxReportCount: 10, Operation: models.BatchMerge})
	settings := &fakeSettings{receivers: []models.Receiver{receiver}}
	eng, store, queue, _ := newTestEngine(settings)

	x := NewBatchExecutor(eng, nopLogger{})
	ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: receiver.FullName()}
	assert.NoError(t, x.Handle(context.Background(), ev))

	assert.Empty(t, queue.messages())
	actions := store.Actions()
	assert.Len(t, actions, 1)
	assert.Equal(t, "0 reports in, 0 reports out", actions[0].Result)
}

func TestBatchSingleItemFormat(t *testing.T) {
	receiver := batchingReceiver(models.Timing{
		WindowMinutes:    60,
		MaxReportCount:   10,
		Operation:        models.BatchNone,
		SingleItemFormat: true,
	})
	settings := &fakeSettings{receivers: []models.Receiver{receiver}}
	eng, store, queue, _ := newTestEngine(settings)
	ctx := context.Background()

	seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 3)

	x := NewBatchExecutor(eng, nopLogger{})
	ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: receiver.FullName()}
	assert.NoError(t, x.Handle(ctx, ev))

	sent := queue.messages()
	assert.Len(t, sent, 3)
	for _, msg := range sent {
		child, err := store.FetchTask(msg.mustReportID(t))
		assert.NoError(t, err)
		assert.Equal(t, models.ActionSend, child.NextAction)
		assert.Equal(t, 1, child.ItemCount)
	}
}

func TestBatchPassThroughRewraps(t *testing.T) {
	receiver := batchingReceiver(models.Timing{WindowMinutes: 60, MaxReportCount: 10, Operation: models.BatchNone})
	settings := &fakeSettings{receivers: []models.Receiver{receiver}}
	eng, store, queue, _ := newTestEngine(settings)
	ctx := context.Background()

	parent := seedTask(t, eng, store, receiver.FullName(), models.ActionBatch, 2)

	x := NewBatchExecutor(eng, nopLogger{})
	ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: receiver.FullName()}
	assert.NoError(t, x.Handle(ctx, ev))

	sent := queue.messages()
	assert.Len(t, sent, 1)
	childID := sent[0].mustReportID(t)
	// The outgoing report gets its own id so its task row cannot collide
	// with the claimed batch task.
	assert.NotEqual(t, parent.ReportID, childID)
	child, err := store.FetchTask(childID)
	assert.NoError(t, err)
	assert.Equal(t, parent.ItemCount, child.ItemCount)
}

func TestBatchUnknownReceiverDropsEvent(t *testing.T) {
	eng, store, queue, _ := newTestEngine(&fakeSettings{})
	x := NewBatchExecutor(eng, nopLogger{})

	ev := models.ReceiverEvent{EventAction: models.ActionBatch, ReceiverName: "ghost.receiver"}
	assert.NoError(t, x.Handle(context.Background(), ev))
	assert.Empty(t, queue.messages())
	assert.Empty(t, store.Actions())
}

// mustReportID parses the message and returns its report id.
func (m queuedMessage) mustReportID(t *testing.T) uuid.UUID {
	t.Helper()
	ev, err := models.ParseEvent(m.message)
	if err != nil {
		t.Fatalf("Failed to parse queued message %q: %v", m.message, err)
	}
	re, ok := ev.(models.ReportEvent)
	if !ok {
		t.Fatalf("Queued message %q is not a report event", m.message)
	}
	return re.ReportID
}
