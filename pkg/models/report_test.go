package models_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/reporthub/reporthub/pkg/models"
)

func makeReport(itemCount int) models.Report {
	items := make([]models.Item, itemCount)
	for i := range items {
		items[i] = models.Item{Payload: []byte(fmt.Sprintf("item-%d", i))}
	}
	return models.Report{
		ID:         uuid.New(),
		SchemaName: "covid-19",
		BodyFormat: models.FormatInternal,
		Items:      items,
		CreatedAt:  time.Now(),
	}
}

func TestMergeReports(t *testing.T) {
	a := makeReport(2)
	b := makeReport(3)

	merged, lineage := models.MergeReports([]models.Report{a, b})

	assert.Equal(t, 5, merged.ItemCount())
	assert.Equal(t, a.SchemaName, merged.SchemaName)
	assert.NotEqual(t, a.ID, merged.ID)
	assert.NotEqual(t, b.ID, merged.ID)

	// Items keep parent order, parents keep argument order.
	assert.Equal(t, a.Items[0].Payload, merged.Items[0].Payload)
	assert.Equal(t, b.Items[2].Payload, merged.Items[4].Payload)

	assert.Len(t, lineage, 5)
	assert.Equal(t, a.ID, lineage[0].ParentReportID)
	assert.Equal(t, 0, lineage[0].ParentIndex)
	assert.Equal(t, merged.ID, lineage[0].ChildReportID)
	assert.Equal(t, 0, lineage[0].ChildIndex)
	assert.Equal(t, b.ID, lineage[4].ParentReportID)
	assert.Equal(t, 2, lineage[4].ParentIndex)
	assert.Equal(t, 4, lineage[4].ChildIndex)
}

func TestSplitReport(t *testing.T) {
	parent := makeReport(3)

	children, lineage := models.SplitReport(parent)

	assert.Len(t, children, 3)
	assert.Len(t, lineage, 3)
	total := 0
	for i, child := range children {
		assert.Equal(t, 1, child.ItemCount())
		assert.Equal(t, parent.Items[i].Payload, child.Items[0].Payload)
		assert.NotEqual(t, parent.ID, child.ID)
		assert.Equal(t, parent.ID, lineage[i].ParentReportID)
		assert.Equal(t, i, lineage[i].ParentIndex)
		assert.Equal(t, child.ID, lineage[i].ChildReportID)
		assert.Equal(t, 0, lineage[i].ChildIndex)
		total += child.ItemCount()
	}
	assert.Equal(t, parent.ItemCount(), total)
}

func TestActionProperties(t *testing.T) {
	assert.True(t, models.ActionNone.Terminal())
	assert.True(t, models.ActionSendError.Terminal())
	assert.True(t, models.ActionWipe.Terminal())
	assert.False(t, models.ActionSend.Terminal())

	assert.True(t, models.ActionTranslate.Queueable())
	assert.True(t, models.ActionBatch.Queueable())
	assert.True(t, models.ActionSend.Queueable())
	assert.False(t, models.ActionNone.Queueable())
	assert.False(t, models.ActionReceive.Queueable())

	_, err := models.ParseAction("DELIVER")
	assert.Error(t, err)
}

func TestTaskReady(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)

	assert.True(t, models.Task{}.Ready(now))
	assert.True(t, models.Task{NextActionAt: &now}.Ready(now))
	assert.False(t, models.Task{NextActionAt: &later}.Ready(now))
	assert.True(t, models.Task{NextActionAt: &later}.Ready(later.Add(time.Second)))
}

func TestTimingWindowClosedWithin(t *testing.T) {
	hourly := models.Timing{WindowMinutes: 60, MaxReportCount: 100, Operation: models.BatchMerge}
	interval := time.Minute

	boundary := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	assert.True(t, hourly.WindowClosedWithin(boundary, interval))
	assert.True(t, hourly.WindowClosedWithin(boundary.Add(30*time.Second), interval))
	assert.False(t, hourly.WindowClosedWithin(boundary.Add(2*time.Minute), interval))
	assert.False(t, hourly.WindowClosedWithin(boundary.Add(-time.Minute), interval))

	// A non-batching receiver never closes a window.
	direct := models.Timing{}
	assert.False(t, direct.WindowClosedWithin(boundary, interval))
	assert.False(t, direct.Batches())
	assert.True(t, hourly.Batches())
}
