package models

import (
	"time"

	"github.com/google/uuid"
)

// BodyFormat names the serialized form of a report body. The pipeline never
// inspects bodies; formats only select a serializer.
type BodyFormat string

const (
	FormatInternal BodyFormat = "INTERNAL"
	FormatCSV      BodyFormat = "CSV"
	FormatHL7      BodyFormat = "HL7"
	FormatHL7Batch BodyFormat = "HL7_BATCH"
)

// Ext returns the file extension used for blob keys and delivered files.
func (f BodyFormat) Ext() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatHL7, FormatHL7Batch:
		return "hl7"
	default:
		return "internal"
	}
}

// Item is one record inside a report. Payloads are opaque to the pipeline.
type Item struct {
	Payload []byte `json:"payload"`
}

// Report is an in-memory group of items moving through the pipeline as one
// unit. Its persisted counterpart is the Task row plus the uploaded body.
type Report struct {
	ID         uuid.UUID
	SchemaName string
	BodyFormat BodyFormat
	Items      []Item
	CreatedAt  time.Time
}

// ItemCount is len(Items); kept as a method to mirror the task column.
func (r Report) ItemCount() int { return len(r.Items) }

// MergeReports combines the items of several reports into one new report and
// returns the lineage edges tracing every merged item back to its parent.
// Item order is parents in argument order, items in parent order, so the
// merged item count always equals the summed input count.
func MergeReports(parents []Report) (Report, []ItemLineage) {
	merged := Report{
		ID:         uuid.New(),
		SchemaName: parents[0].SchemaName,
		BodyFormat: parents[0].BodyFormat,
		CreatedAt:  time.Now(),
	}
	var lineage []ItemLineage
	for _, parent := range parents {
		for i, item := range parent.Items {
			lineage = append(lineage, ItemLineage{
				ParentReportID: parent.ID,
				ParentIndex:    i,
				ChildReportID:  merged.ID,
				ChildIndex:     len(merged.Items),
			})
			merged.Items = append(merged.Items, item)
		}
	}
	return merged, lineage
}

// SplitReport produces one single-item child report per item of the parent,
// with a lineage edge from each child item back to its source item.
func SplitReport(parent Report) ([]Report, []ItemLineage) {
	children := make([]Report, 0, len(parent.Items))
	lineage := make([]ItemLineage, 0, len(parent.Items))
	for i, item := range parent.Items {
		child := Report{
			ID:         uuid.New(),
			SchemaName: parent.SchemaName,
			BodyFormat: parent.BodyFormat,
			Items:      []Item{item},
			CreatedAt:  time.Now(),
		}
		lineage = append(lineage, ItemLineage{
			ParentReportID: parent.ID,
			ParentIndex:    i,
			ChildReportID:  child.ID,
			ChildIndex:     0,
		})
		children = append(children, child)
	}
	return children, lineage
}
