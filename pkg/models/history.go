package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionRecord is one append-only lineage log entry: what a pipeline
// invocation did and which reports it consumed and produced. Written in the
// same transaction as the task updates it describes.
type ActionRecord struct {
	ActionID    int64       `db:"action_id"`
	Action      Action      `db:"action"`
	Result      string      `db:"result"`
	CreatedAt   time.Time   `db:"created_at"`
	ConsumedIDs []uuid.UUID `db:"consumed_ids"`
	ProducedIDs []uuid.UUID `db:"produced_ids"`
}

// Consume appends a report to the record's inputs.
func (a *ActionRecord) Consume(reportID uuid.UUID) {
	a.ConsumedIDs = append(a.ConsumedIDs, reportID)
}

// Produce appends a report to the record's outputs.
func (a *ActionRecord) Produce(reportID uuid.UUID) {
	a.ProducedIDs = append(a.ProducedIDs, reportID)
}

// ItemLineage is one parent-item to child-item derivation edge. Merges write
// many-parents-to-one-child edges; splits write one-parent-to-many-children.
type ItemLineage struct {
	LineageID      int64     `db:"lineage_id"`
	ParentReportID uuid.UUID `db:"parent_report_id"`
	ParentIndex    int       `db:"parent_index"`
	ChildReportID  uuid.UUID `db:"child_report_id"`
	ChildIndex     int       `db:"child_index"`
}
