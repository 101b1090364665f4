package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/models"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateReport is returned when a report id is inserted twice; it is
// the idempotency guard against double-ingestion.
var ErrDuplicateReport = errors.New("duplicate report")

// Store defines the task state machine persistence for the pipeline.
//
// Begin returns a Store bound to one database transaction; every operation
// on the returned value runs inside it until Commit or Rollback. Locks taken
// by FetchAndLockTask and FetchAndLockBatch are held for the life of that
// transaction, which is the system's only coordination mechanism: a crashed
// worker's rollback releases its locks and makes its tasks claimable again.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// InsertTask creates the task row for a report entering a stage.
	// Returns ErrDuplicateReport if the report id already has a row.
	InsertTask(t models.Task) error

	// FetchTask reads a task without locking it; tooling only.
	FetchTask(reportID uuid.UUID) (models.Task, error)

	// FetchAndLockTask reads one task under an exclusive row lock.
	FetchAndLockTask(reportID uuid.UUID) (models.Task, error)

	// FetchAndLockBatch claims up to limit tasks for one receiver matching
	// (action, next_action_at <= notBefore or null), exclusively locked,
	// skipping rows already locked by a concurrent claimant rather than
	// blocking on them.
	FetchAndLockBatch(action models.Action, notBefore time.Time, receiverName string, limit int) ([]models.Task, error)

	// AdvanceTask moves a task to its next action only if its current
	// action still equals expected; otherwise it is a silent no-op (the
	// event was already handled or superseded).
	AdvanceTask(reportID uuid.UUID, expected, next models.Action, nextAt *time.Time, retryToken *string) error

	// CountReadyTasks counts tasks a receiver has ready for an action.
	CountReadyTasks(action models.Action, notBefore time.Time, receiverName string) (int, error)

	// InsertActionRecord appends one lineage log entry.
	InsertActionRecord(rec models.ActionRecord) (int64, error)

	// InsertItemLineages appends item derivation edges.
	InsertItemLineages(lineages []models.ItemLineage) error

	// FetchItemLineages returns the edges that produced a report's items.
	FetchItemLineages(childReportID uuid.UUID) ([]models.ItemLineage, error)
}
