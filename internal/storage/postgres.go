package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over sqlx. The same type wraps
// either a *sqlx.DB or, after Begin, a *sqlx.Tx.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// InsertTask creates the task row for a report entering the pipeline.
func (s *PostgresStore) InsertTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO task (report_id, schema_name, receiver_name, item_count, body_format,
			body_url, created_at, next_action, next_action_at, retry_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ReportID, t.SchemaName, t.ReceiverName, t.ItemCount, t.BodyFormat,
		t.BodyURL, t.CreatedAt, t.NextAction, t.NextActionAt, t.RetryToken)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return storage.ErrDuplicateReport
	}
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ReportID, err)
	}
	return nil
}

// FetchTask reads a task without locking it.
func (s *PostgresStore) FetchTask(reportID uuid.UUID) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM task WHERE report_id = $1", reportID)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// FetchAndLockTask reads one task under an exclusive row lock held until the
// enclosing transaction ends.
func (s *PostgresStore) FetchAndLockTask(reportID uuid.UUID) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM task WHERE report_id = $1 FOR UPDATE", reportID)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("lock task %s: %w", reportID, err)
	}
	return task, nil
}

// FetchAndLockBatch claims up to limit ready tasks for one receiver. SKIP
// LOCKED lets concurrent workers drain the same receiver without blocking
// on or double-claiming each other's rows.
func (s *PostgresStore) FetchAndLockBatch(action models.Action, notBefore time.Time, receiverName string, limit int) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `
		SELECT * FROM task
		WHERE receiver_name = $1
		  AND next_action = $2
		  AND (next_action_at IS NULL OR next_action_at <= $3)
		ORDER BY created_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		receiverName, action, notBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("lock batch for %s: %w", receiverName, err)
	}
	return tasks, nil
}

// AdvanceTask transitions a task, guarded on the expected current action so
// a stale in-memory task never clobbers a row another delivery already
// advanced. A guard miss updates zero rows and is not an error.
func (s *PostgresStore) AdvanceTask(reportID uuid.UUID, expected, next models.Action, nextAt *time.Time, retryToken *string) error {
	_, err := s.db.Exec(`
		UPDATE task
		SET next_action = $1, next_action_at = $2, retry_token = $3
		WHERE report_id = $4 AND next_action = $5`,
		next, nextAt, retryToken, reportID, expected)
	if err != nil {
		return fmt.Errorf("advance task %s: %w", reportID, err)
	}
	return nil
}

// CountReadyTasks counts a receiver's claimable tasks for an action; the
// batch decider sizes its message fan-out from this.
func (s *PostgresStore) CountReadyTasks(action models.Action, notBefore time.Time, receiverName string) (int, error) {
	var count int
	err := s.db.Get(&count, `
		SELECT COUNT(*) FROM task
		WHERE receiver_name = $1
		  AND next_action = $2
		  AND (next_action_at IS NULL OR next_action_at <= $3)`,
		receiverName, action, notBefore)
	if err != nil {
		return 0, fmt.Errorf("count ready tasks for %s: %w", receiverName, err)
	}
	return count, nil
}

// InsertActionRecord appends one lineage log entry and returns its id.
func (s *PostgresStore) InsertActionRecord(rec models.ActionRecord) (int64, error) {
	if rec.ConsumedIDs == nil {
		rec.ConsumedIDs = []uuid.UUID{}
	}
	if rec.ProducedIDs == nil {
		rec.ProducedIDs = []uuid.UUID{}
	}
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO action_record (action, result, created_at, consumed_ids, produced_ids)
		VALUES ($1, $2, $3, $4, $5) RETURNING action_id`,
		rec.Action, rec.Result, rec.CreatedAt, pq.Array(rec.ConsumedIDs), pq.Array(rec.ProducedIDs)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert action record: %w", err)
	}
	return id, nil
}

// InsertItemLineages appends item derivation edges.
func (s *PostgresStore) InsertItemLineages(lineages []models.ItemLineage) error {
	for _, l := range lineages {
		_, err := s.db.Exec(`
			INSERT INTO item_lineage (parent_report_id, parent_index, child_report_id, child_index)
			VALUES ($1, $2, $3, $4)`,
			l.ParentReportID, l.ParentIndex, l.ChildReportID, l.ChildIndex)
		if err != nil {
			return fmt.Errorf("insert item lineage: %w", err)
		}
	}
	return nil
}

// FetchItemLineages returns the edges that produced a report's items.
func (s *PostgresStore) FetchItemLineages(childReportID uuid.UUID) ([]models.ItemLineage, error) {
	lineages := []models.ItemLineage{}
	err := s.db.Select(&lineages, `
		SELECT * FROM item_lineage WHERE child_report_id = $1 ORDER BY child_index`,
		childReportID)
	if err != nil {
		return nil, err
	}
	return lineages, nil
}
