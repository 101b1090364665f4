package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/models"
)

// MockStore implements Store with in-memory state for engine and executor
// tests. Mutations apply immediately; transactions only track row locks, so
// Rollback releases locks without undoing writes. That is enough fidelity
// for the locking and no-double-claim behavior the tests exercise.
type MockStore struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.Task
	order    []uuid.UUID
	actions  []models.ActionRecord
	lineages []models.ItemLineage
	locked   map[uuid.UUID]*mockTx
	nextID   int64
}

func NewMockStore() *MockStore {
	return &MockStore{
		tasks:  make(map[uuid.UUID]*models.Task),
		locked: make(map[uuid.UUID]*mockTx),
	}
}

// mockTx is one open transaction against the MockStore.
type mockTx struct {
	store *MockStore
	held  []uuid.UUID
	done  bool
}

func (m *MockStore) Begin() (Store, error) {
	return &mockTx{store: m}, nil
}

func (m *MockStore) Commit() error   { return errors.New("not a transaction") }
func (m *MockStore) Rollback() error { return errors.New("not a transaction") }
func (m *MockStore) Close() error    { return nil }

// Non-transactional reads and writes go through a throwaway transaction.

func (m *MockStore) InsertTask(t models.Task) error {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.InsertTask(t)
}

func (m *MockStore) FetchTask(reportID uuid.UUID) (models.Task, error) {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.FetchTask(reportID)
}

func (m *MockStore) FetchAndLockTask(reportID uuid.UUID) (models.Task, error) {
	return models.Task{}, errors.New("lock requires a transaction")
}

func (m *MockStore) FetchAndLockBatch(models.Action, time.Time, string, int) ([]models.Task, error) {
	return nil, errors.New("lock requires a transaction")
}

func (m *MockStore) AdvanceTask(reportID uuid.UUID, expected, next models.Action, nextAt *time.Time, retryToken *string) error {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.AdvanceTask(reportID, expected, next, nextAt, retryToken)
}

func (m *MockStore) CountReadyTasks(action models.Action, notBefore time.Time, receiverName string) (int, error) {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.CountReadyTasks(action, notBefore, receiverName)
}

func (m *MockStore) InsertActionRecord(rec models.ActionRecord) (int64, error) {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.InsertActionRecord(rec)
}

func (m *MockStore) InsertItemLineages(lineages []models.ItemLineage) error {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.InsertItemLineages(lineages)
}

func (m *MockStore) FetchItemLineages(childReportID uuid.UUID) ([]models.ItemLineage, error) {
	tx := &mockTx{store: m}
	defer tx.release()
	return tx.FetchItemLineages(childReportID)
}

// Actions returns a copy of the recorded action history.
func (m *MockStore) Actions() []models.ActionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ActionRecord, len(m.actions))
	copy(out, m.actions)
	return out
}

// Lineages returns a copy of the recorded item lineage edges.
func (m *MockStore) Lineages() []models.ItemLineage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ItemLineage, len(m.lineages))
	copy(out, m.lineages)
	return out
}

func (t *mockTx) Begin() (Store, error) {
	return nil, errors.New("already in a transaction")
}

func (t *mockTx) Commit() error {
	if t.done {
		return errors.New("already committed")
	}
	t.release()
	return nil
}

func (t *mockTx) Rollback() error {
	if t.done {
		return errors.New("cannot rollback committed transaction")
	}
	t.release()
	return nil
}

func (t *mockTx) Close() error { return nil }

func (t *mockTx) release() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, id := range t.held {
		if t.store.locked[id] == t {
			delete(t.store.locked, id)
		}
	}
	t.held = nil
	t.done = true
}

func (t *mockTx) InsertTask(task models.Task) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.tasks[task.ReportID]; exists {
		return ErrDuplicateReport
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	t.store.tasks[task.ReportID] = &task
	t.store.order = append(t.store.order, task.ReportID)
	return nil
}

func (t *mockTx) FetchTask(reportID uuid.UUID) (models.Task, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	task, ok := t.store.tasks[reportID]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return *task, nil
}

func (t *mockTx) FetchAndLockTask(reportID uuid.UUID) (models.Task, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	task, ok := t.store.tasks[reportID]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if owner, held := t.store.locked[reportID]; held && owner != t {
		// A real store would block here; the mock only ever sees this as a
		// test bug.
		return models.Task{}, errors.Errorf("task %s locked by another transaction", reportID)
	}
	t.store.locked[reportID] = t
	t.held = append(t.held, reportID)
	return *task, nil
}

func (t *mockTx) FetchAndLockBatch(action models.Action, notBefore time.Time, receiverName string, limit int) ([]models.Task, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var claimed []models.Task
	for _, id := range t.store.order {
		if len(claimed) >= limit {
			break
		}
		task := t.store.tasks[id]
		if task.ReceiverName != receiverName || task.NextAction != action || !task.Ready(notBefore) {
			continue
		}
		if owner, held := t.store.locked[id]; held && owner != t {
			continue // skip locked
		}
		t.store.locked[id] = t
		t.held = append(t.held, id)
		claimed = append(claimed, *task)
	}
	return claimed, nil
}

func (t *mockTx) AdvanceTask(reportID uuid.UUID, expected, next models.Action, nextAt *time.Time, retryToken *string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	task, ok := t.store.tasks[reportID]
	if !ok {
		return ErrNotFound
	}
	if task.NextAction != expected {
		return nil // superseded; silent no-op
	}
	task.NextAction = next
	task.NextActionAt = nextAt
	task.RetryToken = retryToken
	return nil
}

func (t *mockTx) CountReadyTasks(action models.Action, notBefore time.Time, receiverName string) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	count := 0
	for _, task := range t.store.tasks {
		if task.ReceiverName == receiverName && task.NextAction == action && task.Ready(notBefore) {
			count++
		}
	}
	return count, nil
}

func (t *mockTx) InsertActionRecord(rec models.ActionRecord) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.nextID++
	rec.ActionID = t.store.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	t.store.actions = append(t.store.actions, rec)
	return rec.ActionID, nil
}

func (t *mockTx) InsertItemLineages(lineages []models.ItemLineage) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.lineages = append(t.store.lineages, lineages...)
	return nil
}

func (t *mockTx) FetchItemLineages(childReportID uuid.UUID) ([]models.ItemLineage, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []models.ItemLineage
	for _, l := range t.store.lineages {
		if l.ChildReportID == childReportID {
			out = append(out, l)
		}
	}
	return out, nil
}
