package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

type nopLogger struct{}

func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

type queuedMessage struct {
	message string
	delay   time.Duration
	ttl     time.Duration
}

// fakeQueue records sends; Receive always reports an empty queue.
type fakeQueue struct {
	mu   sync.Mutex
	sent []queuedMessage
}

func (q *fakeQueue) Send(ctx context.Context, message string, delay, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, queuedMessage{message: message, delay: delay, ttl: ttl})
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context) (string, func(context.Context) error, error) {
	return "", nil, ErrNoMessage
}

func (q *fakeQueue) messages() []queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedMessage, len(q.sent))
	copy(out, q.sent)
	return out
}

// fakeBlob is an in-memory BlobStore keyed by mem:// URLs.
type fakeBlob struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{blobs: make(map[string][]byte)}
}

func (b *fakeBlob) Upload(ctx context.Context, key string, body []byte) (BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url := "mem://" + key
	b.blobs[url] = append([]byte(nil), body...)
	return BlobInfo{URL: url, Size: int64(len(body))}, nil
}

func (b *fakeBlob) Download(ctx context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.blobs[url]
	if !ok {
		return nil, errors.Errorf("no blob at %s", url)
	}
	return append([]byte(nil), body...), nil
}

func (b *fakeBlob) Delete(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, url)
	return nil
}

func (b *fakeBlob) has(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[url]
	return ok
}

// fakeSettings serves a fixed receiver list.
type fakeSettings struct {
	receivers []models.Receiver
}

func (s *fakeSettings) FindReceiver(fullName string) (*models.Receiver, error) {
	for i := range s.receivers {
		if s.receivers[i].FullName() == fullName {
			return &s.receivers[i], nil
		}
	}
	return nil, nil
}

func (s *fakeSettings) Receivers() []models.Receiver {
	return s.receivers
}

type transportCall struct {
	host  string
	items []int
}

// fakeTransport scripts Send through the send func and records every call.
type fakeTransport struct {
	mu    sync.Mutex
	calls []transportCall
	send  func(cfg models.TransportConfig, items []int) ([]int, error)
}

func (f *fakeTransport) Send(ctx context.Context, receiver models.Receiver, cfg models.TransportConfig,
	body []byte, reportID uuid.UUID, items []int,
) ([]int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, transportCall{host: cfg.Host, items: append([]int(nil), items...)})
	f.mu.Unlock()
	if f.send == nil {
		return nil, nil
	}
	return f.send(cfg, items)
}

func (f *fakeTransport) callLog() []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transportCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestEngine(settings SettingsProvider) (*Engine, *storage.MockStore, *fakeQueue, *fakeBlob) {
	store := storage.NewMockStore()
	queue := &fakeQueue{}
	blob := newFakeBlob()
	eng := New(store, blob, queue, settings, NewDefaultSerializer(), nopLogger{})
	return eng, store, queue, blob
}

// seedTask uploads an internal-format body of itemCount items and inserts a
// task pointing at action for it.
func seedTask(t *testing.T, eng *Engine, store *storage.MockStore, receiverName string,
	action models.Action, itemCount int,
) models.Task {
	t.Helper()
	items := make([]models.Item, itemCount)
	for i := range items {
		items[i] = models.Item{Payload: []byte(fmt.Sprintf("item-%d", i))}
	}
	report := models.Report{
		ID:         uuid.New(),
		SchemaName: "covid-19",
		BodyFormat: models.FormatInternal,
		Items:      items,
		CreatedAt:  time.Now(),
	}
	body, err := eng.serializer.Serialize(report)
	if err != nil {
		t.Fatalf("Failed to serialize seed report: %v", err)
	}
	info, err := eng.blob.Upload(context.Background(), blobKey(receiverName, action, report), body)
	if err != nil {
		t.Fatalf("Failed to upload seed body: %v", err)
	}
	task := taskFor(report, receiverName, info.URL, models.ReportEvent{EventAction: action})
	if err := store.InsertTask(task); err != nil {
		t.Fatalf("Failed to insert seed task: %v", err)
	}
	return task
}
