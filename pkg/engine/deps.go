package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/models"
)

// Logger defines the logging interface for the engine and executors.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrNoMessage is returned by Queue.Receive when the poll interval elapsed
// with nothing to deliver.
var ErrNoMessage = errors.New("no message available")

// Queue is an at-least-once delayed-delivery message queue. Send makes the
// message invisible for delay and expendable after ttl; Receive returns one
// message plus a done func that acknowledges it. An unacknowledged message
// is redelivered.
type Queue interface {
	Send(ctx context.Context, message string, delay, ttl time.Duration) error
	Receive(ctx context.Context) (message string, done func(context.Context) error, err error)
}

// BlobInfo describes an uploaded report body.
type BlobInfo struct {
	URL          string
	DigestSHA256 string
	Size         int64
}

// BlobStore holds report bodies, addressable by URL and integrity-checked
// by SHA-256 digest.
type BlobStore interface {
	Upload(ctx context.Context, key string, body []byte) (BlobInfo, error)
	Download(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// Transport delivers a report body over one configured channel. It returns
// the item indices that still need retrying; nil or empty means the whole
// delivery succeeded. items narrows a retry to the outstanding items.
type Transport interface {
	Send(ctx context.Context, receiver models.Receiver, cfg models.TransportConfig,
		body []byte, reportID uuid.UUID, items []int) ([]int, error)
}

// TransportRegistry maps a TransportConfig kind to its driver.
type TransportRegistry map[string]Transport

// RoutedReport is one receiver-specific child report produced by
// translation, with the parent item index behind each child item.
type RoutedReport struct {
	Report            models.Report
	Receiver          models.Receiver
	ParentItemIndexes []int
}

// Translator converts one parent report into receiver-specific child
// reports. Its logic lives outside the pipeline.
type Translator interface {
	TranslateAndFilter(ctx context.Context, report models.Report) ([]RoutedReport, error)
}

// SettingsProvider exposes receiver configuration, read-only to the
// pipeline.
type SettingsProvider interface {
	FindReceiver(fullName string) (*models.Receiver, error)
	Receivers() []models.Receiver
}

// BodySerializer converts reports to and from their stored body bytes,
// dispatching on the report's (or task's) body format.
type BodySerializer interface {
	Serialize(report models.Report) ([]byte, error)
	Deserialize(task models.Task, body []byte) (models.Report, error)
}
