package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// messageDelimiter separates the fields of a queue message. It is reserved:
// no field may contain it.
const messageDelimiter = "&"

const (
	entityReport   = "report"
	entityReceiver = "receiver"
)

// ErrMalformedMessage marks an unparseable queue message. It signals a
// deployment or version-skew bug, never a retryable condition: the message
// is logged and dropped, not re-driven.
var ErrMalformedMessage = errors.New("malformed queue message")

// Event is an ephemeral instruction to act on a report or a receiver,
// optionally not before a given time. Events are never persisted; they ride
// the queue as flat delimited strings and their durable shadow is the task
// row written in the same transaction that produced them.
type Event interface {
	// Action is the pipeline stage the event drives.
	Action() Action
	// At is the earliest time the event may be acted on; nil means now.
	At() *time.Time
	// Message encodes the event to its queue wire form.
	Message() (string, error)
}

// ReportEvent acts on a single report. Retry carries the next retry token
// for a SEND mid-retry; it is persisted on the task row, not on the wire.
type ReportEvent struct {
	EventAction Action
	ReportID    uuid.UUID
	EventAt     *time.Time
	Retry       *RetryToken
}

func (e ReportEvent) Action() Action { return e.EventAction }
func (e ReportEvent) At() *time.Time { return e.EventAt }

func (e ReportEvent) Message() (string, error) {
	return encodeMessage(entityReport, e.EventAction, e.ReportID.String(), e.EventAt)
}

// ReceiverEvent acts on all ready tasks of one receiver; BATCH is the only
// receiver-scoped stage.
type ReceiverEvent struct {
	EventAction  Action
	ReceiverName string
	EventAt      *time.Time
}

func (e ReceiverEvent) Action() Action { return e.EventAction }
func (e ReceiverEvent) At() *time.Time { return e.EventAt }

func (e ReceiverEvent) Message() (string, error) {
	return encodeMessage(entityReceiver, e.EventAction, e.ReceiverName, e.EventAt)
}

func encodeMessage(entity string, action Action, target string, at *time.Time) (string, error) {
	if target == "" || strings.Contains(target, messageDelimiter) {
		return "", errors.Wrapf(ErrMalformedMessage, "invalid event target %q", target)
	}
	fields := []string{entity, string(action), target}
	if at != nil {
		fields = append(fields, at.UTC().Format(time.RFC3339Nano))
	}
	return strings.Join(fields, messageDelimiter), nil
}

// ParseEvent decodes a queue message into its Event. It is the inverse of
// Event.Message for every value Message produces. Any failure wraps
// ErrMalformedMessage.
func ParseEvent(message string) (Event, error) {
	fields := strings.Split(message, messageDelimiter)
	if len(fields) != 3 && len(fields) != 4 {
		return nil, errors.Wrapf(ErrMalformedMessage, "expected 3 or 4 fields, got %d", len(fields))
	}
	action, err := ParseAction(fields[1])
	if err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	var at *time.Time
	if len(fields) == 4 {
		parsed, err := time.Parse(time.RFC3339Nano, fields[3])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "bad event time %q", fields[3])
		}
		utc := parsed.UTC()
		at = &utc
	}
	switch fields[0] {
	case entityReport:
		reportID, err := uuid.Parse(fields[2])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "bad report id %q", fields[2])
		}
		return ReportEvent{EventAction: action, ReportID: reportID, EventAt: at}, nil
	case entityReceiver:
		if fields[2] == "" {
			return nil, errors.Wrap(ErrMalformedMessage, "empty receiver name")
		}
		return ReceiverEvent{EventAction: action, ReceiverName: fields[2], EventAt: at}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown event entity %q", fields[0])
	}
}
