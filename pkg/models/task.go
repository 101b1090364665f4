package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is a pipeline stage stored in task.next_action. It names the next
// piece of work owed to a report, not the work already done.
type Action string

const (
	ActionReceive   Action = "RECEIVE"
	ActionTranslate Action = "TRANSLATE"
	ActionBatch     Action = "BATCH"
	ActionSend      Action = "SEND"
	ActionSendError Action = "SEND_ERROR"
	ActionWipe      Action = "WIPE"
	ActionNone      Action = "NONE"
)

// ParseAction maps an action name from a queue message or a task row.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionReceive, ActionTranslate, ActionBatch, ActionSend,
		ActionSendError, ActionWipe, ActionNone:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Terminal reports whether no automatic transition leaves this action.
func (a Action) Terminal() bool {
	return a == ActionNone || a == ActionSendError || a == ActionWipe
}

// Queueable reports whether an event for this action belongs on the queue.
// Terminal actions are persisted on the task row but never enqueued.
func (a Action) Queueable() bool {
	return a == ActionTranslate || a == ActionBatch || a == ActionSend
}

// Task is the persisted pipeline position of one report. Exactly one row per
// report; the row lock on it is the per-report serialization point.
type Task struct {
	ReportID     uuid.UUID  `db:"report_id"`
	SchemaName   string     `db:"schema_name"`
	ReceiverName string     `db:"receiver_name"`
	ItemCount    int        `db:"item_count"`
	BodyFormat   BodyFormat `db:"body_format"`
	BodyURL      string     `db:"body_url"`
	CreatedAt    time.Time  `db:"created_at"`
	NextAction   Action     `db:"next_action"`
	// NextActionAt is nil when the task is ready now; otherwise the task is
	// not eligible until this time.
	NextActionAt *time.Time `db:"next_action_at"`
	// RetryToken holds the encoded retry token while a SEND is mid-retry.
	RetryToken *string `db:"retry_token"`
}

// Ready reports whether the task is eligible to be claimed at the given time.
func (t Task) Ready(at time.Time) bool {
	return t.NextActionAt == nil || !t.NextActionAt.After(at)
}
