package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TransportRetry records the outstanding item indices of one transport in a
// multi-transport delivery. A transport absent from the token has fully
// succeeded and is skipped on the next attempt.
type TransportRetry struct {
	Transport int   `json:"transport"`
	Items     []int `json:"items"`
}

// RetryToken is the per-report bookkeeping for a SEND in progress: how many
// attempts have been made and exactly which parts of the delivery still need
// retrying. The send executor is its only writer; everything else treats it
// as an opaque value on the task row.
type RetryToken struct {
	Attempt int              `json:"attempt"`
	Pending []TransportRetry `json:"pending"`
}

// NewRetryToken builds the starting token: every transport, every item,
// attempt zero. itemCounts gives the item count per transport index.
func NewRetryToken(itemCounts []int) *RetryToken {
	pending := make([]TransportRetry, len(itemCounts))
	for i, n := range itemCounts {
		pending[i] = TransportRetry{Transport: i, Items: allItems(n)}
	}
	return &RetryToken{Attempt: 0, Pending: pending}
}

func allItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

// Encode serializes the token to its persisted form.
func (t *RetryToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "encode retry token")
	}
	return string(data), nil
}

// DecodeRetryToken parses a persisted token. A failure here means the task
// row holds a token this build cannot read, which is a programming or
// deployment error, not a retryable condition.
func DecodeRetryToken(data string) (*RetryToken, error) {
	var t RetryToken
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, errors.Wrapf(err, "corrupt retry token %q", data)
	}
	return &t, nil
}

// ItemsFor returns the outstanding items for a transport index and whether
// the transport still needs attempting at all.
func (t *RetryToken) ItemsFor(transport int) ([]int, bool) {
	for _, p := range t.Pending {
		if p.Transport == transport {
			return p.Items, true
		}
	}
	return nil, false
}

// Equal compares two tokens structurally.
func (t *RetryToken) Equal(o *RetryToken) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Attempt != o.Attempt || len(t.Pending) != len(o.Pending) {
		return false
	}
	for i, p := range t.Pending {
		q := o.Pending[i]
		if p.Transport != q.Transport || len(p.Items) != len(q.Items) {
			return false
		}
		for j, item := range p.Items {
			if item != q.Items[j] {
				return false
			}
		}
	}
	return true
}
