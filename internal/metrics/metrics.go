package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters. Registered on the default registry and served by the
// admin HTTP endpoint.
var (
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "events_handled_total",
		Help:      "Queue events handled, by action and outcome.",
	}, []string{"action", "outcome"})

	StaleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "stale_events_total",
		Help:      "Redelivered events dropped because the task had already advanced.",
	})

	SendsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "sends_succeeded_total",
		Help:      "Reports fully delivered over every configured transport.",
	})

	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "send_retries_total",
		Help:      "Send attempts rescheduled with backoff after partial or total failure.",
	})

	SendsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "sends_abandoned_total",
		Help:      "Reports moved to SEND_ERROR after exhausting retries.",
	})

	BatchesFormed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "batches_formed_total",
		Help:      "Batch messages executed, including empty ones.",
	})

	BatchMessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reporthub",
		Name:      "batch_messages_queued_total",
		Help:      "BATCH events enqueued by the decider.",
	})
)
