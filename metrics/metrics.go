// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_events_applied_total",
		Help: "Change events applied to a collection table",
	}, []string{"table", "kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_events_dropped_total",
		Help: "Change events dropped instead of applied",
	}, []string{"table", "reason"})

	UpdatesBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_updates_buffered_total",
		Help: "Updates buffered because their insert had not arrived yet",
	}, []string{"table"})

	ReconnectsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after a channel fault",
	}, []string{"table"})

	SubscriptionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_subscription_failures_total",
		Help: "Subscriptions that exhausted their reconnect budget",
	}, []string{"table"})

	SupervisorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "refill_sync_supervisor_state",
		Help: "Current supervisor state (0 idle, 1 subscribing, 2 subscribed, 3 error, 4 closed, 5 timed out, 6 failed)",
	}, []string{"table"})

	Refetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_refetches_total",
		Help: "Full refetches of a collection",
	}, []string{"table", "reason"})

	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_sync_writes_total",
		Help: "Write operations by outcome",
	}, []string{"table", "op", "outcome"})

	UnreadMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "refill_sync_unread_messages",
		Help: "Unread staff messages for the signed-in user",
	})
)
