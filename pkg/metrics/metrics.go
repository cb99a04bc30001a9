// Package metrics exposes the synchronizer's prometheus counters. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "groupsync"

type Collectors struct {
	EventsApplied   *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	StaleResults    prometheus.Counter
	PagesLoaded     *prometheus.CounterVec
	SendFailures    prometheus.Counter
	ReadReceipts    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Live events applied to the local state, by event type.",
		}, []string{"type"}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Live events ignored because they were already applied.",
		}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Network results discarded because the active group changed.",
		}),
		PagesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_loaded_total",
			Help:      "Message pages merged into the store, by kind (initial, older).",
		}, []string{"kind"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Optimistic sends rolled back after the backend refused them.",
		}),
		ReadReceipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_receipts_total",
			Help:      "Read receipts sent, by result (ok, error).",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.EventsApplied,
			c.EventsDuplicate,
			c.StaleResults,
			c.PagesLoaded,
			c.SendFailures,
			c.ReadReceipts,
		)
	}
	return c
}

func (c *Collectors) EventApplied(typ string) {
	if c == nil {
		return
	}
	c.EventsApplied.WithLabelValues(typ).Inc()
}

func (c *Collectors) Duplicate() {
	if c == nil {
		return
	}
	c.EventsDuplicate.Inc()
}

func (c *Collectors) Stale() {
	if c == nil {
		return
	}
	c.StaleResults.Inc()
}

func (c *Collectors) PageLoaded(kind string) {
	if c == nil {
		return
	}
	c.PagesLoaded.WithLabelValues(kind).Inc()
}

func (c *Collectors) SendFailed() {
	if c == nil {
		return
	}
	c.SendFailures.Inc()
}

func (c *Collectors) ReadReceipt(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ReadReceipts.WithLabelValues(result).Inc()
}
