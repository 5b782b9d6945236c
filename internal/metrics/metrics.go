package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the inbox's Prometheus collectors.
type Metrics struct {
	AccessDecisions *prometheus.CounterVec
	EventsEmitted   *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry() so collectors never clash.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AccessDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_access_decisions_total",
				Help: "Conversation access decisions by check, result and rule",
			},
			[]string{"check", "result", "reason"},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_events_emitted_total",
				Help: "Real-time events delivered to or withheld from subscribers",
			},
			[]string{"type", "result"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_messages_sent_total",
				Help: "Outbound WhatsApp messages by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.AccessDecisions, m.EventsEmitted, m.MessagesSent)
	return m
}

func result(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}

// ObserveAccess records one access decision. Safe on a nil receiver.
func (m *Metrics) ObserveAccess(check string, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.AccessDecisions.WithLabelValues(check, result(allowed), reason).Inc()
}

// ObserveEmit records whether an event reached a subscriber.
func (m *Metrics) ObserveEmit(eventType string, delivered bool) {
	if m == nil {
		return
	}
	r := "withheld"
	if delivered {
		r = "delivered"
	}
	m.EventsEmitted.WithLabelValues(eventType, r).Inc()
}

// ObserveSend records an outbound message attempt.
func (m *Metrics) ObserveSend(err error) {
	if m == nil {
		return
	}
	r := "ok"
	if err != nil {
		r = "error"
	}
	m.MessagesSent.WithLabelValues(r).Inc()
}
