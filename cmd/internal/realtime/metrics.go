package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	envelopes     *prometheus.CounterVec
	relayDrops    prometheus.Counter
	messages      *prometheus.CounterVec
	snapshotSaves *prometheus.CounterVec
	purged        prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Name:      "connections",
			Help:      "Open realtime sessions.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Name:      "rooms",
			Help:      "Rooms with at least one subscriber.",
		}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by type and outcome.",
		}, []string{"type", "outcome"}),
		relayDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "relay_drops_total",
			Help:      "Broadcast deliveries dropped on full subscriber queues.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "messages_total",
			Help:      "Appended messages, duplicates included.",
		}, []string{"duplicated"}),
		snapshotSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "snapshot_saves_total",
			Help:      "Document snapshot saves by outcome.",
		}, []string{"outcome"}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "messages_purged_total",
			Help:      "Soft-deleted messages removed by the janitor.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) setRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) envelope(typ, outcome string) {
	if m != nil {
		m.envelopes.WithLabelValues(typ, outcome).Inc()
	}
}

func (m *Metrics) dropped(n int) {
	if m != nil && n > 0 {
		m.relayDrops.Add(float64(n))
	}
}

func (m *Metrics) message(duplicated bool) {
	if m == nil {
		return
	}
	if duplicated {
		m.messages.WithLabelValues("true").Inc()
		return
	}
	m.messages.WithLabelValues("false").Inc()
}

func (m *Metrics) snapshotSave(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshotSaves.WithLabelValues("error").Inc()
		return
	}
	m.snapshotSaves.WithLabelValues("ok").Inc()
}

func (m *Metrics) purgedMessages(n int64) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}
