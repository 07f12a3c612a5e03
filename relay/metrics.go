package relay

import "github.com/prometheus/client_golang/prometheus"

// metrics is nil when prometheus is disabled; every method is then a no-op.
type metrics struct {
	events      *prometheus.CounterVec
	drops       *prometheus.CounterVec
	frames      prometheus.Counter
	evictions   prometheus.Counter
	connections prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab_relay",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Number of client events handled, by event name.",
		}, []string{"event"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab_relay",
			Subsystem: "relay",
			Name:      "events_dropped_total",
			Help:      "Number of frames or broadcasts dropped, by reason.",
		}, []string{"reason"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_relay",
			Subsystem: "relay",
			Name:      "frames_sent_total",
			Help:      "Number of frames queued to client connections.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_relay",
			Subsystem: "relay",
			Name:      "sweep_evictions_total",
			Help:      "Number of sessions removed for being silent too long.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab_relay",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of live client connections.",
		}),
	}
	prometheus.MustRegister(m.events, m.drops, m.frames, m.evictions, m.connections)
	return m
}

func (m *metrics) unregister() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.events)
	prometheus.Unregister(m.drops)
	prometheus.Unregister(m.frames)
	prometheus.Unregister(m.evictions)
	prometheus.Unregister(m.connections)
}

func (m *metrics) handled(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *metrics) sentFrame() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

func (m *metrics) evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}
