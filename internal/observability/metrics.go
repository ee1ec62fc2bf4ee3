package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks room session activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// ActiveSessions is the number of live room sessions.
	ActiveSessions prometheus.Gauge

	// Participants is the number of connected participants across rooms.
	Participants prometheus.Gauge

	// FramesTotal counts inbound frames by admission decision.
	// Labels: decision (apply|answer_state|stop|already_stopped|blocked|dropped)
	FramesTotal *prometheus.CounterVec

	// StopTransitions counts Active to Stopped transitions.
	StopTransitions prometheus.Counter

	// PersistenceFailures counts store operations that failed after retries.
	// Labels: operation (get_metadata|load_document|put_metadata|delete_metadata|append_update|append_dropped|save_snapshot)
	PersistenceFailures *prometheus.CounterVec

	// SendFailures counts frames that could not be delivered to a participant.
	SendFailures prometheus.Counter

	// TeardownDuration measures how long room teardown takes, including the
	// final snapshot flush.
	TeardownDuration prometheus.Histogram
}

// NewMetrics registers the session metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lattice_active_sessions",
			Help: "Current number of live room sessions",
		}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lattice_participants",
			Help: "Current number of connected participants",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_frames_total",
			Help: "Inbound frames by admission decision",
		}, []string{"decision"}),
		StopTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_stop_transitions_total",
			Help: "Rooms moved from active to stopped",
		}),
		PersistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_persistence_failures_total",
			Help: "Store operations that failed after retries",
		}, []string{"operation"}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_send_failures_total",
			Help: "Frames that could not be queued for a participant",
		}),
		TeardownDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lattice_teardown_duration_seconds",
			Help:    "Room teardown latency including the final flush",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed(seconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.TeardownDuration.Observe(seconds)
}

func (m *Metrics) ParticipantJoined() {
	if m == nil {
		return
	}
	m.Participants.Inc()
}

func (m *Metrics) ParticipantLeft() {
	if m == nil {
		return
	}
	m.Participants.Dec()
}

func (m *Metrics) RecordFrame(decision string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordStop() {
	if m == nil {
		return
	}
	m.StopTransitions.Inc()
}

func (m *Metrics) RecordPersistenceFailure(operation string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}
