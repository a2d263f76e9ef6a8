// Package metrics holds the Prometheus collectors for the voice server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vai_talk"

// Metrics is safe to use through a nil pointer; every helper is a no-op then.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	AuthFailures   *prometheus.CounterVec

	FramesReceived     *prometheus.CounterVec
	FramesSent         *prometheus.CounterVec
	AudioBytesReceived prometheus.Counter
	AudioBytesSent     prometheus.Counter
	SequenceGaps       prometheus.Counter
	ProtocolViolations *prometheus.CounterVec

	StageInFlight  *prometheus.GaugeVec
	StageSaturated *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec

	PhaseTransitions *prometheus.CounterVec
	TurnsCompleted   prometheus.Counter
	TurnsInterrupted prometheus.Counter
	NoSpeech         prometheus.Counter

	FlowPauses prometheus.Counter
	FlowStalls prometheus.Counter

	EventsPublished *prometheus.CounterVec
}

// New registers every collector on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered voice sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions created after a successful handshake",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected before a session was created",
		}, []string{"reason"}),

		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type",
		}, []string{"type"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by type",
		}, []string{"type"}),
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Inbound PCM bytes",
		}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Outbound PCM bytes",
		}),
		SequenceGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Inbound sequence gaps (dropped client frames)",
		}),
		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Connections closed for protocol violations",
		}, []string{"reason"}),

		StageInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_inflight",
			Help:      "Running stage tasks",
		}, []string{"stage"}),
		StageSaturated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_saturated_total",
			Help:      "Stage submissions rejected because the pool was full",
		}, []string{"stage"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Stage task duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage", "outcome"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage failures reported to clients",
		}, []string{"stage"}),

		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions",
		}, []string{"from", "to"}),
		TurnsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Turns appended after a full reply",
		}),
		TurnsInterrupted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_interrupted_total",
			Help:      "Turns cut short by barge-in",
		}),
		NoSpeech: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_speech_total",
			Help:      "Utterances whose transcript was empty or filtered",
		}),

		FlowPauses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_pauses_total",
			Help:      "Times an outbound queue crossed its high-water mark",
		}),
		FlowStalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_stalls_total",
			Help:      "Sessions closed because the client stopped draining audio",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Turn events handed to the event sink",
		}, []string{"sink", "outcome"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameReceived(typ string, audioBytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(typ).Inc()
	if audioBytes > 0 {
		m.AudioBytesReceived.Add(float64(audioBytes))
	}
}

func (m *Metrics) FrameSent(typ string, audioBytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(typ).Inc()
	if audioBytes > 0 {
		m.AudioBytesSent.Add(float64(audioBytes))
	}
}

func (m *Metrics) SequenceGap() {
	if m == nil {
		return
	}
	m.SequenceGaps.Inc()
}

func (m *Metrics) ProtocolViolation(reason string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(reason).Inc()
}

func (m *Metrics) StageStarted(stage string) {
	if m == nil {
		return
	}
	m.StageInFlight.WithLabelValues(stage).Inc()
}

func (m *Metrics) StageFinished(stage, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StageInFlight.WithLabelValues(stage).Dec()
	m.StageLatency.WithLabelValues(stage, outcome).Observe(seconds)
}

func (m *Metrics) StageRejected(stage string) {
	if m == nil {
		return
	}
	m.StageSaturated.WithLabelValues(stage).Inc()
}

func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) PhaseChanged(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TurnCompleted(interrupted bool) {
	if m == nil {
		return
	}
	if interrupted {
		m.TurnsInterrupted.Inc()
		return
	}
	m.TurnsCompleted.Inc()
}

func (m *Metrics) NoSpeechDetected() {
	if m == nil {
		return
	}
	m.NoSpeech.Inc()
}

func (m *Metrics) FlowPaused() {
	if m == nil {
		return
	}
	m.FlowPauses.Inc()
}

func (m *Metrics) FlowStalled() {
	if m == nil {
		return
	}
	m.FlowStalls.Inc()
}

func (m *Metrics) EventPublished(sink, outcome string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(sink, outcome).Inc()
}
