package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Currently open voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_total",
		Help: "Voice sessions opened",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_rejected_total",
		Help: "Upgrades refused at capacity",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_sessions_closed_total",
		Help: "Session closes by reason",
	}, []string{"reason"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_stage_duration_seconds",
		Help:    "Per-stage collaborator latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_response_latency_seconds",
		Help:    "End of user turn to first reply audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	CollaboratorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_collaborator_errors_total",
		Help: "STT/LLM/TTS failures by stage and kind",
	}, []string{"stage", "kind"})

	CollaboratorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_collaborator_retries_total",
		Help: "Collaborator calls retried",
	}, []string{"stage"})

	BargeInTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barge_in_triggers_total",
		Help: "Fusion triggers by source",
	}, []string{"source"})

	BargeInClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barge_in_classifications_total",
		Help: "Barge-in verdicts by classification",
	}, []string{"classification"})

	BargeInRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "barge_in_rollback_total",
		Help: "Triggers rolled back as false positives",
	})

	MuteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "barge_in_mute_latency_seconds",
		Help:    "Trigger to end of mute ramp",
		Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.075, 0.1, 0.2},
	})

	QueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_queue_overflow_total",
		Help: "Playback queue cap breaches",
	})

	QueueDroppedSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_queue_dropped_seconds_total",
		Help: "Audio dropped by the playback cap or drift trims",
	})

	DriftResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_drift_resets_total",
		Help: "Schedule resets by the drift watchdog",
	})

	SuspendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playback_suspend_failures_total",
		Help: "Output suspensions that degraded to gain-only mute",
	})

	BackpressureCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_backpressure_closes_total",
		Help: "Sessions closed because the client could not keep up",
	})

	InboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_inbound_dropped_total",
		Help: "Inbound frames dropped by reason",
	}, []string{"reason"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_protocol_errors_total",
		Help: "Malformed client messages by message type",
	}, []string{"type"})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_frames_received_total",
		Help: "Inbound audio frames accepted",
	})

	ConnectionQuality = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_connection_quality_sessions",
		Help: "Sessions per connection quality class",
	}, []string{"quality"})

	TurnTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turn_transitions_total",
		Help: "Turn state transitions by target state",
	}, []string{"to"})

	KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_kill_switch_engaged",
		Help: "1 while sessions run the simple VAD path",
	})
)
