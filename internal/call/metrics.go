package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_call_attempts_total",
			Help: "Call attempts by direction",
		},
		[]string{"direction"},
	)

	callEnds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_call_ends_total",
			Help: "Ended calls by reason",
		},
		[]string{"reason"},
	)

	callDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomchat_call_duration_seconds",
			Help:    "Connected time of calls that reached the timer",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	signalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_call_signals_total",
			Help: "Relayed WebRTC signals",
		},
		[]string{"direction", "type"},
	)

	signalsIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_call_signals_ignored_total",
			Help: "Inbound signals that did not match the current call",
		},
		[]string{"reason"},
	)

	mediaFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_call_media_failures_total",
			Help: "Failed capture attempts by constraint set",
		},
		[]string{"attempt"},
	)

	fallbackPlaybacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_call_fallback_playbacks_total",
			Help: "Fallback playbacks created for muted remote audio",
		},
	)
)
