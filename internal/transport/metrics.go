package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_transport_frames_total",
			Help: "Socket frames by direction and event",
		},
		[]string{"direction", "event"},
	)

	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_transport_frames_dropped_total",
			Help: "Outbound frames dropped because the socket was closed or backed up",
		},
		[]string{"event"},
	)

	connectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_transport_connects_total",
			Help: "Successful socket connects",
		},
	)
)
