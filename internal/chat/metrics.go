package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_chat_messages_sent_total",
			Help: "Messages published on chat.send",
		},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_chat_reconcile_total",
			Help: "Inbound messages by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	staleResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_chat_stale_responses_total",
			Help: "Fetch results dropped because the selection moved on",
		},
		[]string{"kind"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_chat_fetch_duration_seconds",
			Help:    "Collaborator API fetch latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	conversationRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_chat_conversation_refreshes_total",
			Help: "Full conversation list reloads",
		},
	)
)
