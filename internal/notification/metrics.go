package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_notifications_sent_total",
			Help: "Total number of notifications written by producers",
		},
		[]string{"mode", "category"},
	)

	notificationsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_notifications_skipped_total",
			Help: "Total number of notifications skipped by recipient preferences",
		},
		[]string{"preference_key"},
	)

	readMarksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_read_marks_total",
			Help: "Total number of notifications marked as read",
		},
		[]string{"mode"},
	)

	streamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldops_stream_clients",
			Help: "Number of connected notification stream clients",
		},
	)
)
