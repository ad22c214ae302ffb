package bidi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcomes recorded in metricCommands.
const (
	outcomeOK       = "ok"
	outcomeProtocol = "protocol_error"
	outcomeTimeout  = "timeout"
	outcomeClosed   = "closed"
	outcomeCanceled = "canceled"
	outcomeSend     = "send_error"
)

var (
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bidicap",
		Name:      "commands_total",
		Help:      "Commands sent, by outcome.",
	}, []string{"outcome"})
	metricCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bidicap",
		Name:      "command_duration_seconds",
		Help:      "Time from sending a command to its response.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bidicap",
		Name:      "commands_in_flight",
		Help:      "Commands awaiting a response.",
	})
	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bidicap",
		Name:      "events_received_total",
		Help:      "Events read from the transport.",
	})
	metricEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bidicap",
		Name:      "events_delivered_total",
		Help:      "Events handed to listeners.",
	})
	metricListenerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bidicap",
		Name:      "listener_panics_total",
		Help:      "Listener invocations that panicked.",
	})
	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bidicap",
		Name:      "subscriptions",
		Help:      "Active event subscriptions.",
	})
)
