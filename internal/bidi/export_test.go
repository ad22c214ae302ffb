package bidi

var (
	MetricCommands       = metricCommands
	MetricListenerPanics = metricListenerPanics
)
