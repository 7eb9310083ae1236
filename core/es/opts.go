package es

import "log/slog"

type (
	valueOption[T any] struct{ v T }
	LogOption          valueOption[*slog.Logger]
	ESMetricsOption    valueOption[ESMetrics]
	RetryOption        valueOption[RetryPolicy]
)

// WithLog sets the logger for ES components.
func WithLog(l *slog.Logger) LogOption { return LogOption{v: l} }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{v: m} }

// WithRetry sets the retry policy. For aggregates it governs version
// conflict retries; for subscriptions it governs handler retries.
func WithRetry(p RetryPolicy) RetryOption { return RetryOption{v: p} }
