// Package metrics exposes the Prometheus collectors combatlogd reports
// on at GET /metrics. Shape follows the teacher's
// internal/metrics/metrics.go: package-level promauto-registered
// collectors, one counter per error-table row, gauges for live
// session state. Renamed from log_capturer_* to combatlogd_* and
// re-scoped from "logs shipped to sinks" to "lines parsed, encounters
// tracked, channels dropped."
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinesParsedTotal counts successfully parsed CombatEvents.
	LinesParsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combatlogd_lines_parsed_total",
			Help: "Total number of combat log lines successfully parsed",
		},
		[]string{"source"},
	)

	// LinesMalformedTotal counts LINE_MALFORMED occurrences (§7).
	LinesMalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combatlogd_lines_malformed_total",
			Help: "Total number of combat log lines that failed to parse",
		},
		[]string{"source"},
	)

	// NumericFieldInvalidTotal is the NUMERIC_FIELD_INVALID counter. The
	// parser defaults failed sub-fields to zero without incrementing it,
	// so it stays at zero.
	NumericFieldInvalidTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combatlogd_numeric_field_invalid_total",
			Help: "Total number of numeric payload fields that fell back to their documented default",
		},
		[]string{"field"},
	)

	// FileMissingTotal counts FILE_MISSING occurrences.
	FileMissingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combatlogd_file_missing_total",
		Help: "Total number of times the tailed file was found missing",
	})

	// FileTruncatedTotal counts FILE_TRUNCATED (rewind) occurrences.
	FileTruncatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combatlogd_file_truncated_total",
		Help: "Total number of times the tailed file was detected as truncated or rotated",
	})

	// ChannelDroppedTotal counts CHANNEL_FULL_METRIC drops, keyed by
	// overlay channel kind (§4.7's drop-on-full policy).
	ChannelDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combatlogd_channel_dropped_total",
			Help: "Total number of overlay updates dropped because their channel was full",
		},
		[]string{"kind"},
	)

	// LifecycleChannelTimeoutTotal counts CHANNEL_FULL_LIFECYCLE
	// occurrences, where a blocking-with-timeout send still missed.
	LifecycleChannelTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combatlogd_lifecycle_channel_timeout_total",
		Help: "Total number of lifecycle updates dropped after their blocking send timed out",
	})

	// MaterializerFailedTotal counts MATERIALIZER_FAILED occurrences.
	MaterializerFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combatlogd_materializer_failed_total",
		Help: "Total number of encounter materialization attempts that failed",
	})

	// InternerOOMTotal is the INTERNER_OOM counter; nothing in this tree
	// increments it (see DESIGN.md, pkg/interner).
	InternerOOMTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combatlogd_interner_oom_total",
		Help: "Total number of interner allocation failures that triggered session teardown",
	})

	// EncountersStartedTotal / EncountersEndedTotal track the lifecycle.
	EncountersStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "combatlogd_encounters_started_total",
		Help: "Total number of encounters started",
	})
	EncountersEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combatlogd_encounters_ended_total",
			Help: "Total number of encounters ended, by end reason",
		},
		[]string{"reason"},
	)

	// SessionState reports Idle(0)/InCombat(1) as a gauge.
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "combatlogd_session_state",
		Help: "Current encounter state machine position (0=idle, 1=in_combat)",
	})

	// TickDuration times one metric aggregator tick (build + send).
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "combatlogd_tick_duration_seconds",
		Help:    "Time spent building and emitting one overlay tick",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// DirectoryFilesIndexed reports the directory index's current size.
	DirectoryFilesIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "combatlogd_directory_files_indexed",
		Help: "Number of combat log files currently catalogued by the directory index",
	})

	// HTTPResponseTimeSeconds times every HTTP handler response, by route
	// and method, mirroring the teacher's metricsMiddleware.
	HTTPResponseTimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "combatlogd_http_response_time_seconds",
			Help:    "HTTP handler response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)
