package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compilation metrics
var (
	CompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_compilations_total",
			Help: "Total number of script compilations by result",
		},
		[]string{"result"}, // success, parse_error, validation_error, generation_error
	)

	CompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_compile_duration_seconds",
			Help:    "Time spent compiling scripts",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	DiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_diagnostics_total",
			Help: "Diagnostics reported to script authors by severity",
		},
		[]string{"severity"},
	)
)

// Binary store metrics
var (
	BinaryStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_binary_store_operations_total",
			Help: "Binary store operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	BinaryStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sieve_binary_store_duration_seconds",
			Help:    "Duration of binary store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	BinaryOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_binary_open_total",
			Help: "Open-or-compile outcomes",
		},
		[]string{"outcome"}, // loaded, missing, stale, corrupt, compiled
	)

	BinaryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieve_binary_cache_hits_total",
			Help: "In-memory binary cache hits",
		},
	)

	BinaryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieve_binary_cache_misses_total",
			Help: "In-memory binary cache misses",
		},
	)

	BinaryCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_binary_cache_entries",
			Help: "Entries currently held by the in-memory binary cache",
		},
	)
)

// Execution metrics
var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_executions_total",
			Help: "Script evaluations by mode and final status",
		},
		[]string{"mode", "status"}, // mode: test, execute
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sieve_execution_duration_seconds",
			Help:    "Time spent interpreting and committing one message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_actions_total",
			Help: "Committed, rolled back and failed actions by kind",
		},
		[]string{"action", "result"},
	)
)

// Submission metrics
var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_submissions_total",
			Help: "Outbound submissions by result",
		},
		[]string{"result"}, // ok, temporary, permanent, rejected
	)

	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_submission_duration_seconds",
			Help:    "Duration of SMTP submissions",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sieve_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Delivery service metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_lmtp_deliveries_total",
			Help: "LMTP recipient deliveries by result",
		},
		[]string{"result"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_lmtp_message_size_bytes",
			Help:    "Size of messages received over LMTP",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	MailStorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_mail_storage_operations_total",
			Help: "Mail storage operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
