// Package metrics holds the Prometheus collectors the relay's components
// increment directly and the admin surface exposes at /metrics. Collectors
// are package-level so every component can reach them without threading a
// registry reference through constructors that otherwise have nothing to
// do with observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Dispositions are the terminal classifications the Relay Engine and
// Reflection Responder count.
var (
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelrelay",
		Name:      "packets_total",
		Help:      "Tunnel datagrams classified by disposition.",
	}, []string{"disposition"})

	ReflectionRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelrelay",
		Subsystem: "reflection",
		Name:      "requests_total",
		Help:      "Reflection requests classified by disposition.",
	}, []string{"disposition"})

	ClientTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnelrelay",
		Name:      "client_table_size",
		Help:      "Current number of admitted clients.",
	})

	MaintenanceEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnelrelay",
		Name:      "maintenance_enabled",
		Help:      "1 if maintenance mode is currently enabled, 0 otherwise.",
	})

	AnnounceAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnelrelay",
		Subsystem: "announce",
		Name:      "attempts_total",
		Help:      "Master directory announce attempts by outcome.",
	}, []string{"outcome"})

	AnnounceLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tunnelrelay",
		Subsystem: "announce",
		Name:      "latency_seconds",
		Help:      "Latency of master directory announce attempts.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Registry is the collector registry the admin surface serves. A dedicated
// registry (rather than the global default) keeps this module's metrics
// isolated from anything else linked into the same process.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PacketsTotal,
		ReflectionRequestsTotal,
		ClientTableSize,
		MaintenanceEnabled,
		AnnounceAttemptsTotal,
		AnnounceLatencySeconds,
	)
}

// Disposition names used as the "disposition" label on PacketsTotal, one
// per outcome the Relay Engine or Client Table can reach.
const (
	DispositionMalformed          = "malformed"
	DispositionHostileSource      = "hostile_source"
	DispositionCollapsedIDs       = "collapsed_ids"
	DispositionUnrecognizedBcast  = "unrecognized_broadcast"
	DispositionMaintenanceOK      = "maintenance_ok"
	DispositionMaintenanceAuth    = "maintenance_auth_failure"
	DispositionMaintenanceRateLim = "maintenance_rate_limited"
	DispositionMaintenanceNoPass  = "maintenance_no_password"
	DispositionPingReplied        = "ping_replied"
	DispositionPingRateLimited    = "ping_rate_limited"
	DispositionForwardSent        = "forward_sent"
	DispositionForwardRegister    = "forward_registration_only"
	DispositionDroppedTableFull   = "dropped_table_full"
	DispositionDroppedMaintenance = "dropped_maintenance"
	DispositionDroppedIPCap       = "dropped_ip_cap"
	DispositionDroppedNotTimedOut = "dropped_not_timed_out"
	DispositionDroppedSelfEcho    = "dropped_self_echo"
)

// Reflection disposition names for ReflectionRequestsTotal.
const (
	ReflectionDispositionMalformed = "malformed"
	ReflectionDispositionHostile   = "hostile_source"
	ReflectionDispositionRateLimit = "rate_limited"
	ReflectionDispositionBadTag    = "bad_tag"
	ReflectionDispositionReplied   = "replied"
)

// Announce outcome names for AnnounceAttemptsTotal.
const (
	AnnounceOutcomeSuccess = "success"
	AnnounceOutcomeFailure = "failure"
	AnnounceOutcomeSkipped = "skipped"
)
