package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for database access metrics.
const (
	ConnectAttemptsTotalKey = "desdbi_connect_attempts_total"
	StatementsTotalKey      = "desdbi_statements_total"
	RewritesTotalKey        = "desdbi_rewrites_total"
	SharedEngineHandlesKey  = "desdbi_shared_engine_handles"
	SemaphoreWaitsTotalKey  = "desdbi_semaphore_waits_total"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for database access metrics.
var (
	ConnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ConnectAttemptsTotalKey,
		Help: "Cumulative number of attempts to open a backend connection.",
	}, []string{"dialect", "status"})
	StatementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: StatementsTotalKey,
		Help: "Cumulative number of statements executed.",
	}, []string{"dialect", "status"})
	RewritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RewritesTotalKey,
		Help: "Cumulative number of statements passed through the idiom rewriter.",
	}, []string{"status"})
	SharedEngineHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SharedEngineHandlesKey,
		Help: "Number of live handles on shared embedded engines.",
	})
	SemaphoreWaitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SemaphoreWaitsTotalKey,
		Help: "Cumulative number of semaphore polls that found no free slot.",
	}, []string{"semaphore"})
)

// Collectors returns all collectors of this package, for registration by binaries.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectAttemptsTotal,
		StatementsTotal,
		RewritesTotal,
		SharedEngineHandles,
		SemaphoreWaitsTotal,
	}
}
