package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sources label remote applications and decode failures.
const (
	SourceBroadcast = "broadcast"
	SourceStorage   = "storage"
	SourceInit      = "init"
)

var (
	// CommitCounter tracks local commits (mutate and dispatch).
	CommitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replica_commits_total",
		Help: "Total number of local commits",
	})
	// RemoteApplyCounter tracks remote values applied to cells.
	RemoteApplyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_remote_applies_total",
		Help: "Total number of remote values applied, by transport",
	}, []string{"source"})
	// DecodeFailureCounter tracks values that failed to decode.
	DecodeFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_decode_failures_total",
		Help: "Total number of values that failed to decode, by source",
	}, []string{"source"})
	// PersistFailureCounter tracks rejected store writes.
	PersistFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replica_persist_failures_total",
		Help: "Total number of store writes that failed",
	})
	// PublishFailureCounter tracks failed broadcast publishes.
	PublishFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replica_publish_failures_total",
		Help: "Total number of broadcast publishes that failed",
	})
	// CellGauge reports the number of live cells.
	CellGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replica_cells",
		Help: "Current number of live replica cells",
	})
	// WatcherGauge reports the number of active value watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replica_watchers",
		Help: "Current number of active watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers replica core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CommitCounter,
		RemoteApplyCounter,
		DecodeFailureCounter,
		PersistFailureCounter,
		PublishFailureCounter,
		CellGauge,
		WatcherGauge,
	)
}
