package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "replicatedtree"
var subsystem = "replication"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// TotalDiskUsageBytes stores the disk usage of the part directory
	TotalDiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total_disk_usage_bytes",
		Help:      "Bytes used on disk by the local part set",
	})

	// QueueSize stores the number of entries in the replication queue
	QueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_size",
		Help:      "Number of entries in the replication queue partitioned by entry type",
	}, []string{"replica", "type"})

	// AbsoluteDelay is how far behind the oldest unprocessed entry is
	AbsoluteDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "absolute_delay_seconds",
		Help:      "Age of the oldest unprocessed queue entry",
	}, []string{"replica"})

	// LogEntriesPulled counts entries copied from the shared log
	LogEntriesPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "log_entries_pulled_total",
		Help:      "Number of shared log entries copied into the replica queue",
	}, []string{"replica"})

	// QueueEntriesExecuted counts executed entries partitioned by result
	QueueEntriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_entries_executed_total",
		Help:      "Number of executed queue entries partitioned by type and result",
	}, []string{"replica", "type", "result"})

	// FetchesInFlight stores the number of parts being downloaded
	FetchesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fetches_in_flight",
		Help:      "Number of parts being downloaded from other replicas",
	}, []string{"replica"})

	// FetchFailures counts failed part downloads
	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fetch_failures_total",
		Help:      "Number of failed part downloads",
	}, []string{"replica"})

	// ChecksumMismatches counts data integrity events
	ChecksumMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "checksum_mismatches_total",
		Help:      "Number of parts whose checksum did not match the registered one",
	}, []string{"replica"})

	// PartsSent counts parts served to other replicas
	PartsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "parts_sent_total",
		Help:      "Number of parts served to other replicas",
	})

	// BytesSent counts payload bytes served to other replicas
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_sent_total",
		Help:      "Number of part payload bytes served to other replicas",
	})

	// MergesProposed counts merge and mutation entries appended by the leader
	MergesProposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "merges_proposed_total",
		Help:      "Number of merge and mutation entries appended to the shared log",
	}, []string{"replica", "type"})

	// IsLeader is 1 while the replica leads the table
	IsLeader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "is_leader",
		Help:      "1 while the replica is the leader",
	}, []string{"replica"})

	// IsReadonly is 1 while the replica cannot accept writes
	IsReadonly = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "is_readonly",
		Help:      "1 while the replica is in readonly mode",
	}, []string{"replica"})

	// SessionState stores the state of the session recovery state machine
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_state",
		Help:      "0=active 1=session_lost 2=rejoining 3=failed",
	}, []string{"replica"})

	// RPCTotalRequestDuration stores the processing time for every request
	RPCTotalRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rpc_total_request_duration_seconds",
		Help:      "RPC request processing time for every request",
	})

	// RPCTotalRequestsTotal stores the number of requests
	RPCTotalRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rpc_total_requests_total",
		Help:      "Number of RPC requests received including ones resulting in errors",
	})

	// RPCSuccessfulRequestDuration stores the processing time for successful
	// requests partitioned by method
	RPCSuccessfulRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rpc_successful_request_duration_seconds",
		Help:      "RPC request processing time for successful requests partitioned by method",
	}, []string{"method"})

	// RPCSuccessfulRequestsTotal stores the number of successful
	// requests partitioned by method
	RPCSuccessfulRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rpc_successful_requests_total",
		Help:      "Number of RPC successful requests partitioned by method",
	}, []string{"method"})

	// RPCFailedRequestsTotal counts failed requests by method and error code
	RPCFailedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rpc_failed_requests_total",
		Help:      "Number of failed RPC requests partitioned by method and error code",
	}, []string{"method", "code"})
)

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SendCounter records parts served by the part exchange endpoint.
type SendCounter struct{}

func (SendCounter) PartSent(_ string, bytes int64, err error) {
	if err != nil {
		return
	}
	PartsSent.Inc()
	BytesSent.Add(float64(bytes))
}
