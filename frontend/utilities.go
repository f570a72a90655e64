package frontend

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/log"
)

type HeartbeatMessage struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	GitHash      string `json:"git_hash"`
	Uptime       string `json:"uptime"`
	SessionState string `json:"session_state"`
	IsLeader     bool   `json:"is_leader"`
}

// ReplicaState is what the heartbeat reports on.
type ReplicaState interface {
	IsReadonly() bool
	IsLeader() bool
	SessionState() replication.SessionState
}

func NewUtilityAPIHandlers(replica ReplicaState, startTime time.Time) *UtilityAPIHandlers {
	return &UtilityAPIHandlers{replica: replica, startTime: startTime}
}

type UtilityAPIHandlers struct {
	replica   ReplicaState
	startTime time.Time
}

// Register mounts heartbeat, metrics and profiling endpoints on mux.
func (uah *UtilityAPIHandlers) Register(mux *http.ServeMux) {
	// heartbeat
	mux.HandleFunc("/heartbeat", uah.heartbeat)

	// monitoring
	mux.Handle("/metrics", promhttp.Handler())

	// profiling
	mux.HandleFunc("/pprof/", pprof.Index)
	mux.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/pprof/profile", pprof.Profile)
	mux.HandleFunc("/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/pprof/trace", pprof.Trace)
	mux.Handle("/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/pprof/block", pprof.Handler("block"))
}

// heartbeat answers 200 while the replica accepts writes and 503 while it
// is readonly.
func (uah *UtilityAPIHandlers) heartbeat(rw http.ResponseWriter, _ *http.Request) {
	msg := HeartbeatMessage{
		Version:      utils.Tag,
		GitHash:      utils.GitHash,
		Uptime:       time.Since(uah.startTime).String(),
		SessionState: uah.replica.SessionState().String(),
		IsLeader:     uah.replica.IsLeader(),
	}
	rw.Header().Set("Content-Type", "application/json")
	if uah.replica.IsReadonly() {
		msg.Status = "not queryable"
		rw.WriteHeader(http.StatusServiceUnavailable)
	} else {
		msg.Status = "queryable"
		rw.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(rw).Encode(msg); err != nil {
		log.Error("Failed to write heartbeat message - Error: %v", err)
	}
}
