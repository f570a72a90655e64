package frontend

import (
	"context"
	"net/http"
	"strconv"
	"time"

	rpc "github.com/alpacahq/rpc/rpc2"
	"github.com/alpacahq/rpc/rpc2/json2"

	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/log"
	"github.com/alpacahq/replicatedtree/utils/rpc/msgpack2"
)

type RPCServer struct {
	*rpc.Server
}

func (s *RPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("replicatedtree-version", utils.GitHash)
	s.Server.ServeHTTP(w, r)
	metrics.RPCTotalRequestsTotal.Inc()
	metrics.RPCTotalRequestDuration.Observe(time.Since(start).Seconds())
}

func NewServer(replica *replication.Replica) (*RPCServer, *ReplicaService) {
	s := &RPCServer{
		Server: rpc.NewServer(),
	}
	s.RegisterCodec(json2.NewCodec(), "application/json")
	s.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	s.RegisterCodec(msgpack2.NewCodec(), msgpack2.ContentType)
	s.RegisterInterceptFunc(intercept)
	s.RegisterAfterFunc(after)
	service := NewReplicaService(replica)
	err := s.RegisterService(service, "")
	if err != nil {
		log.Error("Failed to register service - Error: %v", err)
	}
	return s, service
}

type key int

const startTimeKey key = 0

func intercept(i *rpc.RequestInfo) *http.Request {
	return i.Request.WithContext(context.WithValue(i.Request.Context(), startTimeKey, time.Now()))
}

func after(i *rpc.RequestInfo) {
	if i.Error != nil {
		code := msgpack2.CodeOf(i.Error)
		log.Debug("rpc %s failed with code %d: %v", i.Method, code, i.Error)
		metrics.RPCFailedRequestsTotal.WithLabelValues(i.Method, strconv.Itoa(int(code))).Inc()
		return
	}
	v := i.Request.Context().Value(startTimeKey)
	if v == nil {
		log.Error("start time not set on context")
		return
	}
	t, ok := v.(time.Time)
	if !ok {
		log.Error("start time not correct type")
		return
	}

	metrics.RPCSuccessfulRequestsTotal.WithLabelValues(i.Method).Inc()
	metrics.RPCSuccessfulRequestDuration.WithLabelValues(i.Method).Observe(time.Since(t).Seconds())
}
