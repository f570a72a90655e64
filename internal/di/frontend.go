package di

import (
	"net/http"

	"github.com/alpacahq/replicatedtree/frontend"
)

func (c *Container) GetRPCServer() *frontend.RPCServer {
	if c.rpcServer != nil {
		return c.rpcServer
	}
	server, _ := frontend.NewServer(c.GetReplica())
	c.rpcServer = server
	return server
}

// GetHTTPMux returns the client facing mux: the RPC endpoint plus the
// heartbeat, metrics and pprof handlers.
func (c *Container) GetHTTPMux() *http.ServeMux {
	if c.httpMux != nil {
		return c.httpMux
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", c.GetRPCServer())
	frontend.NewUtilityAPIHandlers(c.GetReplica(), c.cfg.StartTime).Register(mux)
	c.httpMux = mux
	return mux
}
