package di

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/frontend"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/log"
	"github.com/alpacahq/replicatedtree/utils/pool"
)

// Container builds the components of a replica process lazily, each one
// at most once.
type Container struct {
	cfg            *utils.ReplicaConfig
	absRootDir     string
	catalogDir     *catalog.Directory
	factory        coordination.Factory
	exchangeServer *exchange.Server
	exchangeClient *exchange.Client
	workers        *pool.Pool
	replica        *replication.Replica
	rpcServer      *frontend.RPCServer
	httpMux        *http.ServeMux
}

func NewContainer(cfg *utils.ReplicaConfig) *Container {
	return &Container{cfg: cfg}
}

func (c *Container) GetAbsRootDir() string {
	if c.absRootDir != "" {
		return c.absRootDir
	}
	relRootDir := c.cfg.RootDirectory

	// rootDir is the absolute path to the data directory.
	// e.g. rootDir = "/var/lib/replicatedtree/events"
	rootDir, err := filepath.Abs(filepath.Clean(relRootDir))
	if err != nil {
		log.Error("Cannot take absolute path of root directory %s", err.Error())
	} else {
		log.Info("Root Directory: %s", rootDir)
		const ownerGroupAll = 0o770
		err = os.MkdirAll(rootDir, ownerGroupAll)
		if err != nil {
			log.Error("Could not create root directory: %s", err.Error())
			panic(err)
		}
	}
	c.absRootDir = rootDir
	return c.absRootDir
}

// GetWorkerPool returns the pool shared by the queue executors.
func (c *Container) GetWorkerPool() *pool.Pool {
	if c.workers != nil {
		return c.workers
	}
	c.workers = pool.NewPool(c.cfg.Workers)
	return c.workers
}
