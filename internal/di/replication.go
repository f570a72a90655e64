package di

import (
	"net/http"
	"os"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/coordination/memstore"
	"github.com/alpacahq/replicatedtree/coordination/zookeeper"
	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// GetCoordinationFactory returns the session factory for the configured
// backend. The memory backend lives inside this process and is only useful
// for a single-node setup.
func (c *Container) GetCoordinationFactory() coordination.Factory {
	if c.factory != nil {
		return c.factory
	}
	cc := c.cfg.Coordination
	switch cc.Backend {
	case utils.BackendZooKeeper:
		log.Info("coordination: zookeeper %v", cc.Servers)
		c.factory = zookeeper.Factory(zookeeper.Config{
			Servers:        cc.Servers,
			SessionTimeout: cc.SessionTimeout,
			ConnectTimeout: cc.ConnectTimeout,
		})
	default:
		log.Warn("coordination: in-process memory store, the table is not shared with other processes")
		c.factory = memstore.NewServer().Factory()
	}
	return c.factory
}

func (c *Container) GetExchangeServer() *exchange.Server {
	if c.exchangeServer != nil {
		return c.exchangeServer
	}
	is := c.cfg.Interserver
	c.exchangeServer = exchange.NewServer(is.Credentials, is.MaxParallelSends, metrics.SendCounter{})
	return c.exchangeServer
}

func (c *Container) GetExchangeClient() *exchange.Client {
	if c.exchangeClient != nil {
		return c.exchangeClient
	}
	is := c.cfg.Interserver
	c.exchangeClient = exchange.NewClient(&http.Client{Timeout: is.Timeout}, exchange.ClientConfig{
		Credentials:   is.Credentials,
		Compress:      is.Compress,
		Timeout:       is.Timeout,
		RetryAttempts: is.RetryAttempts,
		RetryDelay:    is.RetryDelay,
	})
	return c.exchangeClient
}

// GetReplica builds the replica. It is not started.
func (c *Container) GetReplica() *replication.Replica {
	if c.replica != nil {
		return c.replica
	}
	is := c.cfg.Interserver
	host := is.Host
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Error("failed to resolve the hostname: %v", err)
			panic(err)
		}
		host = h
	}
	r, err := replication.NewReplica(replication.Config{
		ZooKeeperPath: c.cfg.Table.ZooKeeperPath,
		ReplicaName:   c.cfg.Table.ReplicaName,
		Address: models.ReplicaAddress{
			Host:   host,
			Port:   is.Port,
			Scheme: is.Scheme,
		},
		Metadata: c.cfg.Table.Metadata,
		Settings: c.cfg.Replication,
	}, replication.Deps{
		Factory: c.GetCoordinationFactory(),
		Parts:   c.GetCatalogDir(),
		Client:  c.GetExchangeClient(),
		Server:  c.GetExchangeServer(),
		Workers: c.GetWorkerPool(),
	})
	if err != nil {
		log.Error("failed to initialize the replica: %v", err)
		panic(err)
	}
	c.replica = r
	return c.replica
}
