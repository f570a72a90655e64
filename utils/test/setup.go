package test

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination/memstore"
	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils/log"
	"github.com/alpacahq/replicatedtree/utils/pool"
)

const TablePath = "/clickhouse/tables/events"

// Metadata is the table structure used by test clusters.
var Metadata = models.TableMetadata{
	Columns: []models.Column{
		{Name: "k", Type: "String"},
		{Name: "v", Type: "String"},
		{Name: "tag", Type: "String"},
	},
	PartitionBy: "month",
	OrderBy:     "k",
}

// FastSettings shortens every period so that background work shows up
// within a test's patience.
func FastSettings() replication.Settings {
	return replication.Settings{
		MergeSelectingPeriod:  20 * time.Millisecond,
		FetchTimeout:          5 * time.Second,
		InsertQuorumTimeout:   5 * time.Second,
		PartCheckPeriod:       time.Hour,
		CleanupPeriod:         50 * time.Millisecond,
		OldPartsLifetime:      time.Hour,
		QueueUpdatePeriod:     20 * time.Millisecond,
		QueueBackoffInitial:   10 * time.Millisecond,
		QueueBackoffMax:       50 * time.Millisecond,
		TaskJitter:            time.Millisecond,
		RejoinInterval:        10 * time.Millisecond,
		RejoinBackoffCoeff:    1,
		RejoinMaxAttempts:     50,
		MinReplicatedLogs:     1000,
		MaxPartsToMergeAtOnce: 10,
	}
}

// Cluster is a set of replicas of one table sharing an in-memory
// coordination store and one part exchange endpoint.
type Cluster struct {
	t        *testing.T
	ZK       *memstore.Server
	Exchange *exchange.Server
	Workers  *pool.Pool
	Settings replication.Settings
	addr     models.ReplicaAddress
	dirs     map[string]string
}

func NewCluster(t *testing.T) *Cluster {
	t.Helper()
	log.SetLevel(log.WARNING)
	srv := exchange.NewServer(exchange.Credentials{}, 8, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &Cluster{
		t:        t,
		ZK:       memstore.NewServer(),
		Exchange: srv,
		Workers:  pool.NewPool(8),
		Settings: FastSettings(),
		addr:     models.ReplicaAddress{Host: host, Port: p, Scheme: "http"},
		dirs:     map[string]string{},
	}
}

// NewReplica builds a replica of TablePath without starting it.
// Restarting a replica name reuses its data directory.
func (c *Cluster) NewReplica(name string) *replication.Replica {
	c.t.Helper()
	return c.NewReplicaOf(TablePath, name)
}

// NewReplicaOf builds a replica of the table at zkPath.
func (c *Cluster) NewReplicaOf(zkPath, name string) *replication.Replica {
	c.t.Helper()
	key := zkPath + "/" + name
	dir, ok := c.dirs[key]
	if !ok {
		dir = c.t.TempDir()
		c.dirs[key] = dir
	}
	parts, err := catalog.NewDirectory(dir)
	require.NoError(c.t, err)
	r, err := replication.NewReplica(replication.Config{
		ZooKeeperPath: zkPath,
		ReplicaName:   name,
		Address:       c.addr,
		Metadata:      Metadata,
		Settings:      c.Settings,
	}, replication.Deps{
		Factory: c.ZK.Factory(),
		Parts:   parts,
		Client:  exchange.NewClient(nil, exchange.ClientConfig{Timeout: 5 * time.Second, RetryAttempts: 1}),
		Server:  c.Exchange,
		Workers: c.Workers,
	})
	require.NoError(c.t, err)
	return r
}

// AddReplica builds and starts a replica of TablePath; it is shut down
// with the test.
func (c *Cluster) AddReplica(name string) *replication.Replica {
	c.t.Helper()
	return c.AddReplicaOf(TablePath, name)
}

func (c *Cluster) AddReplicaOf(zkPath, name string) *replication.Replica {
	c.t.Helper()
	r := c.NewReplicaOf(zkPath, name)
	require.NoError(c.t, r.Startup(context.Background()))
	c.t.Cleanup(r.Shutdown)
	return r
}

// Rows formats rows of k/v pairs: Rows("a", "1", "b", "2") is two rows.
func Rows(kv ...string) []byte {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "k=%s\tv=%s\n", kv[i], kv[i+1])
	}
	return []byte(b.String())
}

// PartNames returns the active local parts of r.
func PartNames(r *replication.Replica) []string {
	return r.Parts().PartNames()
}

// Payloads reads every active part of r, keyed by part name.
func Payloads(t *testing.T, r *replication.Replica) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, name := range r.Parts().PartNames() {
		data, err := r.Parts().ReadAll(name)
		require.NoError(t, err)
		out[name] = string(data)
	}
	return out
}

// ExpireSessions expires every live coordination session of the cluster.
func (c *Cluster) ExpireSessions() {
	for _, id := range c.ZK.LiveSessions() {
		c.ZK.Expire(id)
	}
}
