package utils_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils"
	"github.com/alpacahq/replicatedtree/utils/log"
)

const fullConfig = `
root_directory: /var/lib/replicatedtree
listen_url: ":6000"
log_level: debug
stop_grace_period: 10s
workers: 4
interserver:
  listen_url: "0.0.0.0:9100"
  host: replica-1.internal
  credentials:
    user: interserver
    password: secret
  compress: true
coordination:
  backend: zookeeper
  servers: ["zk1:2181", "zk2:2181"]
  session_timeout: 30s
table:
  zookeeper_path: /clickhouse/tables/events/
  replica_name: r1
  partition_by: month
  order_by: k
  columns:
    - {name: k, type: String}
    - {name: v, type: UInt64}
replication:
  max_bytes_to_merge: 10G
  max_parts_to_merge_at_once: 20
  merge_selecting_period: 2s
  rejoin_max_attempts: 5
  alter_partitions_sync: all
`

func TestParseConfig(t *testing.T) {
	t.Parallel()

	// --- when ---
	cfg, err := utils.ParseConfig([]byte(fullConfig))

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/replicatedtree", cfg.RootDirectory)
	assert.Equal(t, ":6000", cfg.ListenURL)
	assert.Equal(t, log.DEBUG, cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.StopGracePeriod)
	assert.Equal(t, 4, cfg.Workers)

	assert.Equal(t, 9100, cfg.Interserver.Port)
	assert.Equal(t, "http", cfg.Interserver.Scheme)
	assert.Equal(t, exchange.Credentials{User: "interserver", Password: "secret"}, cfg.Interserver.Credentials)
	assert.True(t, cfg.Interserver.Compress)

	assert.Equal(t, utils.BackendZooKeeper, cfg.Coordination.Backend)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Coordination.Servers)
	assert.Equal(t, 30*time.Second, cfg.Coordination.SessionTimeout)

	assert.Equal(t, "/clickhouse/tables/events", cfg.Table.ZooKeeperPath)
	assert.Equal(t, "r1", cfg.Table.ReplicaName)
	want := models.TableMetadata{
		Columns:     []models.Column{{Name: "k", Type: "String"}, {Name: "v", Type: "UInt64"}},
		PartitionBy: "month",
		OrderBy:     "k",
	}
	if diff := cmp.Diff(want, cfg.Table.Metadata); diff != "" {
		t.Errorf("table metadata mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, uint64(10<<30), cfg.Replication.MaxBytesToMerge)
	assert.Equal(t, 20, cfg.Replication.MaxPartsToMergeAtOnce)
	assert.Equal(t, 2*time.Second, cfg.Replication.MergeSelectingPeriod)
	assert.Equal(t, 5, cfg.Replication.RejoinMaxAttempts)
	assert.Equal(t, replication.AlterSyncAll, cfg.Replication.AlterPartitionsSync)
	// untouched knobs get defaults
	assert.Equal(t, replication.DefaultSettings().CleanupPeriod, cfg.Replication.CleanupPeriod)
	assert.Equal(t, cfg.Replication.FetchTimeout, cfg.Interserver.Timeout)
}

func TestParseConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := utils.ParseConfig([]byte(`
root_directory: data
table: {zookeeper_path: /t, replica_name: r}
`))
	require.NoError(t, err)
	assert.Equal(t, utils.BackendMemory, cfg.Coordination.Backend)
	assert.Equal(t, 9009, cfg.Interserver.Port)
	assert.Equal(t, log.INFO, cfg.LogLevel)
	assert.Equal(t, replication.DefaultSettings(), cfg.Replication)
}

func TestParseConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config string
	}{
		{name: "no root directory", config: `table: {zookeeper_path: /t, replica_name: r}`},
		{name: "relative zookeeper path", config: "root_directory: d\ntable: {zookeeper_path: t, replica_name: r}"},
		{name: "no replica name", config: "root_directory: d\ntable: {zookeeper_path: /t}"},
		{
			name:   "unknown backend",
			config: "root_directory: d\ncoordination: {backend: etcd}\ntable: {zookeeper_path: /t, replica_name: r}",
		},
		{
			name:   "zookeeper without servers",
			config: "root_directory: d\ncoordination: {backend: zookeeper}\ntable: {zookeeper_path: /t, replica_name: r}",
		},
		{
			name:   "bad duration",
			config: "root_directory: d\ntable: {zookeeper_path: /t, replica_name: r}\nreplication: {fetch_timeout: soon}",
		},
		{
			name:   "bad size",
			config: "root_directory: d\ntable: {zookeeper_path: /t, replica_name: r}\nreplication: {max_bytes_to_merge: lots}",
		},
		{
			name:   "one part merges",
			config: "root_directory: d\ntable: {zookeeper_path: /t, replica_name: r}\nreplication: {max_parts_to_merge_at_once: 1}",
		},
		{
			name:   "unknown alter sync",
			config: "root_directory: d\ntable: {zookeeper_path: /t, replica_name: r}\nreplication: {alter_partitions_sync: some}",
		},
		{name: "not yaml", config: "root_directory: [d"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := utils.ParseConfig([]byte(tt.config))
			assert.Error(t, err)
		})
	}
}
