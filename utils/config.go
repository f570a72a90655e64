package utils

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils/log"
)

var (
	Tag        = "dev"
	GitHash    = "unknown"
	BuildStamp = "unknown"
)

const (
	BackendMemory    = "memory"
	BackendZooKeeper = "zookeeper"

	defaultListenURL            = ":5993"
	defaultInterserverListenURL = ":9009"
	defaultStopGracePeriod      = 5 * time.Second
	defaultDiskUsageInterval    = 10 * time.Minute
)

type InterserverConfig struct {
	ListenURL string
	// Host, Port and Scheme are advertised to peers under /replicas/<r>/host.
	Host             string
	Port             int
	Scheme           string
	Credentials      exchange.Credentials
	Compress         bool
	MaxParallelSends int
	Timeout          time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
}

type CoordinationConfig struct {
	Backend        string
	Servers        []string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
}

type TableConfig struct {
	ZooKeeperPath string
	ReplicaName   string
	Metadata      models.TableMetadata
}

type ReplicaConfig struct {
	RootDirectory            string
	ListenURL                string
	LogLevel                 log.Level
	StopGracePeriod          time.Duration
	DiskUsageMonitorInterval time.Duration
	Workers                  int
	StartTime                time.Time
	Interserver              InterserverConfig
	Coordination             CoordinationConfig
	Table                    TableConfig
	Replication              replication.Settings
}

// ParseConfig reads a YAML replica configuration. Zero values fall back to
// defaults; sizes take human units such as 150G.
func ParseConfig(data []byte) (*ReplicaConfig, error) {
	var aux struct {
		RootDirectory            string `yaml:"root_directory"`
		ListenURL                string `yaml:"listen_url"`
		LogLevel                 string `yaml:"log_level"`
		StopGracePeriod          string `yaml:"stop_grace_period"`
		DiskUsageMonitorInterval string `yaml:"disk_usage_monitor_interval"`
		Workers                  int    `yaml:"workers"`
		Interserver              struct {
			ListenURL        string               `yaml:"listen_url"`
			Host             string               `yaml:"host"`
			Port             int                  `yaml:"port"`
			Scheme           string               `yaml:"scheme"`
			Credentials      exchange.Credentials `yaml:"credentials"`
			Compress         bool                 `yaml:"compress"`
			MaxParallelSends int                  `yaml:"max_parallel_sends"`
			Timeout          string               `yaml:"timeout"`
			RetryAttempts    int                  `yaml:"retry_attempts"`
			RetryDelay       string               `yaml:"retry_delay"`
		} `yaml:"interserver"`
		Coordination struct {
			Backend        string   `yaml:"backend"`
			Servers        []string `yaml:"servers"`
			SessionTimeout string   `yaml:"session_timeout"`
			ConnectTimeout string   `yaml:"connect_timeout"`
		} `yaml:"coordination"`
		Table struct {
			ZooKeeperPath string            `yaml:"zookeeper_path"`
			ReplicaName   string            `yaml:"replica_name"`
			Columns       []models.Column   `yaml:"columns"`
			PartitionBy   string            `yaml:"partition_by"`
			OrderBy       string            `yaml:"order_by"`
			Settings      map[string]string `yaml:"settings"`
		} `yaml:"table"`
		Replication struct {
			MaxReplicatedMergesInQueue    int    `yaml:"max_replicated_merges_in_queue"`
			MaxPartsToMergeAtOnce         int    `yaml:"max_parts_to_merge_at_once"`
			MaxBytesToMerge               string `yaml:"max_bytes_to_merge"`
			MaxMutationsPerPass           int    `yaml:"max_mutations_per_pass"`
			MergeSelectingPeriod          string `yaml:"merge_selecting_period"`
			MaxParallelFetchesForTable    int    `yaml:"max_parallel_fetches_for_table"`
			FetchTimeout                  string `yaml:"fetch_timeout"`
			InsertQuorumTimeout           string `yaml:"insert_quorum_timeout"`
			QuorumRecordTTL               string `yaml:"quorum_record_ttl"`
			AlterPartitionsSync           string `yaml:"alter_partitions_sync"`
			MaxSuspiciousBrokenParts      int    `yaml:"max_suspicious_broken_parts"`
			PartCheckPeriod               string `yaml:"part_check_period"`
			MinReplicatedLogs             int    `yaml:"min_replicated_logs"`
			ReplicatedDeduplicationWindow int    `yaml:"replicated_deduplication_window"`
			FinishedMutationsToKeep       int    `yaml:"finished_mutations_to_keep"`
			CleanupPeriod                 string `yaml:"cleanup_period"`
			OldPartsLifetime              string `yaml:"old_parts_lifetime"`
			QueueUpdatePeriod             string `yaml:"queue_update_period"`
			QueueBackoffInitial           string `yaml:"queue_backoff_initial"`
			QueueBackoffMax               string `yaml:"queue_backoff_max"`
			RejoinInterval                string `yaml:"rejoin_interval"`
			RejoinBackoffCoeff            int    `yaml:"rejoin_backoff_coeff"`
			RejoinMaxAttempts             int    `yaml:"rejoin_max_attempts"`
		} `yaml:"replication"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}
	if aux.Table.ZooKeeperPath == "" || !strings.HasPrefix(aux.Table.ZooKeeperPath, "/") {
		return nil, fmt.Errorf("invalid table zookeeper_path %q", aux.Table.ZooKeeperPath)
	}
	if aux.Table.ReplicaName == "" || strings.Contains(aux.Table.ReplicaName, "/") {
		return nil, fmt.Errorf("invalid table replica_name %q", aux.Table.ReplicaName)
	}

	m := &ReplicaConfig{
		RootDirectory:   aux.RootDirectory,
		ListenURL:       aux.ListenURL,
		LogLevel:        log.ParseLevel(aux.LogLevel),
		Workers:         aux.Workers,
		StartTime:       time.Now(),
		StopGracePeriod: defaultStopGracePeriod,
	}
	if m.ListenURL == "" {
		m.ListenURL = defaultListenURL
	}
	if m.Workers <= 0 {
		m.Workers = 16
	}

	// collect every duration error instead of stopping at the first
	var bad []string
	duration := func(field, s string, out *time.Duration) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			bad = append(bad, fmt.Sprintf("%s=%q", field, s))
			return
		}
		*out = d
	}

	duration("stop_grace_period", aux.StopGracePeriod, &m.StopGracePeriod)
	m.DiskUsageMonitorInterval = defaultDiskUsageInterval
	duration("disk_usage_monitor_interval", aux.DiskUsageMonitorInterval, &m.DiskUsageMonitorInterval)

	is := aux.Interserver
	m.Interserver = InterserverConfig{
		ListenURL:        is.ListenURL,
		Host:             is.Host,
		Port:             is.Port,
		Scheme:           is.Scheme,
		Credentials:      is.Credentials,
		Compress:         is.Compress,
		MaxParallelSends: is.MaxParallelSends,
		RetryAttempts:    is.RetryAttempts,
	}
	if m.Interserver.ListenURL == "" {
		m.Interserver.ListenURL = defaultInterserverListenURL
	}
	if m.Interserver.Scheme == "" {
		m.Interserver.Scheme = "http"
	}
	if m.Interserver.Port == 0 {
		_, port, err := net.SplitHostPort(m.Interserver.ListenURL)
		if err != nil {
			return nil, fmt.Errorf("invalid interserver listen_url %q: %w", m.Interserver.ListenURL, err)
		}
		if m.Interserver.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid interserver port %q", port)
		}
	}
	duration("interserver.timeout", is.Timeout, &m.Interserver.Timeout)
	duration("interserver.retry_delay", is.RetryDelay, &m.Interserver.RetryDelay)

	co := aux.Coordination
	m.Coordination = CoordinationConfig{Backend: strings.ToLower(co.Backend), Servers: co.Servers}
	switch m.Coordination.Backend {
	case "":
		m.Coordination.Backend = BackendMemory
	case BackendMemory:
	case BackendZooKeeper:
		if len(co.Servers) == 0 {
			return nil, errors.New("zookeeper backend needs coordination.servers")
		}
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", co.Backend)
	}
	duration("coordination.session_timeout", co.SessionTimeout, &m.Coordination.SessionTimeout)
	duration("coordination.connect_timeout", co.ConnectTimeout, &m.Coordination.ConnectTimeout)

	m.Table = TableConfig{
		ZooKeeperPath: strings.TrimSuffix(aux.Table.ZooKeeperPath, "/"),
		ReplicaName:   aux.Table.ReplicaName,
		Metadata: models.TableMetadata{
			Columns:     aux.Table.Columns,
			PartitionBy: aux.Table.PartitionBy,
			OrderBy:     aux.Table.OrderBy,
			Settings:    aux.Table.Settings,
		},
	}

	rs := aux.Replication
	s := replication.Settings{
		MaxReplicatedMergesInQueue:    rs.MaxReplicatedMergesInQueue,
		MaxPartsToMergeAtOnce:         rs.MaxPartsToMergeAtOnce,
		MaxMutationsPerPass:           rs.MaxMutationsPerPass,
		MaxParallelFetchesForTable:    rs.MaxParallelFetchesForTable,
		MaxSuspiciousBrokenParts:      rs.MaxSuspiciousBrokenParts,
		MinReplicatedLogs:             rs.MinReplicatedLogs,
		ReplicatedDeduplicationWindow: rs.ReplicatedDeduplicationWindow,
		FinishedMutationsToKeep:       rs.FinishedMutationsToKeep,
		RejoinBackoffCoeff:            rs.RejoinBackoffCoeff,
		RejoinMaxAttempts:             rs.RejoinMaxAttempts,
	}
	if rs.MaxBytesToMerge != "" {
		n, err := bytefmt.ToBytes(rs.MaxBytesToMerge)
		if err != nil {
			bad = append(bad, fmt.Sprintf("replication.max_bytes_to_merge=%q", rs.MaxBytesToMerge))
		}
		s.MaxBytesToMerge = n
	}
	alterSync, err := replication.ParseAlterSync(rs.AlterPartitionsSync)
	if err != nil {
		bad = append(bad, fmt.Sprintf("replication.alter_partitions_sync=%q", rs.AlterPartitionsSync))
	}
	s.AlterPartitionsSync = alterSync
	duration("replication.merge_selecting_period", rs.MergeSelectingPeriod, &s.MergeSelectingPeriod)
	duration("replication.fetch_timeout", rs.FetchTimeout, &s.FetchTimeout)
	duration("replication.insert_quorum_timeout", rs.InsertQuorumTimeout, &s.InsertQuorumTimeout)
	duration("replication.quorum_record_ttl", rs.QuorumRecordTTL, &s.QuorumRecordTTL)
	duration("replication.part_check_period", rs.PartCheckPeriod, &s.PartCheckPeriod)
	duration("replication.cleanup_period", rs.CleanupPeriod, &s.CleanupPeriod)
	duration("replication.old_parts_lifetime", rs.OldPartsLifetime, &s.OldPartsLifetime)
	duration("replication.queue_update_period", rs.QueueUpdatePeriod, &s.QueueUpdatePeriod)
	duration("replication.queue_backoff_initial", rs.QueueBackoffInitial, &s.QueueBackoffInitial)
	duration("replication.queue_backoff_max", rs.QueueBackoffMax, &s.QueueBackoffMax)
	duration("replication.rejoin_interval", rs.RejoinInterval, &s.RejoinInterval)

	if len(bad) > 0 {
		return nil, fmt.Errorf("invalid values: %s", strings.Join(bad, ", "))
	}
	m.Replication = s.WithDefaults()
	if err := m.Replication.Validate(); err != nil {
		return nil, err
	}
	if m.Interserver.Timeout == 0 {
		m.Interserver.Timeout = m.Replication.FetchTimeout
	}
	return m, nil
}
