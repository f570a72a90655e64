package replication

import (
	"sort"
	"strings"

	"github.com/alpacahq/replicatedtree/coordination"
)

const (
	logPrefix            = "log-"
	queuePrefix          = "queue-"
	blockPrefix          = "block-"
	holderPrefix         = "abandonable_lock-"
	leaderElectionPrefix = "leader_election-"
	mutationPrefix       = "mutation-"
)

// tablePaths names every coordination node of one table and one replica.
type tablePaths struct {
	table   string
	replica string
	name    string
}

func newTablePaths(zkPath, replicaName string) tablePaths {
	zkPath = strings.TrimRight(zkPath, "/")
	return tablePaths{table: zkPath, replica: zkPath + "/replicas/" + replicaName, name: replicaName}
}

func (p tablePaths) metadata() string       { return p.table + "/metadata" }
func (p tablePaths) log() string            { return p.table + "/log" }
func (p tablePaths) logEntry(n string) string {
	return p.table + "/log/" + n
}
func (p tablePaths) replicas() string         { return p.table + "/replicas" }
func (p tablePaths) leaderElection() string   { return p.table + "/leader_election" }
func (p tablePaths) blocks() string           { return p.table + "/blocks" }
func (p tablePaths) blockNumbers() string     { return p.table + "/block_numbers" }
func (p tablePaths) temp() string             { return p.table + "/temp" }
func (p tablePaths) quorum() string           { return p.table + "/quorum" }
func (p tablePaths) quorumFor(part string) string {
	return p.table + "/quorum/" + part
}
func (p tablePaths) mutations() string { return p.table + "/mutations" }
func (p tablePaths) mutation(id string) string {
	return p.table + "/mutations/" + id
}
func (p tablePaths) dedupBlock(partition, hash string) string {
	return p.table + "/blocks/" + partition + "-" + hash
}
func (p tablePaths) partitionBlockNumbers(partition string) string {
	return p.table + "/block_numbers/" + partition
}

// replicaOf returns the path of another replica of the same table.
func (p tablePaths) replicaOf(name string) string { return p.table + "/replicas/" + name }

func (p tablePaths) queue() string           { return p.replica + "/queue" }
func (p tablePaths) queueEntry(n string) string {
	return p.replica + "/queue/" + n
}
func (p tablePaths) parts() string           { return p.replica + "/parts" }
func (p tablePaths) part(name string) string { return p.replica + "/parts/" + name }
func (p tablePaths) isActive() string        { return p.replica + "/is_active" }
func (p tablePaths) host() string            { return p.replica + "/host" }
func (p tablePaths) logPointer() string      { return p.replica + "/log_pointer" }
func (p tablePaths) mutationPointer() string { return p.replica + "/mutation_pointer" }
func (p tablePaths) metadataVersion() string { return p.replica + "/metadata_version" }

func replicaPart(replicaPath, part string) string {
	return replicaPath + "/parts/" + part
}

// skeleton lists the shared nodes of a table in creation order.
func (p tablePaths) skeleton() []string {
	return []string{
		p.table,
		p.log(),
		p.replicas(),
		p.leaderElection(),
		p.blocks(),
		p.blockNumbers(),
		p.temp(),
		p.quorum(),
		p.mutations(),
	}
}

// replicaSkeleton lists the nodes of a replica in creation order.
func (p tablePaths) replicaSkeleton() []string {
	return []string{
		p.replica,
		p.queue(),
		p.parts(),
	}
}

func logIndex(name string) (int64, bool) {
	if !strings.HasPrefix(name, logPrefix) {
		return 0, false
	}
	n, err := coordination.SequenceOf(name)
	if err != nil {
		return 0, false
	}
	return n, true
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
