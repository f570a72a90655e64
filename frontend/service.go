package frontend

import (
	"net/http"
	"time"

	"github.com/gobwas/glob"

	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/replication"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// ReplicaService exposes one replica over JSON-RPC and msgpack-RPC.
type ReplicaService struct {
	replica *replication.Replica
	logger  *log.Logger
}

func NewReplicaService(replica *replication.Replica) *ReplicaService {
	return &ReplicaService{
		replica: replica,
		logger:  log.With("replica", replica.Name(), "table", replica.ZooKeeperPath()),
	}
}

type AckReply struct {
	OK bool `msgpack:"ok" json:"ok"`
}

type PartsReply struct {
	Parts []string `msgpack:"parts" json:"parts"`
}

type NoArgs struct{}

type InsertArgs struct {
	Partition string `msgpack:"partition" json:"partition"`
	// Rows are tab separated column=value pairs, one row per line.
	Rows        string `msgpack:"rows" json:"rows"`
	Quorum      int    `msgpack:"quorum" json:"quorum"`
	Deduplicate bool   `msgpack:"deduplicate" json:"deduplicate"`
	BlockID     string `msgpack:"block_id" json:"block_id"`
}

type InsertReply struct {
	PartName  string `msgpack:"part_name" json:"part_name"`
	Duplicate bool   `msgpack:"duplicate" json:"duplicate"`
}

func (s *ReplicaService) Insert(r *http.Request, args *InsertArgs, reply *InsertReply) error {
	if args == nil {
		return argsNilError
	}
	res, err := s.replica.Insert(r.Context(), args.Partition, []byte(args.Rows), replication.InsertOptions{
		Quorum:      args.Quorum,
		Deduplicate: args.Deduplicate,
		BlockID:     args.BlockID,
	})
	if err != nil {
		return wrapError(err)
	}
	reply.PartName = res.PartName
	reply.Duplicate = res.Duplicate
	return nil
}

type OptimizeArgs struct {
	Partition string `msgpack:"partition" json:"partition"`
	Final     bool   `msgpack:"final" json:"final"`
}

type OptimizeReply struct {
	Proposed bool `msgpack:"proposed" json:"proposed"`
}

func (s *ReplicaService) Optimize(r *http.Request, args *OptimizeArgs, reply *OptimizeReply) error {
	if args == nil {
		return argsNilError
	}
	proposed, err := s.replica.Optimize(r.Context(), args.Partition, args.Final)
	reply.Proposed = proposed
	return wrapError(err)
}

type PartitionArgs struct {
	Partition string `msgpack:"partition" json:"partition"`
	Detach    bool   `msgpack:"detach" json:"detach"`
}

func (s *ReplicaService) DropPartition(r *http.Request, args *PartitionArgs, reply *AckReply) error {
	if args == nil {
		return argsNilError
	}
	if err := s.replica.DropPartition(r.Context(), args.Partition, args.Detach); err != nil {
		return wrapError(err)
	}
	s.logger.Info("partition %s dropped (detach=%v)", args.Partition, args.Detach)
	reply.OK = true
	return nil
}

func (s *ReplicaService) AttachPartition(r *http.Request, args *PartitionArgs, reply *PartsReply) error {
	if args == nil {
		return argsNilError
	}
	parts, err := s.replica.AttachPartition(r.Context(), args.Partition)
	reply.Parts = parts
	return wrapError(err)
}

type SourceArgs struct {
	// From is the coordination path of the source table.
	From      string `msgpack:"from" json:"from"`
	Partition string `msgpack:"partition" json:"partition"`
	Replace   bool   `msgpack:"replace" json:"replace"`
}

func (s *ReplicaService) FetchPartition(r *http.Request, args *SourceArgs, reply *PartsReply) error {
	if args == nil {
		return argsNilError
	}
	parts, err := s.replica.FetchPartition(r.Context(), args.From, args.Partition)
	reply.Parts = parts
	return wrapError(err)
}

func (s *ReplicaService) ReplacePartition(r *http.Request, args *SourceArgs, reply *AckReply) error {
	if args == nil {
		return argsNilError
	}
	if err := s.replica.ReplacePartitionFrom(r.Context(), args.From, args.Partition, args.Replace); err != nil {
		return wrapError(err)
	}
	reply.OK = true
	return nil
}

type ClearColumnArgs struct {
	Partition string `msgpack:"partition" json:"partition"`
	Column    string `msgpack:"column" json:"column"`
}

func (s *ReplicaService) ClearColumn(r *http.Request, args *ClearColumnArgs, reply *AckReply) error {
	if args == nil {
		return argsNilError
	}
	if err := s.replica.ClearColumnInPartition(r.Context(), args.Partition, args.Column); err != nil {
		return wrapError(err)
	}
	reply.OK = true
	return nil
}

type MutateArgs struct {
	Commands []models.MutationCommand `msgpack:"commands" json:"commands"`
}

type MutateReply struct {
	ID string `msgpack:"id" json:"id"`
}

func (s *ReplicaService) Mutate(r *http.Request, args *MutateArgs, reply *MutateReply) error {
	if args == nil {
		return argsNilError
	}
	id, err := s.replica.Mutate(r.Context(), args.Commands)
	if err != nil {
		return wrapError(err)
	}
	reply.ID = id
	return nil
}

type KillMutationArgs struct {
	ID string `msgpack:"id" json:"id"`
}

func (s *ReplicaService) KillMutation(r *http.Request, args *KillMutationArgs, reply *AckReply) error {
	if args == nil {
		return argsNilError
	}
	if err := s.replica.KillMutation(r.Context(), args.ID); err != nil {
		return wrapError(err)
	}
	reply.OK = true
	return nil
}

type MutationsReply struct {
	Mutations []replication.MutationStatus `msgpack:"mutations" json:"mutations"`
}

func (s *ReplicaService) Mutations(_ *http.Request, _ *NoArgs, reply *MutationsReply) error {
	reply.Mutations = s.replica.MutationsStatus()
	return nil
}

func (s *ReplicaService) Alter(r *http.Request, args *replication.AlterCommand, reply *AckReply) error {
	if args == nil {
		return argsNilError
	}
	if err := s.replica.Alter(r.Context(), *args); err != nil {
		return wrapError(err)
	}
	reply.OK = true
	return nil
}

type StatusArgs struct {
	WithZooKeeper bool `msgpack:"with_zookeeper" json:"with_zookeeper"`
}

func (s *ReplicaService) Status(r *http.Request, args *StatusArgs, reply *replication.ReplicaStatus) error {
	withZK := args != nil && args.WithZooKeeper
	st, err := s.replica.Status(r.Context(), withZK)
	*reply = st
	return wrapError(err)
}

type QueueArgs struct {
	// Filter is a glob matched against the new part name of each entry.
	Filter string `msgpack:"filter" json:"filter"`
}

type QueueReply struct {
	Entries []replication.QueueEntryStatus `msgpack:"entries" json:"entries"`
}

func (s *ReplicaService) Queue(_ *http.Request, args *QueueArgs, reply *QueueReply) error {
	entries := s.replica.Queue().Entries()
	if args == nil || args.Filter == "" {
		reply.Entries = entries
		return nil
	}
	g, err := glob.Compile(args.Filter)
	if err != nil {
		return badParams(err)
	}
	for _, e := range entries {
		if g.Match(e.NewPartName) {
			reply.Entries = append(reply.Entries, e)
		}
	}
	return nil
}

type DelayReply struct {
	AbsoluteSeconds float64 `msgpack:"absolute_seconds" json:"absolute_seconds"`
	RelativeSeconds float64 `msgpack:"relative_seconds" json:"relative_seconds"`
}

func (s *ReplicaService) Delay(r *http.Request, _ *NoArgs, reply *DelayReply) error {
	absolute, relative, err := s.replica.ReplicaDelays(r.Context())
	if err != nil {
		return wrapError(err)
	}
	reply.AbsoluteSeconds = absolute.Seconds()
	reply.RelativeSeconds = relative.Seconds()
	return nil
}

type SyncArgs struct {
	// Timeout is a Go duration; empty waits until the request is canceled.
	Timeout string `msgpack:"timeout" json:"timeout"`
}

type SyncReply struct {
	Synced bool `msgpack:"synced" json:"synced"`
}

// SyncReplica pulls the shared log and waits until the queue is empty.
func (s *ReplicaService) SyncReplica(r *http.Request, args *SyncArgs, reply *SyncReply) error {
	var timeout time.Duration
	if args != nil && args.Timeout != "" {
		d, err := time.ParseDuration(args.Timeout)
		if err != nil {
			return badParams(err)
		}
		timeout = d
	}
	synced, err := s.replica.WaitForShrinkingQueueSize(r.Context(), 0, timeout)
	reply.Synced = synced
	return wrapError(err)
}

type CheckPartArgs struct {
	Part string `msgpack:"part" json:"part"`
}

func (s *ReplicaService) CheckPart(_ *http.Request, args *CheckPartArgs, reply *AckReply) error {
	if args == nil {
		return argsNilError
	}
	if err := s.replica.EnqueuePartForCheck(args.Part, 0); err != nil {
		return wrapError(err)
	}
	reply.OK = true
	return nil
}
