package replication

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
)

// ReplicaStatus is the system.replicas style view of one replica.
type ReplicaStatus struct {
	ZooKeeperPath    string      `json:"zookeeper_path"`
	ReplicaName      string      `json:"replica_name"`
	ReplicaPath      string      `json:"replica_path"`
	IsLeader         bool        `json:"is_leader"`
	IsReadonly       bool        `json:"is_readonly"`
	SessionState     string      `json:"session_state"`
	IsSessionExpired bool        `json:"is_session_expired"`
	ColumnsVersion   int32       `json:"columns_version"`
	Queue            QueueStatus `json:"queue"`
	PartsCount       int         `json:"parts_count"`
	TotalBytes       int64       `json:"total_bytes"`
	PartsToCheck     int         `json:"parts_to_check"`
	MutationPointer  string      `json:"mutation_pointer"`
	AbsoluteDelay    float64     `json:"absolute_delay"`

	// Filled only when the coordination store is consulted.
	LogMaxIndex    int64 `json:"log_max_index"`
	TotalReplicas  int   `json:"total_replicas"`
	ActiveReplicas int   `json:"active_replicas"`
}

// Status reports the replica. With withZK the shared log and the replica
// set are read as well.
func (r *Replica) Status(ctx context.Context, withZK bool) (ReplicaStatus, error) {
	r.metadataMu.RLock()
	columnsVersion := r.metadataVersion
	r.metadataMu.RUnlock()
	state := r.SessionState()
	st := ReplicaStatus{
		ZooKeeperPath:    r.paths.table,
		ReplicaName:      r.cfg.ReplicaName,
		ReplicaPath:      r.paths.replica,
		IsLeader:         r.IsLeader(),
		IsReadonly:       r.IsReadonly(),
		SessionState:     state.String(),
		IsSessionExpired: state != StateActive,
		ColumnsVersion:   columnsVersion,
		Queue:            r.queue.Status(),
		PartsCount:       len(r.parts.PartNames()),
		TotalBytes:       r.parts.TotalBytes(),
		PartsToCheck:     r.checker.Pending(),
		MutationPointer:  r.queue.MutationPointer(),
		AbsoluteDelay:    r.queue.AbsoluteDelay().Seconds(),
	}
	if !withZK {
		return st, nil
	}
	s, err := r.currentSession()
	if err != nil {
		return st, err
	}
	zk := s.zk

	names, err := zk.Children(ctx, r.paths.log())
	if err != nil {
		return st, errors.Wrap(classify(err), "list log")
	}
	for _, n := range names {
		if idx, ok := logIndex(n); ok && idx > st.LogMaxIndex {
			st.LogMaxIndex = idx
		}
	}
	replicas, err := zk.Children(ctx, r.paths.replicas())
	if err != nil {
		return st, errors.Wrap(classify(err), "list replicas")
	}
	st.TotalReplicas = len(replicas)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range replicas {
		name := name
		g.Go(func() error {
			active, _, err := zk.Exists(gctx, r.paths.replicaOf(name)+"/is_active")
			if err != nil {
				return errors.Wrap(classify(err), "check replica activity")
			}
			if active {
				mu.Lock()
				st.ActiveReplicas++
				mu.Unlock()
			}
			return nil
		})
	}
	return st, g.Wait()
}

// ReplicaDelays returns this replica's absolute delay and its delay
// relative to the most up to date active replica.
func (r *Replica) ReplicaDelays(ctx context.Context) (absolute, relative time.Duration, err error) {
	absolute = r.queue.AbsoluteDelay()
	s, err := r.currentSession()
	if err != nil {
		return absolute, 0, err
	}
	others, err := r.activeReplicas(ctx, s.zk)
	if err != nil {
		return absolute, 0, err
	}

	var mu sync.Mutex
	best := time.Duration(-1)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range others {
		if name == r.cfg.ReplicaName {
			continue
		}
		name := name
		g.Go(func() error {
			d, err := r.peerDelay(gctx, s.zk, name)
			if err != nil {
				return err
			}
			mu.Lock()
			if best < 0 || d < best {
				best = d
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return absolute, 0, err
	}
	if best < 0 || absolute <= best {
		return absolute, 0, nil
	}
	return absolute, absolute - best, nil
}

// peerDelay estimates another replica's absolute delay from the oldest
// entry in its queue.
func (r *Replica) peerDelay(ctx context.Context, zk coordination.Client, name string) (time.Duration, error) {
	dir := r.paths.replicaOf(name) + "/queue"
	entries, err := zk.Children(ctx, dir)
	if err != nil {
		return 0, errors.Wrapf(classify(err), "list queue of %s", name)
	}
	var oldest time.Time
	for _, n := range entries {
		data, _, err := zk.Get(ctx, dir+"/"+n)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return 0, errors.Wrapf(classify(err), "read queue of %s", name)
		}
		e, err := models.DecodeLogEntry(data, n)
		if err != nil {
			continue
		}
		if oldest.IsZero() || e.CreateTime.Before(oldest) {
			oldest = e.CreateTime
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}

// WaitForReplicaToProcessLogEntry blocks until replica has pulled the log
// entry logName and executed it.
func (r *Replica) WaitForReplicaToProcessLogEntry(ctx context.Context, replica, logName string) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	zk := s.zk
	idx, ok := logIndex(logName)
	if !ok {
		return errors.Wrapf(ErrBadArguments, "bad log entry name %q", logName)
	}
	data, _, err := zk.Get(ctx, r.paths.logEntry(logName))
	if errors.Is(err, coordination.ErrNoNode) {
		// cleanup only removes entries every replica has pulled
		data = nil
	} else if err != nil {
		return errors.Wrapf(classify(err), "read %s", logName)
	}
	replicaPath := r.paths.replicaOf(replica)

	for data != nil {
		ptrData, _, watch, err := zk.GetW(ctx, replicaPath+"/log_pointer")
		if err != nil {
			return errors.Wrapf(classify(err), "read log pointer of %s", replica)
		}
		ptr, _ := strconv.ParseInt(string(ptrData), 10, 64)
		if ptr > idx {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrAborted, ctx.Err().Error())
		case <-zk.Expired():
			return ErrSessionExpired
		case <-watch:
		}
	}
	if data == nil {
		return nil
	}

	queue, err := zk.Children(ctx, replicaPath+"/queue")
	if err != nil {
		return errors.Wrapf(classify(err), "list queue of %s", replica)
	}
	for _, n := range queue {
		entry, _, err := zk.Get(ctx, replicaPath+"/queue/"+n)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return errors.Wrapf(classify(err), "read queue of %s", replica)
		}
		if bytes.Equal(entry, data) {
			return classify(coordination.WaitForDisappear(ctx, zk, replicaPath+"/queue/"+n))
		}
	}
	return nil
}

// WaitForShrinkingQueueSize pulls the log and waits up to timeout until at
// most maxSize entries are queued. It reports whether the size was reached.
func (r *Replica) WaitForShrinkingQueueSize(ctx context.Context, maxSize int, timeout time.Duration) (bool, error) {
	s, err := r.currentSession()
	if err != nil {
		return false, err
	}
	if _, err := r.queue.PullLogsToQueue(ctx, s.zk); err != nil {
		return false, err
	}
	r.wakeExecutor()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := r.queue.WaitForShrinking(ctx, maxSize); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnqueuePartForCheck schedules a verification of part after delay.
func (r *Replica) EnqueuePartForCheck(part string, delay time.Duration) error {
	if _, err := models.ParsePartName(part); err != nil {
		return errors.Wrap(ErrBadArguments, err.Error())
	}
	r.checker.Enqueue(part, delay)
	return nil
}
