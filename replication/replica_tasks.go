package replication

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// existingNodesCache remembers nodes this replica knows to exist. Only
// nodes the replica itself creates and removes are cached, so the cache
// cannot go stale behind its back.
type existingNodesCache struct {
	mu    sync.RWMutex
	nodes map[string]struct{}
}

func newExistingNodesCache() *existingNodesCache {
	return &existingNodesCache{nodes: map[string]struct{}{}}
}

func (c *existingNodesCache) exists(ctx context.Context, zk coordination.Client, p string) (bool, error) {
	c.mu.RLock()
	_, ok := c.nodes[p]
	c.mu.RUnlock()
	if ok {
		return true, nil
	}
	exists, _, err := zk.Exists(ctx, p)
	if err != nil {
		return false, err
	}
	if exists {
		c.add(p)
	}
	return exists, nil
}

func (c *existingNodesCache) add(p string) {
	c.mu.Lock()
	c.nodes[p] = struct{}{}
	c.mu.Unlock()
}

func (c *existingNodesCache) forget(p string) {
	c.mu.Lock()
	delete(c.nodes, p)
	c.mu.Unlock()
}

func (c *existingNodesCache) clear() {
	c.mu.Lock()
	c.nodes = map[string]struct{}{}
	c.mu.Unlock()
}

// armWatch wakes task once when watch fires. armed keeps a single
// goroutine per watched node.
func armWatch(ctx context.Context, armed *atomic.Bool, task *repeatingTask, watches ...<-chan coordination.Event) {
	go func() {
		defer armed.Store(false)
		cases := make(chan struct{}, len(watches))
		for _, w := range watches {
			go func(w <-chan coordination.Event) {
				select {
				case <-w:
					cases <- struct{}{}
				case <-ctx.Done():
				}
			}(w)
		}
		select {
		case <-cases:
			task.Wake()
		case <-ctx.Done():
		}
	}()
}

// queueUpdatingPass pulls new log entries and mutations. It re-arms
// itself through watches on /log and /mutations.
func (r *Replica) queueUpdatingPass(ctx context.Context) error {
	s, err := r.currentSession()
	if err != nil {
		return nil
	}
	zk := s.zk
	if r.queueWatchArmed.CompareAndSwap(false, true) {
		_, logWatch, err := zk.ChildrenW(ctx, r.paths.log())
		if err != nil {
			r.queueWatchArmed.Store(false)
			return errors.Wrap(classify(err), "watch log")
		}
		_, mutationsWatch, err := zk.ChildrenW(ctx, r.paths.mutations())
		if err != nil {
			r.queueWatchArmed.Store(false)
			return errors.Wrap(classify(err), "watch mutations")
		}
		armWatch(s.ctx, &r.queueWatchArmed, r.queueUpdating, logWatch, mutationsWatch)
	}

	pulled, err := r.queue.PullLogsToQueue(ctx, zk)
	if err != nil {
		return err
	}
	changed, err := r.queue.UpdateMutations(ctx, zk)
	if err != nil {
		return err
	}
	if pulled > 0 {
		r.wakeExecutor()
	}
	if changed {
		r.mergeSelecting.Wake()
		r.mutationFinishing.Wake()
	}
	metrics.AbsoluteDelay.WithLabelValues(r.cfg.ReplicaName).Set(r.queue.AbsoluteDelay().Seconds())
	return nil
}

// alterWatchingPass adopts a new version of /metadata into the local
// structure and publishes the adopted version.
func (r *Replica) alterWatchingPass(ctx context.Context) error {
	s, err := r.currentSession()
	if err != nil {
		return nil
	}
	zk := s.zk
	var (
		data []byte
		stat *coordination.Stat
	)
	if r.alterWatchArmed.CompareAndSwap(false, true) {
		var watch <-chan coordination.Event
		data, stat, watch, err = zk.GetW(ctx, r.paths.metadata())
		if err != nil {
			r.alterWatchArmed.Store(false)
			return errors.Wrap(classify(err), "watch metadata")
		}
		armWatch(s.ctx, &r.alterWatchArmed, r.alterWatching, watch)
	} else {
		data, stat, err = zk.Get(ctx, r.paths.metadata())
		if err != nil {
			return errors.Wrap(classify(err), "read metadata")
		}
	}
	return r.adoptMetadata(ctx, zk, data, stat.Version)
}

func (r *Replica) adoptMetadata(ctx context.Context, zk coordination.Client, data []byte, version int32) error {
	r.metadataMu.RLock()
	current := r.metadataVersion
	r.metadataMu.RUnlock()
	if version <= current {
		return nil
	}
	m := models.TableMetadata{}
	if err := models.Decode(data, &m); err != nil {
		return errors.Wrap(err, "decode table metadata")
	}
	if err := r.storeLocalMetadata(m); err != nil {
		return err
	}
	r.metadataMu.Lock()
	r.metadata = m
	r.metadataVersion = version
	r.metadataMu.Unlock()

	_, err := zk.Set(ctx, r.paths.metadataVersion(), []byte(strconv.Itoa(int(version))), coordination.AnyVersion)
	if err != nil {
		return errors.Wrap(classify(err), "publish metadata version")
	}
	log.Info("%sadopted table structure version %d (%d columns)", r.prefix, version, len(m.Columns))
	return nil
}
