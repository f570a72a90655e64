package replication

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// partChecker reconciles the local part set with the parts registered
// for this replica.
type partChecker struct {
	r *Replica

	mu       sync.Mutex
	pending  map[string]time.Time
	lastFull time.Time
	// halted stops full passes after one hit MaxSuspiciousBrokenParts.
	halted bool
}

func newPartChecker(r *Replica) *partChecker {
	return &partChecker{r: r, pending: map[string]time.Time{}}
}

// Enqueue schedules a check of part after delay. An earlier schedule wins.
func (c *partChecker) Enqueue(part string, delay time.Duration) {
	at := time.Now().Add(delay)
	c.mu.Lock()
	if cur, ok := c.pending[part]; !ok || at.Before(cur) {
		c.pending[part] = at
	}
	c.mu.Unlock()
	if delay == 0 {
		c.r.partCheckTask.Wake()
	}
}

// Pending returns the number of scheduled checks.
func (c *partChecker) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *partChecker) due() []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for part, at := range c.pending {
		if !at.After(now) {
			out = append(out, part)
			delete(c.pending, part)
		}
	}
	return sortedNames(out)
}

// runPending checks the parts that are due, and runs a full check every
// PartCheckPeriod.
func (c *partChecker) runPending(ctx context.Context) error {
	s, err := c.r.currentSession()
	if err != nil {
		return nil
	}
	for _, part := range c.due() {
		if err := c.checkPart(ctx, s.zk, part); err != nil {
			if isTransient(err) {
				c.Enqueue(part, c.r.settings.QueueBackoffMax)
			}
			return err
		}
	}
	if c.halted || time.Since(c.lastFull) < c.r.settings.PartCheckPeriod {
		return nil
	}
	if err := c.CheckParts(ctx, s.zk, false); err != nil {
		if errors.Is(err, ErrTooManyUnexpectedParts) {
			c.halted = true
			log.Error("%sfull part checks stopped until restart: %v", c.r.prefix, err)
		}
		return err
	}
	c.lastFull = time.Now()
	return nil
}

// checkPart verifies one part against its registration.
func (c *partChecker) checkPart(ctx context.Context, zk coordination.Client, part string) error {
	r := c.r
	if r.queue.IsFuturePart(part) {
		log.Debug("%s%s is being produced, checking later", r.prefix, part)
		c.Enqueue(part, time.Second)
		return nil
	}
	registered, err := r.nodesCache.exists(ctx, zk, r.paths.part(part))
	if err != nil {
		return errors.Wrap(classify(err), "check part registration")
	}
	local := r.parts.Has(part)

	switch {
	case local && registered:
		verr := r.parts.VerifyChecksum(part)
		if verr == nil {
			return nil
		}
		var mismatch *catalog.ErrChecksumMismatch
		if !errors.As(verr, &mismatch) {
			return verr
		}
		log.Error("%spart %s is corrupt: %v", r.prefix, part, verr)
		return c.RemovePartAndEnqueueFetch(ctx, zk, part)
	case local && !registered:
		lock := r.parts.PartitionLock(models.MustParsePartName(part).Partition)
		lock.Lock()
		defer lock.Unlock()
		_, err := c.adoptOrDetach(ctx, zk, part)
		return err
	case !local && registered:
		_, err := c.repairMissing(ctx, zk, part)
		return err
	default:
		if containing, ok := r.parts.ContainingPart(part); ok {
			log.Debug("%s%s is covered by %s", r.prefix, part, containing.Name)
			return nil
		}
		if !r.queue.HasGetFor(part) && r.queue.VirtualPartFor(part) == part {
			log.Warn("%s%s is expected but neither local nor registered", r.prefix, part)
		}
		return nil
	}
}

// CheckParts compares every registered part with the local part set. At
// startup too many unexpected local parts abort with
// ErrTooManyUnexpectedParts instead of being detached. Later passes stop
// with the same error once MaxSuspiciousBrokenParts parts were detached or
// unregistered.
func (c *partChecker) CheckParts(ctx context.Context, zk coordination.Client, startup bool) error {
	r := c.r
	registered, err := zk.Children(ctx, r.paths.parts())
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	}
	if err != nil {
		return errors.Wrap(classify(err), "list registered parts")
	}
	regSet := make(map[string]bool, len(registered))
	for _, p := range registered {
		regSet[p] = true
	}
	local := r.parts.PartNames()
	localSet := make(map[string]bool, len(local))
	for _, p := range local {
		localSet[p] = true
	}

	var unexpected, missing []string
	for _, p := range local {
		if !regSet[p] && !r.queue.IsFuturePart(p) {
			unexpected = append(unexpected, p)
		}
	}
	for _, p := range sortedNames(registered) {
		if !localSet[p] {
			missing = append(missing, p)
		}
	}

	limit := r.settings.MaxSuspiciousBrokenParts
	if startup && len(unexpected) > limit {
		return errors.Wrapf(ErrTooManyUnexpectedParts, "%d unexpected local parts, limit %d", len(unexpected), limit)
	}
	if len(unexpected) > 0 || len(missing) > 0 {
		log.Info("%schecking parts: %d unexpected, %d missing", r.prefix, len(unexpected), len(missing))
	}

	removed := 0
	budget := func(left int) error {
		if removed < limit {
			return nil
		}
		return errors.Wrapf(ErrTooManyUnexpectedParts, "%d parts removed in one pass, limit %d, %d left unchecked",
			removed, limit, left)
	}
	for i, p := range unexpected {
		if err := budget(len(unexpected) - i + len(missing)); err != nil {
			return err
		}
		info := models.MustParsePartName(p)
		lock := r.parts.PartitionLock(info.Partition)
		lock.Lock()
		detached, err := c.adoptOrDetach(ctx, zk, p)
		lock.Unlock()
		if err != nil {
			return err
		}
		if detached {
			removed++
		}
	}
	for i, p := range missing {
		if err := budget(len(missing) - i); err != nil {
			return err
		}
		unregistered, err := c.repairMissing(ctx, zk, p)
		if err != nil {
			return err
		}
		if unregistered {
			removed++
		}
	}
	return nil
}

// adoptOrDetach handles a local part with no registration. It is
// registered when every peer that has it agrees on the checksum, and
// detached as unexpected otherwise. It reports whether part was detached.
func (c *partChecker) adoptOrDetach(ctx context.Context, zk coordination.Client, part string) (bool, error) {
	r := c.r
	p, err := r.parts.Part(part)
	if err != nil {
		return false, nil
	}
	peer, header, ok := r.fetcher.registeredHeader(ctx, zk, part)
	if ok && header.Checksum != p.Header.Checksum {
		log.Error("%slocal part %s differs from the one on %s, detaching it", r.prefix, part, peer)
		return true, r.parts.Detach(part, catalog.UnexpectedPrefix)
	}
	ops, err := r.registrationOps(ctx, zk, part, p.Header)
	if err != nil {
		return false, err
	}
	if len(ops) == 0 {
		return false, nil
	}
	if _, err := zk.Multi(ctx, ops...); err != nil {
		if errors.Is(err, coordination.ErrNodeExists) || errors.Is(err, coordination.ErrNoNode) {
			return false, errors.Wrapf(ErrRetryable, "register %s: %v", part, err)
		}
		return false, errors.Wrapf(classify(err), "register %s", part)
	}
	r.nodesCache.add(r.paths.part(part))
	r.queue.AddVirtualParts(part)
	log.Info("%sregistered unexpected local part %s", r.prefix, part)
	return false, nil
}

// repairMissing handles a registered part that is not local. It reports
// whether the registration was dropped without a fetch replacing it.
func (c *partChecker) repairMissing(ctx context.Context, zk coordination.Client, part string) (bool, error) {
	info, err := models.ParsePartName(part)
	if err != nil {
		return false, errors.Wrap(ErrBadArguments, err.Error())
	}
	lock := c.r.parts.PartitionLock(info.Partition)
	lock.Lock()
	defer lock.Unlock()
	return c.repairMissingLocked(ctx, zk, part)
}

// repairMissingLocked is repairMissing with the partition lock held. The
// snapshot that found part missing may predate an insert or fetch that
// registers first and commits second, so both are looked at again.
func (c *partChecker) repairMissingLocked(ctx context.Context, zk coordination.Client, part string) (bool, error) {
	r := c.r
	if r.parts.Has(part) {
		return false, nil
	}
	registered, _, err := zk.Exists(ctx, r.paths.part(part))
	if err != nil {
		return false, errors.Wrap(classify(err), "check part registration")
	}
	if !registered {
		return false, nil
	}
	info := models.MustParsePartName(part)
	if covering, ok := r.parts.ContainingPart(part); ok && covering.Info.Covers(info) {
		log.Info("%s%s is covered by local %s, unregistering it", r.prefix, part, covering.Name)
		return true, c.unregister(ctx, zk, part)
	}
	if r.queue.HasGetFor(part) || r.queue.IsFuturePart(part) {
		return false, nil
	}

	peers, err := c.peersHaving(ctx, zk, part)
	if err != nil {
		return false, err
	}
	if peers == 0 {
		lost, err := r.fetcher.isLost(ctx, zk, part)
		if err != nil {
			return false, err
		}
		if lost {
			log.Error("%spart %s is missing here and on every other replica; it is lost", r.prefix, part)
			return true, c.unregister(ctx, zk, part)
		}
	}

	entry := &models.LogEntry{
		Type:          models.GetPart,
		SourceReplica: r.cfg.ReplicaName,
		CreateTime:    time.Now(),
		NewPartName:   part,
	}
	data, err := entry.Encode()
	if err != nil {
		return false, err
	}
	results, err := zk.Multi(ctx,
		coordination.NewDelete(r.paths.part(part), coordination.AnyVersion),
		coordination.NewCreate(r.paths.queue()+"/"+queuePrefix, data, coordination.PersistentSequential),
	)
	if err != nil {
		if errors.Is(err, coordination.ErrNoNode) {
			return false, nil
		}
		return false, errors.Wrapf(classify(err), "enqueue fetch of %s", part)
	}
	r.nodesCache.forget(r.paths.part(part))
	r.queue.InsertLocal(entry, path.Base(results[1].Path))
	log.Warn("%spart %s is missing locally, queued a fetch", r.prefix, part)
	return false, nil
}

func (c *partChecker) unregister(ctx context.Context, zk coordination.Client, part string) error {
	err := zk.Delete(ctx, c.r.paths.part(part), coordination.AnyVersion)
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return errors.Wrapf(classify(err), "unregister %s", part)
	}
	c.r.nodesCache.forget(c.r.paths.part(part))
	return nil
}

func (c *partChecker) peersHaving(ctx context.Context, zk coordination.Client, part string) (int, error) {
	replicas, err := zk.Children(ctx, c.r.paths.replicas())
	if err != nil {
		return 0, errors.Wrap(classify(err), "list replicas")
	}
	n := 0
	for _, name := range replicas {
		if name == c.r.cfg.ReplicaName {
			continue
		}
		exists, _, err := zk.Exists(ctx, c.r.paths.replicaOf(name)+"/parts/"+part)
		if err != nil {
			return 0, errors.Wrap(classify(err), "check peer part")
		}
		if exists {
			n++
		}
	}
	return n, nil
}

// RemovePartAndEnqueueFetch drops a corrupt local part: it is detached as
// broken and replaced by a fetch from another replica.
func (c *partChecker) RemovePartAndEnqueueFetch(ctx context.Context, zk coordination.Client, part string) error {
	r := c.r
	lock := r.parts.PartitionLock(models.MustParsePartName(part).Partition)
	lock.Lock()
	defer lock.Unlock()
	if err := r.parts.Detach(part, catalog.BrokenPrefix); err != nil {
		var nf catalog.PartNotFound
		if !errors.As(err, &nf) {
			return err
		}
	}
	_, err := c.repairMissingLocked(ctx, zk, part)
	return err
}
