package replication

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// pullBatchSize bounds how many log entries are copied in one transaction.
const pullBatchSize = 100

// QueueEntry is a log entry together with this replica's execution state.
type QueueEntry struct {
	*models.LogEntry

	Znode              string
	currentlyExecuting bool
	NumTries           int
	LastException      string
	LastAttempt        time.Time
	NumPostponed       int
	PostponeReason     string
	LastPostpone       time.Time

	nextAttempt time.Time
	backoff     *backoff.ExponentialBackOff
}

// QueueEntryStatus is a snapshot of an entry for status reporting.
type QueueEntryStatus struct {
	Znode                string    `json:"znode"`
	Type                 string    `json:"type"`
	CreateTime           time.Time `json:"create_time"`
	SourceReplica        string    `json:"source_replica"`
	NewPartName          string    `json:"new_part_name"`
	SourceParts          []string  `json:"source_parts"`
	IsCurrentlyExecuting bool      `json:"is_currently_executing"`
	NumTries             int       `json:"num_tries"`
	LastException        string    `json:"last_exception"`
	LastAttemptTime      time.Time `json:"last_attempt_time"`
	NumPostponed         int       `json:"num_postponed"`
	PostponeReason       string    `json:"postpone_reason"`
	LastPostponeTime     time.Time `json:"last_postpone_time"`
}

// QueueStatus aggregates the queue for Status.
type QueueStatus struct {
	FutureParts             int       `json:"future_parts"`
	QueueSize               int       `json:"queue_size"`
	InsertsInQueue          int       `json:"inserts_in_queue"`
	MergesInQueue           int       `json:"merges_in_queue"`
	PartMutationsInQueue    int       `json:"part_mutations_in_queue"`
	QueueOldestTime         time.Time `json:"queue_oldest_time"`
	InsertsOldestTime       time.Time `json:"inserts_oldest_time"`
	MergesOldestTime        time.Time `json:"merges_oldest_time"`
	PartMutationsOldestTime time.Time `json:"part_mutations_oldest_time"`
	OldestPartToGet         string    `json:"oldest_part_to_get"`
	OldestPartToMergeTo     string    `json:"oldest_part_to_merge_to"`
	OldestPartToMutateTo    string    `json:"oldest_part_to_mutate_to"`
	LogPointer              int64     `json:"log_pointer"`
	LastQueueUpdate         time.Time `json:"last_queue_update"`
}

// Queue is the in-memory mirror of /replicas/<r>/queue. Every change is
// written to the coordination store before memory is touched, so a crash
// at any point leaves a queue that Load can resume from.
type Queue struct {
	mu       sync.Mutex
	pullMu   sync.Mutex
	paths    tablePaths
	settings Settings
	replica  string

	entries      []*QueueEntry
	virtualParts *models.ActivePartSet
	futureParts  map[string]*QueueEntry

	mutations            map[string]*models.MutationEntry
	mutationsByPartition map[string]map[int64]*models.MutationEntry
	mutationPointer      string

	loaded          bool
	logPointer      int64
	lastQueueUpdate time.Time

	// shrunk is closed and replaced whenever entries are removed.
	shrunk chan struct{}
	now    func() time.Time
}

func NewQueue(paths tablePaths, settings Settings) *Queue {
	return &Queue{
		paths:                paths,
		settings:             settings,
		replica:              paths.name,
		virtualParts:         &models.ActivePartSet{},
		futureParts:          map[string]*QueueEntry{},
		mutations:            map[string]*models.MutationEntry{},
		mutationsByPartition: map[string]map[int64]*models.MutationEntry{},
		shrunk:               make(chan struct{}),
		now:                  time.Now,
	}
}

func (q *Queue) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.settings.QueueBackoffInitial
	b.MaxInterval = q.settings.QueueBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Load reads the persistent queue. It can be called again after a session
// change: entries already in memory are kept, vanished ones are dropped.
// parts is the replica's current part set, used to seed the virtual parts
// on the first call.
func (q *Queue) Load(ctx context.Context, zk coordination.Client, parts []string) error {
	names, err := zk.Children(ctx, q.paths.queue())
	if err != nil {
		return errors.Wrap(classify(err), "list queue")
	}
	sort.Strings(names)

	loaded := make([]*QueueEntry, 0, len(names))
	for _, name := range names {
		data, _, err := zk.Get(ctx, q.paths.queueEntry(name))
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return errors.Wrapf(classify(err), "read queue entry %s", name)
		}
		entry, err := models.DecodeLogEntry(data, name)
		if err != nil {
			return err
		}
		loaded = append(loaded, &QueueEntry{LogEntry: entry, Znode: name})
	}

	pointer, err := q.readLogPointer(ctx, zk)
	if err != nil {
		return err
	}
	mutationPointer, _, err := zk.Get(ctx, q.paths.mutationPointer())
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return errors.Wrap(classify(err), "read mutation pointer")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	known := make(map[string]*QueueEntry, len(q.entries))
	for _, e := range q.entries {
		known[e.Znode] = e
	}
	entries := make([]*QueueEntry, 0, len(loaded))
	for _, e := range loaded {
		if existing, ok := known[e.Znode]; ok {
			existing.currentlyExecuting = false
			entries = append(entries, existing)
			continue
		}
		e.backoff = q.newBackoff()
		entries = append(entries, e)
	}
	q.entries = entries
	q.futureParts = map[string]*QueueEntry{}
	q.logPointer = pointer
	q.mutationPointer = string(mutationPointer)

	if !q.loaded {
		for _, p := range parts {
			if _, err := q.virtualParts.AddName(p); err != nil {
				return err
			}
		}
	}
	for _, e := range q.entries {
		q.addVirtualPartsLocked(e.LogEntry)
	}
	q.loaded = true
	q.notifyLocked()
	log.Info("[replica=%s] loaded %d queue entries, log pointer %d", q.replica, len(q.entries), pointer)
	return nil
}

func (q *Queue) readLogPointer(ctx context.Context, zk coordination.Client) (int64, error) {
	ptr, _, err := q.readLogPointerStat(ctx, zk)
	return ptr, err
}

func (q *Queue) readLogPointerStat(ctx context.Context, zk coordination.Client) (int64, *coordination.Stat, error) {
	data, stat, err := zk.Get(ctx, q.paths.logPointer())
	if err != nil {
		return 0, nil, errors.Wrap(classify(err), "read log pointer")
	}
	if len(data) == 0 {
		return 0, stat, nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "bad log pointer %q", data)
	}
	return n, stat, nil
}

func (q *Queue) addVirtualPartsLocked(e *models.LogEntry) {
	for _, name := range e.VirtualParts() {
		if _, err := q.virtualParts.AddName(name); err != nil {
			log.Warn("[replica=%s] ignoring bad virtual part %s: %v", q.replica, name, err)
		}
	}
}

// PullLogsToQueue copies every shared log entry at or after this replica's
// log pointer into its queue. Each batch is one transaction that creates
// the queue nodes and advances the pointer, so no entry is skipped or
// copied twice.
func (q *Queue) PullLogsToQueue(ctx context.Context, zk coordination.Client) (int, error) {
	q.pullMu.Lock()
	defer q.pullMu.Unlock()

	pointer, stat, err := q.readLogPointerStat(ctx, zk)
	if err != nil {
		return 0, err
	}
	names, err := zk.Children(ctx, q.paths.log())
	if err != nil {
		return 0, errors.Wrap(classify(err), "list log")
	}
	type pending struct {
		name  string
		index int64
	}
	var todo []pending
	for _, name := range names {
		idx, ok := logIndex(name)
		if ok && idx >= pointer {
			todo = append(todo, pending{name: name, index: idx})
		}
	}
	sort.Slice(todo, func(i, j int) bool { return todo[i].index < todo[j].index })

	pulled := 0
	version := stat.Version
	for len(todo) > 0 {
		batch := todo
		if len(batch) > pullBatchSize {
			batch = batch[:pullBatchSize]
		}
		todo = todo[len(batch):]

		ops := make([]coordination.Op, 0, len(batch)+1)
		payloads := make([][]byte, 0, len(batch))
		for _, p := range batch {
			data, _, err := zk.Get(ctx, q.paths.logEntry(p.name))
			if errors.Is(err, coordination.ErrNoNode) {
				// removed by cleanup; the pointer check below keeps us consistent
				continue
			}
			if err != nil {
				return pulled, errors.Wrapf(classify(err), "read log entry %s", p.name)
			}
			ops = append(ops, coordination.NewCreate(q.paths.queue()+"/"+queuePrefix, data, coordination.PersistentSequential))
			payloads = append(payloads, data)
		}
		next := batch[len(batch)-1].index + 1
		ops = append(ops, coordination.NewSet(q.paths.logPointer(), []byte(strconv.FormatInt(next, 10)), version))

		results, err := zk.Multi(ctx, ops...)
		if err != nil {
			return pulled, errors.Wrap(classify(err), "copy log entries to queue")
		}
		version++

		entries := make([]*QueueEntry, 0, len(payloads))
		for i, data := range payloads {
			znode := path.Base(results[i].Path)
			entry, err := models.DecodeLogEntry(data, znode)
			if err != nil {
				// the node is in the queue already; Load will surface it again
				log.Error("[replica=%s] %v", q.replica, err)
				continue
			}
			entries = append(entries, &QueueEntry{LogEntry: entry, Znode: znode, backoff: q.newBackoff()})
		}

		q.mu.Lock()
		for _, e := range entries {
			q.entries = append(q.entries, e)
			q.addVirtualPartsLocked(e.LogEntry)
		}
		q.logPointer = next
		q.lastQueueUpdate = q.now()
		q.mu.Unlock()

		pulled += len(entries)
	}
	if pulled > 0 {
		metrics.LogEntriesPulled.WithLabelValues(q.replica).Add(float64(pulled))
		log.Debug("[replica=%s] pulled %d log entries, log pointer %d", q.replica, pulled, q.LogPointer())
	}
	q.mu.Lock()
	q.lastQueueUpdate = q.now()
	q.reportLocked()
	q.mu.Unlock()
	return pulled, nil
}

// InsertLocal adds an entry created directly in this replica's queue
// (repairs synthesized by part checks). znode is the created node name.
func (q *Queue) InsertLocal(entry *models.LogEntry, znode string) *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.LogName = znode
	e := &QueueEntry{LogEntry: entry, Znode: znode, backoff: q.newBackoff()}
	q.entries = append(q.entries, e)
	q.addVirtualPartsLocked(entry)
	q.reportLocked()
	return e
}

// SelectEntryToProcess returns the first entry that may run now and marks
// it executing. Entries made obsolete by a covering drop range are removed
// from the store on the way. It returns nil when nothing is executable.
func (q *Queue) SelectEntryToProcess(ctx context.Context, zk coordination.Client, mergeAllowed func() bool) *QueueEntry {
	q.mu.Lock()
	now := q.now()
	var selected *QueueEntry
	var obsolete []*QueueEntry
	for _, e := range q.entries {
		if e.currentlyExecuting {
			continue
		}
		if now.Before(e.nextAttempt) {
			continue
		}
		if q.isObsoleteLocked(e) {
			obsolete = append(obsolete, e)
			continue
		}
		if reason := q.postponeReasonLocked(e, mergeAllowed); reason != "" {
			if e.PostponeReason != reason {
				log.Debug("[replica=%s] postponing %s: %s", q.replica, e.LogEntry, reason)
			}
			e.NumPostponed++
			e.PostponeReason = reason
			e.LastPostpone = now
			continue
		}
		selected = e
		break
	}
	if selected != nil {
		selected.currentlyExecuting = true
		selected.NumTries++
		selected.LastAttempt = now
		selected.PostponeReason = ""
		for _, name := range producedParts(selected.LogEntry) {
			q.futureParts[name] = selected
		}
	}
	q.mu.Unlock()

	for _, e := range obsolete {
		log.Info("[replica=%s] %s is covered by a dropped range, skipping it", q.replica, e.LogEntry)
		if err := q.remove(ctx, zk, e); err != nil {
			log.Warn("[replica=%s] remove obsolete entry %s: %v", q.replica, e.Znode, err)
		}
	}
	return selected
}

func producedParts(e *models.LogEntry) []string {
	switch e.Type {
	case models.GetPart, models.MergeParts, models.MutatePart:
		return []string{e.NewPartName}
	case models.ReplaceRange:
		if e.Replace != nil {
			return e.Replace.NewPartNames
		}
	}
	return nil
}

// isObsoleteLocked reports entries whose result is already covered by a
// fake drop range.
func (q *Queue) isObsoleteLocked(e *QueueEntry) bool {
	if !e.ProducesPart() {
		return false
	}
	info, err := models.ParsePartName(e.NewPartName)
	if err != nil {
		return false
	}
	c, ok := q.virtualParts.ContainingPart(info)
	return ok && c.IsFakeDropRange()
}

func (q *Queue) postponeReasonLocked(e *QueueEntry, mergeAllowed func() bool) string {
	switch e.Type {
	case models.GetPart, models.MergeParts, models.MutatePart:
		info, err := models.ParsePartName(e.NewPartName)
		if err != nil {
			return ""
		}
		for name, other := range q.futureParts {
			fi, err := models.ParsePartName(name)
			if err != nil || other == e {
				continue
			}
			if fi.Intersects(info) {
				return "a future part " + name + " intersects " + e.NewPartName
			}
		}
		if e.Type == models.GetPart {
			return ""
		}
		for _, src := range e.SourceParts {
			if other := q.producerOfLocked(src, e); other != nil {
				return "source part " + src + " is not ready yet (" + other.Znode + ")"
			}
		}
		if mergeAllowed != nil && !mergeAllowed() {
			return "no free workers for merges"
		}
	case models.DropRange, models.ReplaceRange:
		rangeName := e.NewPartName
		if e.Type == models.ReplaceRange && e.Replace != nil {
			rangeName = e.Replace.DropRangePartName
		}
		dropRange, err := models.ParsePartName(rangeName)
		if err != nil {
			return ""
		}
		for name := range q.futureParts {
			fi, err := models.ParsePartName(name)
			if err == nil && dropRange.Contains(fi) {
				return "part " + name + " in the dropped range is being produced"
			}
		}
	case models.ClearColumn:
		dropRange, err := models.ParsePartName(e.NewPartName)
		if err != nil {
			return ""
		}
		for name := range q.futureParts {
			fi, err := models.ParsePartName(name)
			if err == nil && dropRange.Intersects(fi) {
				return "part " + name + " in the cleared range is being produced"
			}
		}
	}
	return ""
}

// producerOfLocked returns another queued entry that produces part.
func (q *Queue) producerOfLocked(part string, except *QueueEntry) *QueueEntry {
	for _, other := range q.entries {
		if other == except || !other.ProducesPart() {
			continue
		}
		if other.NewPartName == part {
			return other
		}
	}
	return nil
}

// Finish ends the execution of e. On success the queue node is removed; on
// failure the entry goes to the back of the queue and is retried after an
// exponential backoff.
func (q *Queue) Finish(ctx context.Context, zk coordination.Client, e *QueueEntry, execErr error) error {
	if execErr == nil {
		return q.remove(ctx, zk, e)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(e)
	e.LastException = execErr.Error()
	e.nextAttempt = q.now().Add(e.backoff.NextBackOff())
	for i, other := range q.entries {
		if other == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.entries = append(q.entries, e)
			break
		}
	}
	return nil
}

// Postpone gives e back without counting a failure.
func (q *Queue) Postpone(e *QueueEntry, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(e)
	e.NumTries--
	e.NumPostponed++
	e.PostponeReason = reason
	e.LastPostpone = q.now()
	e.nextAttempt = q.now().Add(q.settings.QueueBackoffInitial)
}

func (q *Queue) releaseLocked(e *QueueEntry) {
	e.currentlyExecuting = false
	for name, owner := range q.futureParts {
		if owner == e {
			delete(q.futureParts, name)
		}
	}
}

func (q *Queue) remove(ctx context.Context, zk coordination.Client, e *QueueEntry) error {
	err := zk.Delete(ctx, q.paths.queueEntry(e.Znode), coordination.AnyVersion)
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		q.mu.Lock()
		q.releaseLocked(e)
		q.mu.Unlock()
		return errors.Wrapf(classify(err), "remove queue entry %s", e.Znode)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(e)
	q.removeFromMemoryLocked(e)
	return nil
}

func (q *Queue) removeFromMemoryLocked(e *QueueEntry) {
	for i, other := range q.entries {
		if other == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	q.notifyLocked()
	q.reportLocked()
}

func (q *Queue) notifyLocked() {
	close(q.shrunk)
	q.shrunk = make(chan struct{})
}

// RemovePartProducingOpsInRange drops every idle entry producing a part
// inside dropRange. Entries that are executing are left alone; selection
// keeps the drop waiting for them.
func (q *Queue) RemovePartProducingOpsInRange(ctx context.Context, zk coordination.Client, dropRange models.PartInfo,
	except *QueueEntry,
) error {
	q.mu.Lock()
	var victims []*QueueEntry
	for _, e := range q.entries {
		if e == except || e.currentlyExecuting || !e.ProducesPart() {
			continue
		}
		info, err := models.ParsePartName(e.NewPartName)
		if err != nil {
			continue
		}
		if dropRange.Contains(info) {
			victims = append(victims, e)
		}
	}
	q.mu.Unlock()

	for _, e := range victims {
		if err := q.remove(ctx, zk, e); err != nil {
			return err
		}
	}
	if len(victims) > 0 {
		log.Info("[replica=%s] removed %d queue entries producing parts in %s", q.replica, len(victims), dropRange)
	}
	return nil
}

// RemoveGetPartEntries drops idle GET entries for part; used when a part
// turns out to be lost on every replica.
func (q *Queue) RemoveGetPartEntries(ctx context.Context, zk coordination.Client, part string) error {
	q.mu.Lock()
	var victims []*QueueEntry
	for _, e := range q.entries {
		if e.Type == models.GetPart && e.NewPartName == part && !e.currentlyExecuting {
			victims = append(victims, e)
		}
	}
	q.mu.Unlock()
	for _, e := range victims {
		if err := q.remove(ctx, zk, e); err != nil {
			return err
		}
	}
	return nil
}

// HasGetFor reports whether a GET for part is queued.
func (q *Queue) HasGetFor(part string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Type == models.GetPart && e.NewPartName == part {
			return true
		}
	}
	return false
}

// VirtualPartFor returns the virtual part containing part, or "".
func (q *Queue) VirtualPartFor(part string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.virtualParts.ContainingPartName(part)
}

// AddVirtualParts records parts produced outside the queue (local inserts).
func (q *Queue) AddVirtualParts(names ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range names {
		_, _ = q.virtualParts.AddName(n)
	}
}

// VirtualParts returns the current virtual part names.
func (q *Queue) VirtualParts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.virtualParts.Names()
}

// IsFuturePart reports whether part is being produced right now.
func (q *Queue) IsFuturePart(part string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.futureParts[part]
	return ok
}

// Entries returns snapshots in queue order.
func (q *Queue) Entries() []QueueEntryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntryStatus, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, QueueEntryStatus{
			Znode:                e.Znode,
			Type:                 string(e.Type),
			CreateTime:           e.CreateTime,
			SourceReplica:        e.SourceReplica,
			NewPartName:          e.NewPartName,
			SourceParts:          append([]string(nil), e.SourceParts...),
			IsCurrentlyExecuting: e.currentlyExecuting,
			NumTries:             e.NumTries,
			LastException:        e.LastException,
			LastAttemptTime:      e.LastAttempt,
			NumPostponed:         e.NumPostponed,
			PostponeReason:       e.PostponeReason,
			LastPostponeTime:     e.LastPostpone,
		})
	}
	return out
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) LogPointer() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.logPointer
}

// Contains reports whether the entry copied from logName is still queued
// or not yet pulled.
func (q *Queue) Contains(logIdx int64, match func(*models.LogEntry) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if logIdx >= q.logPointer {
		return true
	}
	for _, e := range q.entries {
		if match(e.LogEntry) {
			return true
		}
	}
	return false
}

// NextAttemptIn returns how long until a postponed entry becomes eligible.
func (q *Queue) NextAttemptIn(max time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	wait := max
	for _, e := range q.entries {
		if e.currentlyExecuting {
			continue
		}
		d := e.nextAttempt.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}

// CountMergesAndMutations returns idle and executing merge-like entries.
func (q *Queue) CountMergesAndMutations() (merges, mutations int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		switch e.Type {
		case models.MergeParts:
			merges++
		case models.MutatePart:
			mutations++
		}
	}
	return merges, mutations
}

// Status summarizes the queue.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{
		FutureParts:     len(q.futureParts),
		QueueSize:       len(q.entries),
		LogPointer:      q.logPointer,
		LastQueueUpdate: q.lastQueueUpdate,
	}
	older := func(t, than time.Time) bool { return than.IsZero() || t.Before(than) }
	for _, e := range q.entries {
		if older(e.CreateTime, st.QueueOldestTime) {
			st.QueueOldestTime = e.CreateTime
		}
		switch e.Type {
		case models.GetPart:
			st.InsertsInQueue++
			if older(e.CreateTime, st.InsertsOldestTime) {
				st.InsertsOldestTime = e.CreateTime
				st.OldestPartToGet = e.NewPartName
			}
		case models.MergeParts:
			st.MergesInQueue++
			if older(e.CreateTime, st.MergesOldestTime) {
				st.MergesOldestTime = e.CreateTime
				st.OldestPartToMergeTo = e.NewPartName
			}
		case models.MutatePart:
			st.PartMutationsInQueue++
			if older(e.CreateTime, st.PartMutationsOldestTime) {
				st.PartMutationsOldestTime = e.CreateTime
				st.OldestPartToMutateTo = e.NewPartName
			}
		}
	}
	return st
}

// AbsoluteDelay is the age of the oldest queued entry, or zero.
func (q *Queue) AbsoluteDelay() time.Duration {
	st := q.Status()
	if st.QueueOldestTime.IsZero() {
		return 0
	}
	d := q.now().Sub(st.QueueOldestTime)
	if d < 0 {
		return 0
	}
	return d
}

// WaitForShrinking blocks until at most maxSize entries remain.
func (q *Queue) WaitForShrinking(ctx context.Context, maxSize int) error {
	for {
		q.mu.Lock()
		size := len(q.entries)
		ch := q.shrunk
		q.mu.Unlock()
		if size <= maxSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrAborted, ctx.Err().Error())
		case <-ch:
		}
	}
}

// WaitForEntry blocks until no queued entry satisfies match.
func (q *Queue) WaitForEntry(ctx context.Context, match func(*models.LogEntry) bool) error {
	for {
		q.mu.Lock()
		found := false
		for _, e := range q.entries {
			if match(e.LogEntry) {
				found = true
				break
			}
		}
		ch := q.shrunk
		q.mu.Unlock()
		if !found {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrAborted, ctx.Err().Error())
		case <-ch:
		}
	}
}

func (q *Queue) reportLocked() {
	counts := map[models.LogEntryType]int{
		models.GetPart: 0, models.MergeParts: 0, models.MutatePart: 0,
		models.DropRange: 0, models.ReplaceRange: 0, models.ClearColumn: 0,
	}
	for _, e := range q.entries {
		counts[e.Type]++
	}
	for t, n := range counts {
		metrics.QueueSize.WithLabelValues(q.replica, string(t)).Set(float64(n))
	}
}
