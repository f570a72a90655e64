package replication

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/catalog"
	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/exchange"
	"github.com/alpacahq/replicatedtree/executor"
	"github.com/alpacahq/replicatedtree/metrics"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
	"github.com/alpacahq/replicatedtree/utils/pool"
)

const localMetadataFile = "metadata.msgpack"

// Config identifies a replica and its table.
type Config struct {
	ZooKeeperPath string
	ReplicaName   string
	// Address is where peers reach this replica's part exchange endpoint.
	Address  models.ReplicaAddress
	Metadata models.TableMetadata
	Settings Settings
}

// Deps are the collaborators a replica is built from. Server may be nil
// when parts are served by some other process.
type Deps struct {
	Factory     coordination.Factory
	Parts       *catalog.Directory
	Transformer executor.Transformer
	Client      *exchange.Client
	Server      *exchange.Server
	Workers     *pool.Pool
}

// Replica is one replica of a replicated table: the local part set kept in
// sync with every other replica through the shared log.
type Replica struct {
	cfg      Config
	settings Settings
	paths    tablePaths
	prefix   string
	// instanceID tells this process's is_active node from a stale one.
	instanceID string

	factory     coordination.Factory
	parts       *catalog.Directory
	transformer executor.Transformer
	client      *exchange.Client
	server      *exchange.Server
	workers     *pool.Pool

	queue      *Queue
	blocks     blockAllocator
	quorum     quorumCoordinator
	fetcher    *fetcher
	checker    *partChecker
	nodesCache *existingNodesCache

	queueUpdating     *repeatingTask
	mergeSelecting    *repeatingTask
	cleanupTask       *repeatingTask
	partCheckTask     *repeatingTask
	alterWatching     *repeatingTask
	mutationFinishing *repeatingTask
	executorWake      *channels.RingChannel

	mu       sync.RWMutex
	sess     *session
	state    atomic.Int32
	readonly atomic.Bool
	leader   atomic.Bool

	metadataMu      sync.RWMutex
	metadata        models.TableMetadata
	metadataVersion int32

	mergeSelectingMu sync.Mutex
	queueWatchArmed  atomic.Bool
	alterWatchArmed  atomic.Bool

	lifetime context.Context
	stop     context.CancelFunc
	bg       sync.WaitGroup
	started  bool
}

func NewReplica(cfg Config, deps Deps) (*Replica, error) {
	if cfg.ZooKeeperPath == "" || cfg.ReplicaName == "" {
		return nil, errors.Wrap(ErrBadArguments, "zookeeper path and replica name are required")
	}
	if deps.Factory == nil || deps.Parts == nil {
		return nil, errors.Wrap(ErrBadArguments, "coordination factory and part directory are required")
	}
	settings := cfg.Settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Transformer == nil {
		deps.Transformer = executor.NewRowTransformer(cfg.Metadata.OrderBy)
	}
	if deps.Client == nil {
		deps.Client = exchange.NewClient(nil, exchange.ClientConfig{Timeout: settings.FetchTimeout})
	}
	if deps.Workers == nil {
		deps.Workers = pool.NewPool(16)
	}

	paths := newTablePaths(cfg.ZooKeeperPath, cfg.ReplicaName)
	cfg.Address.ZooKeeperPath = paths.table
	cfg.Address.ReplicaName = cfg.ReplicaName

	r := &Replica{
		cfg:         cfg,
		settings:    settings,
		paths:       paths,
		prefix:      "[replica=" + cfg.ReplicaName + "] ",
		instanceID:  uuid.New().String(),
		factory:     deps.Factory,
		parts:       deps.Parts,
		transformer: deps.Transformer,
		client:      deps.Client,
		server:      deps.Server,
		workers:     deps.Workers,
		queue:       NewQueue(paths, settings),
		blocks:      blockAllocator{paths: paths},
		quorum:      quorumCoordinator{paths: paths, replica: cfg.ReplicaName},
		nodesCache:  newExistingNodesCache(),
		metadata:    cfg.Metadata,
	}
	r.fetcher = newFetcher(r)
	r.checker = newPartChecker(r)
	r.state.Store(int32(StateSessionLost))
	r.readonly.Store(true)

	jitter := settings.TaskJitter
	r.queueUpdating = newRepeatingTask("queue updating", settings.QueueUpdatePeriod, 0, settings, r.queueUpdatingPass)
	r.mergeSelecting = newRepeatingTask("merge selecting", settings.MergeSelectingPeriod, jitter, settings, r.mergeSelectingPass)
	r.cleanupTask = newRepeatingTask("cleanup", settings.CleanupPeriod, jitter, settings, r.cleanupPass)
	r.partCheckTask = newRepeatingTask("part check", time.Second, jitter, settings, r.checker.runPending)
	r.alterWatching = newRepeatingTask("alter watching", settings.QueueUpdatePeriod, 0, settings, r.alterWatchingPass)
	r.mutationFinishing = newRepeatingTask("mutation finalizing", settings.MergeSelectingPeriod, jitter, settings,
		r.mutationFinalizingPass)
	r.executorWake = channels.NewRingChannel(1)

	if err := r.loadLocalMetadata(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) Name() string { return r.cfg.ReplicaName }

func (r *Replica) ZooKeeperPath() string { return r.paths.table }

func (r *Replica) ReplicaPath() string { return r.paths.replica }

func (r *Replica) Parts() *catalog.Directory { return r.parts }

func (r *Replica) Queue() *Queue { return r.queue }

func (r *Replica) IsLeader() bool { return r.leader.Load() }

func (r *Replica) IsReadonly() bool { return r.readonly.Load() }

func (r *Replica) SessionState() SessionState { return SessionState(r.state.Load()) }

func (r *Replica) Metadata() models.TableMetadata {
	r.metadataMu.RLock()
	defer r.metadataMu.RUnlock()
	return r.metadata
}

func (r *Replica) setState(s SessionState) {
	r.state.Store(int32(s))
	r.readonly.Store(s != StateActive)
	metrics.SessionState.WithLabelValues(r.cfg.ReplicaName).Set(float64(s))
	metrics.IsReadonly.WithLabelValues(r.cfg.ReplicaName).Set(metrics.BoolGauge(s != StateActive))
}

// currentSession returns the live session or ErrReadonly.
func (r *Replica) currentSession() (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sess == nil || r.SessionState() != StateActive {
		return nil, ErrReadonly
	}
	return r.sess, nil
}

// Startup joins the table: the table and replica nodes are created when
// missing, the local structure and parts are checked against the shared
// state, then the background work starts.
func (r *Replica) Startup(ctx context.Context) error {
	start := time.Now()
	if r.started {
		return errors.New("replica already started")
	}
	if r.server != nil {
		r.server.Register(r.paths.replica, r.parts)
	}

	var zk coordination.Client
	connect := NewRetryer(func(ctx context.Context) error {
		c, err := r.factory(ctx)
		if err != nil {
			return errors.Wrap(ErrRetryable, classify(err).Error())
		}
		zk = c
		return nil
	}, r.settings.RejoinInterval, r.settings.RejoinBackoffCoeff, r.settings.RejoinMaxAttempts)
	if err := connect.Run(ctx); err != nil {
		return errors.Wrap(err, "connect to the coordination store")
	}

	if err := r.createTableIfNotExists(ctx, zk); err != nil {
		_ = zk.Close()
		return err
	}
	if err := r.checkTableStructure(ctx, zk); err != nil {
		_ = zk.Close()
		return err
	}
	if err := r.createReplicaIfNotExists(ctx, zk); err != nil {
		_ = zk.Close()
		return err
	}
	if err := r.checker.CheckParts(ctx, zk, true); err != nil {
		_ = zk.Close()
		return err
	}
	r.checker.lastFull = time.Now()

	r.lifetime, r.stop = context.WithCancel(context.Background())
	if err := r.startSession(ctx, zk); err != nil {
		_ = zk.Close()
		r.stop()
		return err
	}
	r.started = true

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.runRestartingThread(r.lifetime)
	}()
	log.Info("%sstarted in %s", r.prefix, time.Since(start))
	return nil
}

// startSession activates the replica on zk and starts every session task.
func (r *Replica) startSession(ctx context.Context, zk coordination.Client) error {
	if err := r.activate(ctx, zk); err != nil {
		return err
	}
	registered, err := zk.Children(ctx, r.paths.parts())
	if err != nil {
		return errors.Wrap(classify(err), "list registered parts")
	}
	if err := r.queue.Load(ctx, zk, registered); err != nil {
		return err
	}
	if _, err := r.queue.UpdateMutations(ctx, zk); err != nil {
		return err
	}
	if _, err := r.queue.PullLogsToQueue(ctx, zk); err != nil {
		return err
	}
	r.nodesCache.clear()

	s := newSession(r.lifetime, zk)
	r.mu.Lock()
	r.sess = s
	r.mu.Unlock()
	r.setState(StateActive)

	s.goTask(func(ctx context.Context) { r.queueUpdating.Run(ctx, r.prefix) })
	s.goTask(func(ctx context.Context) { r.runQueueExecutor(s) })
	s.goTask(func(ctx context.Context) { r.runLeaderElection(ctx, zk) })
	s.goTask(func(ctx context.Context) { r.mergeSelecting.Run(ctx, r.prefix) })
	s.goTask(func(ctx context.Context) { r.cleanupTask.Run(ctx, r.prefix) })
	s.goTask(func(ctx context.Context) { r.partCheckTask.Run(ctx, r.prefix) })
	s.goTask(func(ctx context.Context) { r.alterWatching.Run(ctx, r.prefix) })
	s.goTask(func(ctx context.Context) { r.mutationFinishing.Run(ctx, r.prefix) })
	return nil
}

// activate publishes is_active and host for this session.
func (r *Replica) activate(ctx context.Context, zk coordination.Client) error {
	exists, stat, err := zk.Exists(ctx, r.paths.isActive())
	if err != nil {
		return errors.Wrap(classify(err), "check is_active")
	}
	if exists && stat.EphemeralOwner != zk.SessionID() {
		data, _, err := zk.Get(ctx, r.paths.isActive())
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return errors.Wrap(classify(err), "read is_active")
		}
		if string(data) != r.instanceID {
			// another process with this replica name, or its session has not expired yet
			return errors.Wrapf(ErrRetryable, "replica %s appears to be already active", r.cfg.ReplicaName)
		}
		if err := zk.Delete(ctx, r.paths.isActive(), coordination.AnyVersion); err != nil &&
			!errors.Is(err, coordination.ErrNoNode) {
			return errors.Wrap(classify(err), "remove stale is_active")
		}
	}
	host, err := models.Encode(r.cfg.Address)
	if err != nil {
		return err
	}
	ops := []coordination.Op{coordination.NewSet(r.paths.host(), host, coordination.AnyVersion)}
	if !exists || stat.EphemeralOwner != zk.SessionID() {
		ops = append(ops, coordination.NewCreate(r.paths.isActive(), []byte(r.instanceID), coordination.Ephemeral))
	}
	_, err = zk.Multi(ctx, ops...)
	if err != nil {
		if errors.Is(err, coordination.ErrNodeExists) {
			return errors.Wrapf(ErrRetryable, "replica %s appears to be already active", r.cfg.ReplicaName)
		}
		return errors.Wrap(classify(err), "activate replica")
	}
	return nil
}

// partialShutdown stops everything bound to the current session. The
// replica keeps serving its parts to peers.
func (r *Replica) partialShutdown() {
	r.mu.Lock()
	s := r.sess
	r.sess = nil
	r.mu.Unlock()
	r.readonly.Store(true)
	metrics.IsReadonly.WithLabelValues(r.cfg.ReplicaName).Set(1)
	if s == nil {
		return
	}
	s.stop()
	r.leader.Store(false)
	metrics.IsLeader.WithLabelValues(r.cfg.ReplicaName).Set(0)
	_ = s.zk.Close()
}

// Shutdown stops every background task. In-flight downloads finish first;
// new ones are refused while the replica winds down.
func (r *Replica) Shutdown() {
	if !r.started {
		return
	}
	if r.server != nil {
		r.server.Block(r.paths.replica, true)
	}
	r.stop()
	r.bg.Wait()
	r.partialShutdown()
	r.setState(StateSessionLost)
	r.workers.Wait()
	if r.server != nil {
		r.server.Unregister(r.paths.replica)
	}
	r.started = false
	log.Info("%sshut down", r.prefix)
}

// Drop removes the replica from the table and deletes its local data. The
// last replica removes the table.
func (r *Replica) Drop(ctx context.Context) error {
	r.Shutdown()
	zk, err := r.factory(ctx)
	if err != nil {
		return errors.Wrap(classify(err), "connect to drop replica")
	}
	defer zk.Close()
	if err := coordination.RemoveRecursive(ctx, zk, r.paths.replica); err != nil {
		return errors.Wrap(classify(err), "remove replica nodes")
	}
	replicas, err := zk.Children(ctx, r.paths.replicas())
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return errors.Wrap(classify(err), "list replicas")
	}
	if len(replicas) == 0 {
		log.Info("%slast replica dropped, removing table %s", r.prefix, r.paths.table)
		if err := coordination.RemoveRecursive(ctx, zk, r.paths.table); err != nil {
			return errors.Wrap(classify(err), "remove table nodes")
		}
	}
	return errors.Wrap(os.RemoveAll(r.parts.Root()), "remove local data")
}

func (r *Replica) createTableIfNotExists(ctx context.Context, zk coordination.Client) error {
	if err := coordination.CreateAncestors(ctx, zk, r.paths.table); err != nil {
		return errors.Wrap(classify(err), "create table ancestors")
	}
	for _, p := range r.paths.skeleton() {
		if err := coordination.CreateIfNotExists(ctx, zk, p, nil); err != nil {
			return errors.Wrapf(classify(err), "create %s", p)
		}
	}
	meta, err := models.Encode(r.Metadata())
	if err != nil {
		return err
	}
	_, err = zk.Create(ctx, r.paths.metadata(), meta, coordination.Persistent)
	if err != nil && !errors.Is(err, coordination.ErrNodeExists) {
		return errors.Wrap(classify(err), "create table metadata")
	}
	if err == nil {
		log.Info("%screated table %s", r.prefix, r.paths.table)
	}
	return nil
}

// checkTableStructure compares the local structure with /metadata.
func (r *Replica) checkTableStructure(ctx context.Context, zk coordination.Client) error {
	data, stat, err := zk.Get(ctx, r.paths.metadata())
	if err != nil {
		return errors.Wrap(classify(err), "read table metadata")
	}
	shared := models.TableMetadata{}
	if err := models.Decode(data, &shared); err != nil {
		return errors.Wrap(err, "decode table metadata")
	}
	local := r.Metadata()
	if err := local.Diff(&shared); err != nil {
		return errors.Wrap(ErrStructureMismatch, err.Error())
	}
	r.metadataMu.Lock()
	r.metadataVersion = stat.Version
	r.metadataMu.Unlock()
	return nil
}

// createReplicaIfNotExists registers a new replica. When other replicas
// exist, their log pointer and parts are cloned: every part of the source
// becomes a GET entry of the new replica's queue.
func (r *Replica) createReplicaIfNotExists(ctx context.Context, zk coordination.Client) error {
	exists, _, err := zk.Exists(ctx, r.paths.replica)
	if err != nil {
		return errors.Wrap(classify(err), "check replica")
	}
	if exists {
		return nil
	}

	pointer, mutationPointer, cloned, err := r.cloneSource(ctx, zk)
	if err != nil {
		return err
	}

	r.metadataMu.RLock()
	metaVersion := strconv.Itoa(int(r.metadataVersion))
	r.metadataMu.RUnlock()
	host, err := models.Encode(r.cfg.Address)
	if err != nil {
		return err
	}
	ops := []coordination.Op{
		coordination.NewCreate(r.paths.replica, nil, coordination.Persistent),
		coordination.NewCreate(r.paths.queue(), nil, coordination.Persistent),
		coordination.NewCreate(r.paths.parts(), nil, coordination.Persistent),
		coordination.NewCreate(r.paths.host(), host, coordination.Persistent),
		coordination.NewCreate(r.paths.logPointer(), []byte(strconv.FormatInt(pointer, 10)), coordination.Persistent),
		coordination.NewCreate(r.paths.mutationPointer(), []byte(mutationPointer), coordination.Persistent),
		coordination.NewCreate(r.paths.metadataVersion(), []byte(metaVersion), coordination.Persistent),
	}
	for _, data := range cloned {
		ops = append(ops, coordination.NewCreate(r.paths.queue()+"/"+queuePrefix, data, coordination.PersistentSequential))
	}
	if _, err := zk.Multi(ctx, ops...); err != nil {
		if errors.Is(err, coordination.ErrNodeExists) {
			return errors.Wrapf(ErrBadArguments, "replica %s is being created concurrently", r.cfg.ReplicaName)
		}
		return errors.Wrap(classify(err), "create replica")
	}
	log.Info("%screated replica, log pointer %d, %d cloned entries", r.prefix, pointer, len(cloned))
	return nil
}

// cloneSource picks an existing replica (an active one if possible) and
// returns the pointers and queue payloads the new replica starts from.
func (r *Replica) cloneSource(ctx context.Context, zk coordination.Client) (int64, string, [][]byte, error) {
	replicas, err := zk.Children(ctx, r.paths.replicas())
	if err != nil {
		return 0, "", nil, errors.Wrap(classify(err), "list replicas")
	}
	source := ""
	for _, name := range replicas {
		if name == r.cfg.ReplicaName {
			continue
		}
		active, _, err := zk.Exists(ctx, r.paths.replicaOf(name)+"/is_active")
		if err != nil {
			return 0, "", nil, errors.Wrap(classify(err), "check replica activity")
		}
		if source == "" || active {
			source = name
		}
		if active {
			break
		}
	}
	if source == "" {
		return r.lowestLogIndex(ctx, zk)
	}

	srcPath := r.paths.replicaOf(source)
	ptrData, _, err := zk.Get(ctx, srcPath+"/log_pointer")
	if err != nil {
		return 0, "", nil, errors.Wrap(classify(err), "read source log pointer")
	}
	pointer, _ := strconv.ParseInt(string(ptrData), 10, 64)
	mutationPointer, _, err := zk.Get(ctx, srcPath+"/mutation_pointer")
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return 0, "", nil, errors.Wrap(classify(err), "read source mutation pointer")
	}

	var cloned [][]byte
	parts, err := zk.Children(ctx, srcPath+"/parts")
	if err != nil {
		return 0, "", nil, errors.Wrap(classify(err), "list source parts")
	}
	set, err := models.NewActivePartSet(parts...)
	if err != nil {
		return 0, "", nil, err
	}
	for _, name := range set.Names() {
		entry := &models.LogEntry{
			Type:          models.GetPart,
			SourceReplica: source,
			CreateTime:    time.Now(),
			NewPartName:   name,
		}
		data, err := entry.Encode()
		if err != nil {
			return 0, "", nil, err
		}
		cloned = append(cloned, data)
	}
	queue, err := zk.Children(ctx, srcPath+"/queue")
	if err != nil {
		return 0, "", nil, errors.Wrap(classify(err), "list source queue")
	}
	for _, name := range sortedNames(queue) {
		data, _, err := zk.Get(ctx, srcPath+"/queue/"+name)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return 0, "", nil, errors.Wrap(classify(err), "read source queue entry")
		}
		cloned = append(cloned, data)
	}
	log.Info("%scloning replica %s: %d parts, %d queue entries", r.prefix, source, set.Size(), len(queue))
	return pointer, string(mutationPointer), cloned, nil
}

func (r *Replica) lowestLogIndex(ctx context.Context, zk coordination.Client) (int64, string, [][]byte, error) {
	names, err := zk.Children(ctx, r.paths.log())
	if err != nil {
		return 0, "", nil, errors.Wrap(classify(err), "list log")
	}
	lowest := int64(-1)
	for _, n := range names {
		if idx, ok := logIndex(n); ok && (lowest < 0 || idx < lowest) {
			lowest = idx
		}
	}
	if lowest < 0 {
		lowest = 0
	}
	return lowest, "", nil, nil
}

func (r *Replica) loadLocalMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.parts.Root(), localMetadataFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read local metadata")
	}
	m := models.TableMetadata{}
	if err := models.Decode(data, &m); err != nil {
		return errors.Wrap(err, "decode local metadata")
	}
	r.metadataMu.Lock()
	r.metadata = m
	r.metadataMu.Unlock()
	return nil
}

func (r *Replica) storeLocalMetadata(m models.TableMetadata) error {
	data, err := models.Encode(m)
	if err != nil {
		return err
	}
	tmp := filepath.Join(r.parts.Root(), localMetadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write local metadata")
	}
	return errors.Wrap(os.Rename(tmp, filepath.Join(r.parts.Root(), localMetadataFile)), "store local metadata")
}
