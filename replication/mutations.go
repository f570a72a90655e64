package replication

import (
	"context"
	"path"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/executor"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

func (r *Replica) validateMutation(cmds []models.MutationCommand) error {
	if len(cmds) == 0 {
		return errors.New("empty mutation")
	}
	meta := r.Metadata()
	for _, cmd := range cmds {
		if _, err := executor.CompilePredicate(cmd.Predicate); err != nil {
			return err
		}
		switch cmd.Type {
		case models.MutationDelete:
		case models.MutationUpdate:
			if cmd.Column == "" {
				return errors.New("UPDATE needs a column")
			}
			if len(meta.Columns) > 0 && !meta.HasColumn(cmd.Column) {
				return errors.Errorf("no column %q in table", cmd.Column)
			}
			if cmd.Column == meta.OrderBy {
				return errors.Errorf("cannot update sorting key column %q", cmd.Column)
			}
		default:
			return errors.Errorf("unknown mutation command %q", cmd.Type)
		}
	}
	return nil
}

// Mutate registers a mutation of every partition. Each partition gets a
// block number: parts below it are rewritten by MUTATE_PART entries the
// leader proposes, newer inserts are unaffected. The mutation id is
// returned immediately; MutationsStatus reports progress.
func (r *Replica) Mutate(ctx context.Context, cmds []models.MutationCommand) (string, error) {
	s, err := r.currentSession()
	if err != nil {
		return "", err
	}
	if err := r.validateMutation(cmds); err != nil {
		return "", errors.Wrap(ErrBadArguments, err.Error())
	}
	zk := s.zk
	partitions, err := r.blocks.Partitions(ctx, zk)
	if err != nil {
		return "", err
	}
	locks, err := r.blocks.AllocateInAllPartitions(ctx, zk, partitions)
	if err != nil {
		return "", err
	}
	entry := models.MutationEntry{
		Commands:      cmds,
		CreateTime:    time.Now(),
		SourceReplica: r.cfg.ReplicaName,
		BlockNumbers:  make(map[string]int64, len(locks)),
	}
	var unlock []coordination.Op
	for p, l := range locks {
		entry.BlockNumbers[p] = l.Number
		unlock = append(unlock, l.UnlockOps()...)
	}
	data, err := models.Encode(entry)
	if err != nil {
		return "", err
	}
	ops := append([]coordination.Op{
		coordination.NewCreate(r.paths.mutations()+"/"+mutationPrefix, data, coordination.PersistentSequential),
	}, unlock...)
	results, err := zk.Multi(ctx, ops...)
	if err != nil {
		for _, l := range locks {
			_ = l.Unlock(ctx, zk)
		}
		return "", errors.Wrap(classify(err), "register mutation")
	}
	id := path.Base(results[0].Path)
	log.Info("%screated mutation %s over %d partitions", r.prefix, id, len(partitions))

	r.queueUpdating.Wake()
	return id, nil
}

// KillMutation removes a mutation that has not finished. Parts already
// mutated stay mutated.
func (r *Replica) KillMutation(ctx context.Context, id string) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	if err := s.zk.Delete(ctx, r.paths.mutation(id), coordination.AnyVersion); err != nil {
		if errors.Is(err, coordination.ErrNoNode) {
			return errors.Wrap(ErrUnknownMutation, id)
		}
		return errors.Wrapf(classify(err), "kill mutation %s", id)
	}
	log.Warn("%skilled mutation %s", r.prefix, id)
	if _, err := r.queue.UpdateMutations(ctx, s.zk); err != nil {
		return err
	}
	r.mergeSelecting.Wake()
	return nil
}

// MutationsStatus reports every known mutation against the local parts.
func (r *Replica) MutationsStatus() []MutationStatus {
	parts := r.parts.Parts()
	infos := make([]models.PartInfo, len(parts))
	for i, p := range parts {
		infos[i] = p.Info
	}
	return r.queue.MutationsStatus(infos)
}

// AlterCommand changes the table structure. Dropped columns are cleared in
// every partition before the new structure is published.
type AlterCommand struct {
	AddColumns  []models.Column   `json:"add_columns,omitempty"`
	DropColumns []string          `json:"drop_columns,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

func (c AlterCommand) apply(m models.TableMetadata) (models.TableMetadata, error) {
	out := m
	out.Columns = append([]models.Column(nil), m.Columns...)
	for _, col := range c.AddColumns {
		if col.Name == "" {
			return m, errors.New("column name is empty")
		}
		if out.HasColumn(col.Name) {
			return m, errors.Errorf("column %q already exists", col.Name)
		}
		out.Columns = append(out.Columns, col)
	}
	for _, name := range c.DropColumns {
		if !out.HasColumn(name) {
			return m, errors.Errorf("no column %q in table", name)
		}
		if name == out.OrderBy {
			return m, errors.Errorf("cannot drop sorting key column %q", name)
		}
		kept := out.Columns[:0:0]
		for _, col := range out.Columns {
			if col.Name != name {
				kept = append(kept, col)
			}
		}
		out.Columns = kept
	}
	if len(c.Settings) > 0 {
		settings := make(map[string]string, len(m.Settings)+len(c.Settings))
		for k, v := range m.Settings {
			settings[k] = v
		}
		for k, v := range c.Settings {
			settings[k] = v
		}
		out.Settings = settings
	}
	return out, nil
}

// Alter publishes a new table structure under /metadata. Every replica
// adopts it from its alter watch. A concurrent alter makes this one fail
// with ErrRetryable.
func (r *Replica) Alter(ctx context.Context, cmd AlterCommand) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	zk := s.zk
	data, stat, err := zk.Get(ctx, r.paths.metadata())
	if err != nil {
		return errors.Wrap(classify(err), "read table metadata")
	}
	current := models.TableMetadata{}
	if err := models.Decode(data, &current); err != nil {
		return errors.Wrap(err, "decode table metadata")
	}
	next, err := cmd.apply(current)
	if err != nil {
		return errors.Wrap(ErrBadArguments, err.Error())
	}

	if len(cmd.DropColumns) > 0 {
		partitions, err := r.blocks.Partitions(ctx, zk)
		if err != nil {
			return err
		}
		for _, col := range cmd.DropColumns {
			for _, p := range partitions {
				if err := r.clearColumn(ctx, zk, p, col); err != nil {
					return errors.Wrapf(err, "clear column %s in %s", col, p)
				}
			}
		}
	}

	encoded, err := models.Encode(next)
	if err != nil {
		return err
	}
	newStat, err := zk.Set(ctx, r.paths.metadata(), encoded, stat.Version)
	if err != nil {
		if errors.Is(err, coordination.ErrBadVersion) {
			return errors.Wrap(ErrRetryable, "table structure changed concurrently")
		}
		return errors.Wrap(classify(err), "publish table metadata")
	}
	log.Info("%saltered table structure to version %d", r.prefix, newStat.Version)
	if err := r.adoptMetadata(ctx, zk, encoded, newStat.Version); err != nil {
		return err
	}
	if r.settings.AlterPartitionsSync != AlterSyncAll {
		return nil
	}
	return r.waitForMetadataVersion(ctx, zk, newStat.Version)
}

// waitForMetadataVersion blocks until every active replica has published
// version (or a later one) as its metadata_version.
func (r *Replica) waitForMetadataVersion(ctx context.Context, zk coordination.Client, version int32) error {
	replicas, err := r.activeReplicas(ctx, zk)
	if err != nil {
		return err
	}
	for _, name := range replicas {
		if name == r.cfg.ReplicaName {
			continue
		}
		p := r.paths.replicaOf(name) + "/metadata_version"
		for {
			data, _, watch, err := zk.GetW(ctx, p)
			if err != nil {
				return errors.Wrapf(classify(err), "read metadata version of %s", name)
			}
			if v, _ := strconv.Atoi(string(data)); int32(v) >= version {
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
	}
	return nil
}
