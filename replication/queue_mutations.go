package replication

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// MutationStatus describes the progress of one mutation on this replica.
type MutationStatus struct {
	ID           string                   `json:"id"`
	Commands     []models.MutationCommand `json:"commands"`
	CreateTime   time.Time                `json:"create_time"`
	BlockNumbers map[string]int64         `json:"block_numbers"`
	PartsToDo    []string                 `json:"parts_to_do"`
	IsDone       bool                     `json:"is_done"`
}

// UpdateMutations syncs the registry with /mutations. Mutations that
// disappeared before being finished were killed: their idle MUTATE entries
// are removed from the queue.
func (q *Queue) UpdateMutations(ctx context.Context, zk coordination.Client) (bool, error) {
	ids, err := zk.Children(ctx, q.paths.mutations())
	if err != nil {
		return false, errors.Wrap(classify(err), "list mutations")
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}

	q.mu.Lock()
	var fresh []string
	for _, id := range ids {
		if _, ok := q.mutations[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	var gone []*models.MutationEntry
	for id, m := range q.mutations {
		if !present[id] {
			gone = append(gone, m)
		}
	}
	q.mu.Unlock()

	loaded := make([]*models.MutationEntry, 0, len(fresh))
	for _, id := range fresh {
		data, _, err := zk.Get(ctx, q.paths.mutation(id))
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return false, errors.Wrapf(classify(err), "read mutation %s", id)
		}
		m := &models.MutationEntry{}
		if err := models.Decode(data, m); err != nil {
			return false, errors.Wrapf(err, "decode mutation %s", id)
		}
		m.ID = id
		loaded = append(loaded, m)
	}

	q.mu.Lock()
	for _, m := range loaded {
		q.mutations[m.ID] = m
		for partition, version := range m.BlockNumbers {
			byVersion, ok := q.mutationsByPartition[partition]
			if !ok {
				byVersion = map[int64]*models.MutationEntry{}
				q.mutationsByPartition[partition] = byVersion
			}
			byVersion[version] = m
		}
	}
	var killed []*QueueEntry
	for _, m := range gone {
		delete(q.mutations, m.ID)
		for partition, version := range m.BlockNumbers {
			delete(q.mutationsByPartition[partition], version)
		}
		if m.ID <= q.mutationPointer {
			// finished and cleaned up
			continue
		}
		for _, e := range q.entries {
			if e.Type != models.MutatePart || e.currentlyExecuting {
				continue
			}
			info, err := models.ParsePartName(e.NewPartName)
			if err != nil {
				continue
			}
			if v, ok := m.VersionFor(info.Partition); ok && v == info.Mutation {
				killed = append(killed, e)
			}
		}
	}
	q.mu.Unlock()

	for _, e := range killed {
		log.Info("[replica=%s] mutation of %s was killed, removing %s", q.replica, e.NewPartName, e.Znode)
		if err := q.remove(ctx, zk, e); err != nil {
			return true, err
		}
	}
	return len(loaded) > 0 || len(gone) > 0, nil
}

// DesiredMutationVersion returns the lowest mutation version that has to
// be applied to part next.
func (q *Queue) DesiredMutationVersion(part models.PartInfo) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.desiredMutationVersionLocked(part)
}

func (q *Queue) desiredMutationVersionLocked(part models.PartInfo) (int64, bool) {
	best, found := int64(0), false
	for version := range q.mutationsByPartition[part.Partition] {
		if version <= part.DataVersion() {
			continue
		}
		if !found || version < best {
			best, found = version, true
		}
	}
	return best, found
}

// MutationCommands returns the commands of the mutation with version in
// the partition of part.
func (q *Queue) MutationCommands(part models.PartInfo, version int64) ([]models.MutationCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.mutationsByPartition[part.Partition][version]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMutation, "version %d in partition %s", version, part.Partition)
	}
	return m.Commands, nil
}

// HasMutation reports whether the mutation id is registered.
func (q *Queue) HasMutation(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.mutations[id]
	return ok
}

// MutationsStatus reports every registered mutation against parts.
func (q *Queue) MutationsStatus(parts []models.PartInfo) []MutationStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.mutations))
	for id := range q.mutations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]MutationStatus, 0, len(ids))
	for _, id := range ids {
		m := q.mutations[id]
		todo := partsToMutate(m, parts)
		out = append(out, MutationStatus{
			ID:           id,
			Commands:     m.Commands,
			CreateTime:   m.CreateTime,
			BlockNumbers: m.BlockNumbers,
			PartsToDo:    todo,
			IsDone:       id <= q.mutationPointer || len(todo) == 0,
		})
	}
	return out
}

func partsToMutate(m *models.MutationEntry, parts []models.PartInfo) []string {
	var todo []string
	for _, p := range parts {
		if v, ok := m.VersionFor(p.Partition); ok && p.DataVersion() < v {
			todo = append(todo, p.Name())
		}
	}
	return todo
}

// FinalizeMutations advances /replicas/<r>/mutation_pointer over every
// mutation in id order that no local part still needs.
func (q *Queue) FinalizeMutations(ctx context.Context, zk coordination.Client, parts []models.PartInfo) (int, error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.mutations))
	for id := range q.mutations {
		if id > q.mutationPointer {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	pointer := q.mutationPointer
	done := 0
	for _, id := range ids {
		if len(partsToMutate(q.mutations[id], parts)) > 0 {
			break
		}
		pointer = id
		done++
	}
	q.mu.Unlock()

	if done == 0 {
		return 0, nil
	}
	if _, err := zk.Set(ctx, q.paths.mutationPointer(), []byte(pointer), coordination.AnyVersion); err != nil {
		return 0, errors.Wrap(classify(err), "advance mutation pointer")
	}
	q.mu.Lock()
	if pointer > q.mutationPointer {
		q.mutationPointer = pointer
	}
	q.mu.Unlock()
	log.Info("[replica=%s] %d mutations done, mutation pointer %s", q.replica, done, pointer)
	return done, nil
}

// MutationPointer returns the id of the last finished mutation.
func (q *Queue) MutationPointer() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mutationPointer
}
