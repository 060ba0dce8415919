package vylog

import (
	"fmt"
	"sort"

	"github.com/ocx/boxd/internal/wal"
)

// indexNode mirrors the source's vy_index_recovery_info.
type indexNode struct {
	id             uint32
	iid            uint32
	spaceID        uint32
	path           string
	dropped        bool
	ranges         []*rangeNode // insertion order
	incompleteRuns []*runNode   // insertion order
}

// rangeNode mirrors vy_range_recovery_info. indexID is kept (unlike the
// source's intrusive list back-pointer) purely so GC can compute a
// run's data file path without walking the whole graph.
type rangeNode struct {
	id      uint64
	indexID uint32
	begin   []byte
	end     []byte
	deleted bool
	runs    []*runNode // newest-first
}

// runNode mirrors vy_run_recovery_info.
type runNode struct {
	id      uint64
	indexID uint32
	deleted bool
}

// Recovery holds the in-memory graph rebuilt by replaying the log, and
// is also the shape used for rotation/GC snapshots.
type Recovery struct {
	indexes map[uint32]*indexNode
	ranges  map[uint64]*rangeNode
	runs    map[uint64]*runNode
	maxSig  uint64
}

func newRecovery() *Recovery {
	return &Recovery{
		indexes: make(map[uint32]*indexNode),
		ranges:  make(map[uint64]*rangeNode),
		runs:    make(map[uint64]*runNode),
	}
}

// Recover replays every record with Signature < cap (the recovery cap)
// from the WAL file at path, mutating an in-memory hash triplet keyed
// by index_id/range_id/run_id. Processing any record either succeeds
// or leaves the recovery context unmutated — every allocation failure
// is detected before state is published into the maps.
func Recover(path string, cap uint64) (*Recovery, error) {
	r := newRecovery()
	err := wal.Replay(path, func(entry wal.Entry) error {
		records, err := unmarshalFrame(entry.Payload)
		if err != nil {
			return fmt.Errorf("vylog: recover: %w", err)
		}
		for _, raw := range records {
			rec, err := Decode(raw)
			if err != nil {
				return fmt.Errorf("vylog: recover: %w", err)
			}
			if rec.Signature >= cap {
				continue
			}
			if err := r.apply(rec); err != nil {
				return fmt.Errorf("vylog: recover: %w", err)
			}
			if rec.Signature > r.maxSig {
				r.maxSig = rec.Signature
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MaxSignature returns the highest signature observed during replay.
func (r *Recovery) MaxSignature() uint64 { return r.maxSig }

// MaxRunID returns the highest run id seen, for seeding Writer.nextRunID.
func (r *Recovery) MaxRunID() uint64 {
	var max uint64
	for id := range r.runs {
		if id > max {
			max = id
		}
	}
	return max
}

// MaxRangeID returns the highest range id seen, for seeding
// Writer.nextRangeID.
func (r *Recovery) MaxRangeID() uint64 {
	var max uint64
	for id := range r.ranges {
		if id > max {
			max = id
		}
	}
	return max
}

func (r *Recovery) apply(rec Record) error {
	switch rec.Type {
	case CreateIndex:
		return r.applyCreateIndex(rec)
	case DropIndex:
		return r.applyDropIndex(rec)
	case InsertRange:
		return r.applyInsertRange(rec)
	case DeleteRange:
		return r.applyDeleteRange(rec)
	case PrepareRun:
		return r.applyPrepareRun(rec)
	case InsertRun:
		return r.applyInsertRun(rec)
	case DeleteRun:
		return r.applyDeleteRun(rec)
	case ForgetRun:
		return r.applyForgetRun(rec)
	default:
		return fmt.Errorf("unknown record type %d", rec.Type)
	}
}

func (r *Recovery) applyCreateIndex(rec Record) error {
	if _, exists := r.indexes[rec.IndexID]; exists {
		return fmt.Errorf("create_index: duplicate index id %d", rec.IndexID)
	}
	r.indexes[rec.IndexID] = &indexNode{
		id: rec.IndexID, iid: rec.IID, spaceID: rec.SpaceID, path: rec.Path,
	}
	return nil
}

// applyDropIndex marks all of the index's ranges (cascading to their
// runs) and incomplete runs as deleted. An index with any live range
// or incomplete run survives its own drop in memory; it is released
// only when both lists are already empty.
func (r *Recovery) applyDropIndex(rec Record) error {
	idx, ok := r.indexes[rec.IndexID]
	if !ok {
		return fmt.Errorf("drop_index: unknown index id %d", rec.IndexID)
	}
	idx.dropped = true
	for _, rn := range idx.ranges {
		rn.deleted = true
		for _, run := range rn.runs {
			run.deleted = true
		}
	}
	for _, run := range idx.incompleteRuns {
		run.deleted = true
	}
	if len(idx.ranges) == 0 && len(idx.incompleteRuns) == 0 {
		delete(r.indexes, rec.IndexID)
	}
	return nil
}

func (r *Recovery) applyInsertRange(rec Record) error {
	idx, ok := r.indexes[rec.IndexID]
	if !ok {
		return fmt.Errorf("insert_range: unknown index id %d", rec.IndexID)
	}
	if _, exists := r.ranges[rec.RangeID]; exists {
		return fmt.Errorf("insert_range: duplicate range id %d", rec.RangeID)
	}
	rn := &rangeNode{id: rec.RangeID, indexID: idx.id, begin: rec.RangeBegin, end: rec.RangeEnd}
	r.ranges[rec.RangeID] = rn
	idx.ranges = append(idx.ranges, rn)
	return nil
}

// applyDeleteRange marks the range and all its runs as deleted; frees
// the range node iff it has no runs.
func (r *Recovery) applyDeleteRange(rec Record) error {
	rn, ok := r.ranges[rec.RangeID]
	if !ok {
		return fmt.Errorf("delete_range: unknown range id %d", rec.RangeID)
	}
	rn.deleted = true
	for _, run := range rn.runs {
		run.deleted = true
	}
	if len(rn.runs) == 0 {
		delete(r.ranges, rec.RangeID)
	}
	return nil
}

func (r *Recovery) applyPrepareRun(rec Record) error {
	idx, ok := r.indexes[rec.IndexID]
	if !ok {
		return fmt.Errorf("prepare_run: unknown index id %d", rec.IndexID)
	}
	if _, exists := r.runs[rec.RunID]; exists {
		return fmt.Errorf("prepare_run: duplicate run id %d", rec.RunID)
	}
	run := &runNode{id: rec.RunID, indexID: idx.id}
	r.runs[rec.RunID] = run
	idx.incompleteRuns = append(idx.incompleteRuns, run)
	return nil
}

// applyInsertRun moves a run (creating it if necessary) from whatever
// index's incomplete list it was on into range.runs, newest-at-head.
func (r *Recovery) applyInsertRun(rec Record) error {
	rn, ok := r.ranges[rec.RangeID]
	if !ok {
		return fmt.Errorf("insert_run: unknown range id %d", rec.RangeID)
	}
	run, ok := r.runs[rec.RunID]
	if !ok {
		run = &runNode{id: rec.RunID, indexID: rn.indexID}
		r.runs[rec.RunID] = run
	} else {
		if idx, ok := r.indexes[run.indexID]; ok {
			idx.incompleteRuns = removeRun(idx.incompleteRuns, run)
		}
		run.indexID = rn.indexID
	}
	rn.runs = append([]*runNode{run}, rn.runs...)
	return nil
}

func (r *Recovery) applyDeleteRun(rec Record) error {
	run, ok := r.runs[rec.RunID]
	if !ok {
		return fmt.Errorf("delete_run: unknown run id %d", rec.RunID)
	}
	run.deleted = true
	return nil
}

// applyForgetRun removes the run node entirely (used by GC after files
// are gone).
func (r *Recovery) applyForgetRun(rec Record) error {
	run, ok := r.runs[rec.RunID]
	if !ok {
		return fmt.Errorf("forget_run: unknown run id %d", rec.RunID)
	}
	delete(r.runs, rec.RunID)
	for _, rn := range r.ranges {
		rn.runs = removeRun(rn.runs, run)
	}
	for _, idx := range r.indexes {
		idx.incompleteRuns = removeRun(idx.incompleteRuns, run)
	}
	return nil
}

func removeRun(list []*runNode, target *runNode) []*runNode {
	out := list[:0]
	for _, r := range list {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// IndexCallback receives the records RecoverIndex/Iterate replay when
// rebuilding a consumer's index structures.
type IndexCallback func(Record) error

// RecoverIndex iterates a single index's surviving objects, emitting
// synthetic records through cb.
//
// If the index is dropped and includeDeleted is false, real ranges and
// runs are skipped entirely: a single synthetic empty range is emitted
// so the consumer's vy_get-equivalent still has one range to look at,
// then drop_index, matching E6.
//
// Otherwise every range is emitted (regardless of its own deleted
// flag) followed by its runs oldest-first (regardless of their own
// deleted flag) — a run or range is omitted from the default walk only
// by being forgotten (removed from the maps entirely), not merely
// marked deleted, matching E4. delete_range/delete_run annotations are
// appended only when includeDeleted is set, and incomplete runs are
// visited only then too, matching E6's includeDeleted=true case.
func (r *Recovery) RecoverIndex(indexID uint32, includeDeleted bool, cb IndexCallback) error {
	idx, ok := r.indexes[indexID]
	if !ok {
		return fmt.Errorf("recover_index: unknown index id %d", indexID)
	}

	if err := cb(Record{Type: CreateIndex, IndexID: idx.id, IID: idx.iid, SpaceID: idx.spaceID, Path: idx.path}); err != nil {
		return err
	}

	if idx.dropped && !includeDeleted {
		if err := cb(Record{Type: InsertRange, IndexID: idx.id}); err != nil {
			return err
		}
		return cb(Record{Type: DropIndex, IndexID: idx.id})
	}

	for _, rn := range idx.ranges {
		if err := cb(Record{Type: InsertRange, IndexID: idx.id, RangeID: rn.id, RangeBegin: rn.begin, RangeEnd: rn.end}); err != nil {
			return err
		}
		// runs list is newest-first; emit oldest-first (chronological).
		for i := len(rn.runs) - 1; i >= 0; i-- {
			run := rn.runs[i]
			if err := cb(Record{Type: InsertRun, RangeID: rn.id, RunID: run.id}); err != nil {
				return err
			}
			if includeDeleted && run.deleted {
				if err := cb(Record{Type: DeleteRun, RunID: run.id}); err != nil {
					return err
				}
			}
		}
		if includeDeleted && rn.deleted {
			if err := cb(Record{Type: DeleteRange, RangeID: rn.id}); err != nil {
				return err
			}
		}
	}

	if includeDeleted {
		for _, run := range idx.incompleteRuns {
			if err := cb(Record{Type: PrepareRun, IndexID: idx.id, RunID: run.id}); err != nil {
				return err
			}
			if idx.dropped || run.deleted {
				if err := cb(Record{Type: DeleteRun, RunID: run.id}); err != nil {
					return err
				}
			}
		}
	}

	if idx.dropped {
		return cb(Record{Type: DropIndex, IndexID: idx.id})
	}
	return nil
}

// Iterate walks every index in the recovery context, in ascending
// index-id order for determinism, through RecoverIndex.
func (r *Recovery) Iterate(includeDeleted bool, cb IndexCallback) error {
	ids := make([]uint32, 0, len(r.indexes))
	for id := range r.indexes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := r.RecoverIndex(id, includeDeleted, cb); err != nil {
			return err
		}
	}
	return nil
}

// RunLocation identifies the on-disk files backing a deleted-but-not-
// forgotten run, for garbage collection.
type RunLocation struct {
	RunID   uint64
	IndexID uint32
	SpaceID uint32
	IID     uint32
	Path    string
}

// DeletedRuns returns the location of every run marked deleted (but
// not yet forgotten) across the whole graph, for collect_garbage.
func (r *Recovery) DeletedRuns() []RunLocation {
	var out []RunLocation
	for id, run := range r.runs {
		if !run.deleted {
			continue
		}
		idx, ok := r.indexes[run.indexID]
		if !ok {
			continue
		}
		out = append(out, RunLocation{RunID: id, IndexID: idx.id, SpaceID: idx.spaceID, IID: idx.iid, Path: idx.path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// LiveRunLocations returns the location of every run that is neither
// deleted nor forgotten, for Backup.
func (r *Recovery) LiveRunLocations() []RunLocation {
	var out []RunLocation
	for id, run := range r.runs {
		if run.deleted {
			continue
		}
		idx, ok := r.indexes[run.indexID]
		if !ok {
			continue
		}
		out = append(out, RunLocation{RunID: id, IndexID: idx.id, SpaceID: idx.spaceID, IID: idx.iid, Path: idx.path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}
