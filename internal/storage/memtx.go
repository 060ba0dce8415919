package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemtxEngine is the default in-memory storage.Engine, one map of
// tuples per space keyed by the %v string form of the tuple's first
// field, guarded the same way the catalog's registry guards its own
// map: a plain sync.RWMutex over a map of structs. Ordered scans sort
// those keys as strings on each call.
type MemtxEngine struct {
	mu     sync.RWMutex
	spaces map[uint32]map[string]Tuple
	order  map[uint32][]string // allocated but not populated; scans sort keys per call
}

// NewMemtxEngine constructs an empty engine.
func NewMemtxEngine() *MemtxEngine {
	return &MemtxEngine{
		spaces: make(map[uint32]map[string]Tuple),
		order:  make(map[uint32][]string),
	}
}

func keyOf(t Tuple) (string, error) {
	if len(t) == 0 {
		return "", fmt.Errorf("empty key")
	}
	return fmt.Sprintf("%v", t[0]), nil
}

func (e *MemtxEngine) spaceLocked(spaceID uint32) map[string]Tuple {
	sp, ok := e.spaces[spaceID]
	if !ok {
		sp = make(map[string]Tuple)
		e.spaces[spaceID] = sp
	}
	return sp
}

// Select implements storage.Engine.
func (e *MemtxEngine) Select(ctx context.Context, spaceID, indexID uint32, key Tuple, iter Iterator, limit, offset uint32) ([]Tuple, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sp := e.spaces[spaceID]
	switch iter {
	case IterEq, "":
		k, err := keyOf(key)
		if err != nil {
			return nil, err
		}
		t, ok := sp[k]
		if !ok {
			return nil, nil
		}
		return []Tuple{t}, nil
	case IterAll, IterGE, IterGT, IterLE, IterLT:
		keys := make([]string, 0, len(sp))
		for k := range sp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if iter == IterLE || iter == IterLT || iter == IterReq {
			for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
		var out []Tuple
		skipped := uint32(0)
		for _, k := range keys {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && uint32(len(out)) >= limit {
				break
			}
			out = append(out, sp[k])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("memtx: unsupported iterator %q", iter)
	}
}

// Insert implements storage.Engine: fails if the primary key exists.
func (e *MemtxEngine) Insert(ctx context.Context, spaceID uint32, tuple Tuple) (Tuple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, err := keyOf(tuple)
	if err != nil {
		return nil, err
	}
	sp := e.spaceLocked(spaceID)
	if _, exists := sp[k]; exists {
		return nil, fmt.Errorf("memtx: duplicate key")
	}
	sp[k] = tuple
	return tuple, nil
}

// Replace implements storage.Engine: inserts or overwrites.
func (e *MemtxEngine) Replace(ctx context.Context, spaceID uint32, tuple Tuple) (Tuple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, err := keyOf(tuple)
	if err != nil {
		return nil, err
	}
	e.spaceLocked(spaceID)[k] = tuple
	return tuple, nil
}

// Update implements storage.Engine.
func (e *MemtxEngine) Update(ctx context.Context, spaceID, indexID uint32, key Tuple, ops []UpdateOp) (Tuple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, err := keyOf(key)
	if err != nil {
		return nil, err
	}
	sp := e.spaceLocked(spaceID)
	cur, ok := sp[k]
	if !ok {
		return nil, nil
	}
	applied, err := ApplyOps(cur, ops)
	if err != nil {
		return nil, fmt.Errorf("memtx: update: %w", err)
	}
	sp[k] = applied
	return applied, nil
}

// Delete implements storage.Engine.
func (e *MemtxEngine) Delete(ctx context.Context, spaceID, indexID uint32, key Tuple) (Tuple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, err := keyOf(key)
	if err != nil {
		return nil, err
	}
	sp := e.spaceLocked(spaceID)
	t, ok := sp[k]
	if !ok {
		return nil, nil
	}
	delete(sp, k)
	return t, nil
}

// Upsert implements storage.Engine.
func (e *MemtxEngine) Upsert(ctx context.Context, spaceID uint32, tuple Tuple, ops []UpdateOp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, err := keyOf(tuple)
	if err != nil {
		return err
	}
	sp := e.spaceLocked(spaceID)
	cur, ok := sp[k]
	if !ok {
		sp[k] = tuple
		return nil
	}
	applied, err := ApplyOps(cur, ops)
	if err != nil {
		return fmt.Errorf("memtx: upsert: %w", err)
	}
	sp[k] = applied
	return nil
}

var _ Engine = (*MemtxEngine)(nil)
