// Package catalog is the in-memory schema registry: spaces and their
// indexes, with a monotonic schema version and version history so
// clients can detect a stale schema cache. The registry keeps a
// monotonic version and an append-only history of mutations,
// generalized from tracking tool policies to tracking space/index
// definitions; it has no rollback or diff (see DESIGN.md for the
// privilege check shape CheckAccess follows).
package catalog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/boxd/internal/boxuser"
	"github.com/ocx/boxd/internal/errcode"
)

// FieldDef describes one field of a space's tuple format.
type FieldDef struct {
	Name string
	Type string // "unsigned", "string", "number", "array", "map", "any"
}

// Space is a named, typed collection of tuples.
type Space struct {
	ID         uint32
	Name       string
	Engine     string // "memtx" or "vinyl"
	Owner      uint32
	Format     []FieldDef
	FieldCount uint32 // 0 means unconstrained
}

// IndexPart identifies one component of an index key.
type IndexPart struct {
	FieldNo uint32
	Type    string
}

// IndexDef is a named access path over a space.
type IndexDef struct {
	ID      uint32
	SpaceID uint32
	Name    string
	Type    string // "tree" or "hash"
	Unique  bool
	Parts   []IndexPart
}

// VersionEntry records one schema-mutating operation, for audit and
// for diagnosing SCHEMA_VERSION_MISMATCH replies.
type VersionEntry struct {
	Version uint64
	Op      string
	SpaceID uint32
	At      time.Time
}

// Catalog is the versioned registry of spaces and indexes. Every
// mutation bumps Version by one and appends to the history, following
// a push-and-activate pattern, but with a single monotonic counter
// across the whole catalog rather than one per named object, since
// schema version here is a connection-wide compatibility token.
type Catalog struct {
	mu      sync.RWMutex
	spaces  map[uint32]*Space
	byName  map[string]*Space
	indexes map[uint32]map[uint32]*IndexDef // spaceID -> indexID -> def
	version uint64
	history []VersionEntry
	log     *slog.Logger
}

// New constructs an empty catalog.
func New(log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		spaces:  make(map[uint32]*Space),
		byName:  make(map[string]*Space),
		indexes: make(map[uint32]map[uint32]*IndexDef),
		log:     log.With("component", "catalog"),
	}
}

func (c *Catalog) bump(op string, spaceID uint32) {
	c.version++
	c.history = append(c.history, VersionEntry{Version: c.version, Op: op, SpaceID: spaceID, At: time.Now()})
}

// CreateSpace registers a new space. Duplicate id or name is rejected.
func (c *Catalog) CreateSpace(sp Space) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.spaces[sp.ID]; exists {
		return fmt.Errorf("space id %d already exists", sp.ID)
	}
	if _, exists := c.byName[sp.Name]; exists {
		return fmt.Errorf("space %q already exists", sp.Name)
	}
	cp := sp
	c.spaces[sp.ID] = &cp
	c.byName[sp.Name] = &cp
	c.indexes[sp.ID] = make(map[uint32]*IndexDef)
	c.bump("create_space", sp.ID)
	c.log.Info("space created", "space_id", sp.ID, "name", sp.Name, "schema_version", c.version)
	return nil
}

// DropSpace removes a space and every index defined on it.
func (c *Catalog) DropSpace(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sp, ok := c.spaces[id]
	if !ok {
		return fmt.Errorf("no such space: %d", id)
	}
	delete(c.spaces, id)
	delete(c.byName, sp.Name)
	delete(c.indexes, id)
	c.bump("drop_space", id)
	c.log.Info("space dropped", "space_id", id, "schema_version", c.version)
	return nil
}

// CreateIndex registers idx on its space. The space must already
// exist; a duplicate index id or name on the same space is rejected.
func (c *Catalog) CreateIndex(idx IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.spaces[idx.SpaceID]; !ok {
		return fmt.Errorf("no such space: %d", idx.SpaceID)
	}
	indexes := c.indexes[idx.SpaceID]
	if _, exists := indexes[idx.ID]; exists {
		return fmt.Errorf("index id %d already exists on space %d", idx.ID, idx.SpaceID)
	}
	for _, existing := range indexes {
		if existing.Name == idx.Name {
			return fmt.Errorf("index %q already exists on space %d", idx.Name, idx.SpaceID)
		}
	}
	cp := idx
	indexes[idx.ID] = &cp
	c.bump("create_index", idx.SpaceID)
	c.log.Info("index created", "space_id", idx.SpaceID, "index_id", idx.ID, "name", idx.Name, "schema_version", c.version)
	return nil
}

// DropIndex removes one index from a space. Dropping the primary index
// (id 0) while secondary indexes remain is rejected, matching the
// engine's requirement that a space never be left without its primary
// key while other indexes reference it.
func (c *Catalog) DropIndex(spaceID, indexID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexes, ok := c.indexes[spaceID]
	if !ok {
		return fmt.Errorf("no such space: %d", spaceID)
	}
	if _, exists := indexes[indexID]; !exists {
		return fmt.Errorf("no such index: %d on space %d", indexID, spaceID)
	}
	if indexID == 0 && len(indexes) > 1 {
		return fmt.Errorf("cannot drop primary index while secondary indexes exist on space %d", spaceID)
	}
	delete(indexes, indexID)
	c.bump("drop_index", spaceID)
	c.log.Info("index dropped", "space_id", spaceID, "index_id", indexID, "schema_version", c.version)
	return nil
}

// Space returns the space registered under id.
func (c *Catalog) Space(id uint32) (Space, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sp, ok := c.spaces[id]
	if !ok {
		return Space{}, false
	}
	return *sp, true
}

// SpaceByName returns the space registered under name.
func (c *Catalog) SpaceByName(name string) (Space, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sp, ok := c.byName[name]
	if !ok {
		return Space{}, false
	}
	return *sp, true
}

// Indexes returns every index defined on spaceID.
func (c *Catalog) Indexes(spaceID uint32) []IndexDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]IndexDef, 0, len(c.indexes[spaceID]))
	for _, idx := range c.indexes[spaceID] {
		out = append(out, *idx)
	}
	return out
}

// Index returns one index by id.
func (c *Catalog) Index(spaceID, indexID uint32) (IndexDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[spaceID][indexID]
	if !ok {
		return IndexDef{}, false
	}
	return *idx, true
}

// SchemaVersion returns the current monotonic schema version.
func (c *Catalog) SchemaVersion() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// History returns every schema mutation recorded so far, oldest
// first.
func (c *Catalog) History() []VersionEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]VersionEntry, len(c.history))
	copy(out, c.history)
	return out
}

// CheckAccess verifies user has bit on spaceID: either through
// universal access or because the caller owns the space. Secondary
// per-object grants are out of scope here; ownership plus universal
// access is the privilege model this catalog enforces.
//
// The space lookup runs before the universal-access shortcut: a
// request against a space that does not exist must surface
// ER_NO_SUCH_SPACE regardless of who is asking, not an empty success
// for a privileged caller and ER_UNKNOWN for everyone else.
func (c *Catalog) CheckAccess(user *boxuser.User, spaceID uint32, bit boxuser.AccessBit) error {
	c.mu.RLock()
	sp, ok := c.spaces[spaceID]
	c.mu.RUnlock()
	if !ok {
		return errcode.New(errcode.ErNoSuchSpace, fmt.Sprint(spaceID))
	}
	if boxuser.Has(user.UniversalAccess, bit) {
		return nil
	}
	if sp.Owner == user.UID {
		return nil
	}
	return errcode.New(errcode.ErAccessDenied, bit.String(), "space", sp.Name, user.Name)
}
