// Package storage defines the narrow collaborator interface the
// IPROTO request handlers use to execute DML against a space, and
// ships a reference Postgres-backed implementation in ./pgengine: a
// DI'd CRUD client narrowed from a table-specific API to a generic
// tuple-oriented one (SELECT/INSERT/REPLACE/UPDATE/DELETE/UPSERT over
// an arbitrary space+index).
package storage

import "context"

// UpdateOp is one tuple update operation, e.g. {"+", 2, 5} to add 5 to
// field 2.
type UpdateOp struct {
	Op      string // "+", "-", "&", "|", "^", ":", "!", "#", "="
	FieldNo uint32
	Value   interface{}
}

// Iterator names a SELECT traversal order, mirroring IPROTO's
// iterator_type enum for tree indexes.
type Iterator string

const (
	IterEq    Iterator = "eq"
	IterReq   Iterator = "req"
	IterAll   Iterator = "all"
	IterGE    Iterator = "ge"
	IterGT    Iterator = "gt"
	IterLE    Iterator = "le"
	IterLT    Iterator = "lt"
)

// Tuple is one row: an ordered slice of msgpack-native field values.
type Tuple []interface{}

// Engine is the collaborator a space's storage engine (memtx or
// vinyl) must satisfy to serve IPROTO DML requests. Every method is
// safe for concurrent use; callers provide the effective space and
// index ids already resolved from the catalog.
type Engine interface {
	Select(ctx context.Context, spaceID, indexID uint32, key Tuple, iter Iterator, limit, offset uint32) ([]Tuple, error)
	Insert(ctx context.Context, spaceID uint32, tuple Tuple) (Tuple, error)
	Replace(ctx context.Context, spaceID uint32, tuple Tuple) (Tuple, error)
	Update(ctx context.Context, spaceID, indexID uint32, key Tuple, ops []UpdateOp) (Tuple, error)
	Delete(ctx context.Context, spaceID, indexID uint32, key Tuple) (Tuple, error)
	Upsert(ctx context.Context, spaceID uint32, tuple Tuple, ops []UpdateOp) error
}
