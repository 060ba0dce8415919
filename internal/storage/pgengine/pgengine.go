// Package pgengine is a reference storage.Engine backed by
// PostgreSQL, for deployments that want durable tuple storage without
// standing up the native vinyl run/range files. Grounded on the
// teacher's internal/database/supabase.go (a CRUD client wrapping a
// Postgres-compatible backend), reworked here from per-table REST
// calls into a generic tuple store over database/sql +
// github.com/lib/pq.
package pgengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ocx/boxd/internal/storage"
)

// Engine stores every space's tuples in one physical table, keyed by
// (space_id, pk) where pk is the JSON-encoded primary key tuple. This
// keeps schema migrations out of the hot path: creating a space in
// the catalog never requires a DDL round trip to Postgres.
type Engine struct {
	db  *sql.DB
	log *slog.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS boxd_tuples (
	space_id  INTEGER NOT NULL,
	pk        TEXT NOT NULL,
	tuple     JSONB NOT NULL,
	PRIMARY KEY (space_id, pk)
);
`

// Open connects to dsn and ensures the backing table exists.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Engine, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgengine: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgengine: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgengine: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, log: log.With("component", "pgengine")}, nil
}

// Close releases the underlying connection pool.
func (e *Engine) Close() error { return e.db.Close() }

func encodeKey(key storage.Tuple) (string, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	return string(b), nil
}

func encodeTuple(t storage.Tuple) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTuple(raw []byte) (storage.Tuple, error) {
	var t storage.Tuple
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode tuple: %w", err)
	}
	return t, nil
}

// primaryKeyOf extracts field 0 as the primary key when no explicit
// index/key is given, matching this reference engine's restriction to
// single-field primary keys.
func primaryKeyOf(t storage.Tuple) storage.Tuple {
	if len(t) == 0 {
		return storage.Tuple{}
	}
	return storage.Tuple{t[0]}
}

// Select implements storage.Engine. It supports IterEq (exact primary
// key lookup) and IterAll (full scan up to limit); ordered range
// iterators are intentionally not supported by this reference
// adapter since JSONB text ordering does not match tarantool's typed
// comparator.
func (e *Engine) Select(ctx context.Context, spaceID, indexID uint32, key storage.Tuple, iter storage.Iterator, limit, offset uint32) ([]storage.Tuple, error) {
	switch iter {
	case storage.IterEq, "":
		pk, err := encodeKey(key)
		if err != nil {
			return nil, err
		}
		row := e.db.QueryRowContext(ctx,
			`SELECT tuple FROM boxd_tuples WHERE space_id = $1 AND pk = $2`, spaceID, pk)
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("pgengine: select: %w", err)
		}
		t, err := decodeTuple(raw)
		if err != nil {
			return nil, err
		}
		return []storage.Tuple{t}, nil
	case storage.IterAll:
		rows, err := e.db.QueryContext(ctx,
			`SELECT tuple FROM boxd_tuples WHERE space_id = $1 ORDER BY pk OFFSET $2 LIMIT $3`,
			spaceID, offset, limit)
		if err != nil {
			return nil, fmt.Errorf("pgengine: select all: %w", err)
		}
		defer rows.Close()
		var out []storage.Tuple
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return nil, fmt.Errorf("pgengine: scan: %w", err)
			}
			t, err := decodeTuple(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, rows.Err()
	default:
		return nil, fmt.Errorf("pgengine: unsupported iterator %q", iter)
	}
}

// Insert implements storage.Engine: fails if the primary key already
// exists.
func (e *Engine) Insert(ctx context.Context, spaceID uint32, tuple storage.Tuple) (storage.Tuple, error) {
	pk, err := encodeKey(primaryKeyOf(tuple))
	if err != nil {
		return nil, err
	}
	raw, err := encodeTuple(tuple)
	if err != nil {
		return nil, err
	}
	_, err = e.db.ExecContext(ctx,
		`INSERT INTO boxd_tuples (space_id, pk, tuple) VALUES ($1, $2, $3)`, spaceID, pk, raw)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, fmt.Errorf("pgengine: insert: tuple already exists")
		}
		return nil, fmt.Errorf("pgengine: insert: %w", err)
	}
	return tuple, nil
}

// Replace implements storage.Engine: inserts or overwrites.
func (e *Engine) Replace(ctx context.Context, spaceID uint32, tuple storage.Tuple) (storage.Tuple, error) {
	pk, err := encodeKey(primaryKeyOf(tuple))
	if err != nil {
		return nil, err
	}
	raw, err := encodeTuple(tuple)
	if err != nil {
		return nil, err
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO boxd_tuples (space_id, pk, tuple) VALUES ($1, $2, $3)
		ON CONFLICT (space_id, pk) DO UPDATE SET tuple = EXCLUDED.tuple`,
		spaceID, pk, raw)
	if err != nil {
		return nil, fmt.Errorf("pgengine: replace: %w", err)
	}
	return tuple, nil
}

// Update implements storage.Engine: applies ops to the tuple matching
// key, replacing it transactionally, and returns the updated tuple (or
// nil, nil if no row matched — this engine does not error on a
// missing key for UPDATE, matching the original's semantics).
func (e *Engine) Update(ctx context.Context, spaceID, indexID uint32, key storage.Tuple, ops []storage.UpdateOp) (storage.Tuple, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgengine: update: begin: %w", err)
	}
	defer tx.Rollback()

	pk, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	var raw []byte
	row := tx.QueryRowContext(ctx, `SELECT tuple FROM boxd_tuples WHERE space_id = $1 AND pk = $2 FOR UPDATE`, spaceID, pk)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pgengine: update: select: %w", err)
	}
	t, err := decodeTuple(raw)
	if err != nil {
		return nil, err
	}
	applied, err := storage.ApplyOps(t, ops)
	if err != nil {
		return nil, fmt.Errorf("pgengine: update: %w", err)
	}
	newRaw, err := encodeTuple(applied)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE boxd_tuples SET tuple = $1 WHERE space_id = $2 AND pk = $3`, newRaw, spaceID, pk); err != nil {
		return nil, fmt.Errorf("pgengine: update: write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgengine: update: commit: %w", err)
	}
	return applied, nil
}

// Delete implements storage.Engine, returning the deleted tuple (or
// nil, nil if no row matched).
func (e *Engine) Delete(ctx context.Context, spaceID, indexID uint32, key storage.Tuple) (storage.Tuple, error) {
	pk, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	var raw []byte
	row := e.db.QueryRowContext(ctx, `DELETE FROM boxd_tuples WHERE space_id = $1 AND pk = $2 RETURNING tuple`, spaceID, pk)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("pgengine: delete: %w", err)
	}
	return decodeTuple(raw)
}

// Upsert implements storage.Engine: Insert tuple, or if the primary
// key already exists, apply ops to the existing row instead.
func (e *Engine) Upsert(ctx context.Context, spaceID uint32, tuple storage.Tuple, ops []storage.UpdateOp) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgengine: upsert: begin: %w", err)
	}
	defer tx.Rollback()

	pk, err := encodeKey(primaryKeyOf(tuple))
	if err != nil {
		return err
	}
	var raw []byte
	row := tx.QueryRowContext(ctx, `SELECT tuple FROM boxd_tuples WHERE space_id = $1 AND pk = $2 FOR UPDATE`, spaceID, pk)
	err = row.Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		newRaw, encErr := encodeTuple(tuple)
		if encErr != nil {
			return encErr
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO boxd_tuples (space_id, pk, tuple) VALUES ($1, $2, $3)`, spaceID, pk, newRaw); err != nil {
			return fmt.Errorf("pgengine: upsert: insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("pgengine: upsert: select: %w", err)
	default:
		existing, decErr := decodeTuple(raw)
		if decErr != nil {
			return decErr
		}
		applied, opErr := storage.ApplyOps(existing, ops)
		if opErr != nil {
			return fmt.Errorf("pgengine: upsert: %w", opErr)
		}
		newRaw, encErr := encodeTuple(applied)
		if encErr != nil {
			return encErr
		}
		if _, err := tx.ExecContext(ctx, `UPDATE boxd_tuples SET tuple = $1 WHERE space_id = $2 AND pk = $3`, newRaw, spaceID, pk); err != nil {
			return fmt.Errorf("pgengine: upsert: update: %w", err)
		}
	}
	return tx.Commit()
}

var _ storage.Engine = (*Engine)(nil)
