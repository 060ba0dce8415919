package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/storage"
)

func TestMemtxInsertSelectDelete(t *testing.T) {
	e := storage.NewMemtxEngine()
	ctx := context.Background()

	tuple := storage.Tuple{uint64(1), "alice", uint64(30)}
	got, err := e.Insert(ctx, 512, tuple)
	require.NoError(t, err)
	assert.Equal(t, tuple, got)

	_, err = e.Insert(ctx, 512, tuple)
	assert.Error(t, err, "duplicate primary key must be rejected")

	rows, err := e.Select(ctx, 512, 0, storage.Tuple{uint64(1)}, storage.IterEq, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, tuple, rows[0])

	deleted, err := e.Delete(ctx, 512, 0, storage.Tuple{uint64(1)})
	require.NoError(t, err)
	assert.Equal(t, tuple, deleted)

	rows, err = e.Select(ctx, 512, 0, storage.Tuple{uint64(1)}, storage.IterEq, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestMemtxUpdateAppliesOps(t *testing.T) {
	e := storage.NewMemtxEngine()
	ctx := context.Background()
	_, err := e.Insert(ctx, 1, storage.Tuple{uint64(7), float64(10)})
	require.NoError(t, err)

	updated, err := e.Update(ctx, 1, 0, storage.Tuple{uint64(7)}, []storage.UpdateOp{
		{Op: "+", FieldNo: 1, Value: float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Tuple{uint64(7), float64(15)}, updated)
}

func TestMemtxUpsertInsertsWhenMissing(t *testing.T) {
	e := storage.NewMemtxEngine()
	ctx := context.Background()
	err := e.Upsert(ctx, 1, storage.Tuple{uint64(1), float64(1)}, []storage.UpdateOp{
		{Op: "+", FieldNo: 1, Value: float64(1)},
	})
	require.NoError(t, err)

	rows, err := e.Select(ctx, 1, 0, storage.Tuple{uint64(1)}, storage.IterEq, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, storage.Tuple{uint64(1), float64(1)}, rows[0])
}
