package vylog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/vylog"
	"github.com/ocx/boxd/internal/wal"
)

func newWriter(t *testing.T) (*vylog.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "00000000000000000000.xctl")
	log, err := wal.Create(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	sig := uint64(1)
	sigFn := func() uint64 {
		s := sig
		sig++
		return s
	}
	return vylog.NewWriter(log, 1, 1, sigFn), path
}

// TestRecoverIndexSurvivesDeleteRunWithoutForget reproduces the
// scenario where a run is journaled, inserted into a range, then
// marked deleted without ever being forgotten: the default
// (include_deleted=false) replay must still surface the run, since it
// has not actually been garbage collected yet.
func TestRecoverIndexSurvivesDeleteRunWithoutForget(t *testing.T) {
	w, path := newWriter(t)

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.CreateIndex, IndexID: 42, IID: 0, SpaceID: 512, Path: ""}))
	require.NoError(t, w.TxCommit())

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.InsertRange, IndexID: 42, RangeID: 100, RangeBegin: []byte{}, RangeEnd: []byte{}}))
	require.NoError(t, w.TxCommit())

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.PrepareRun, IndexID: 42, RunID: 200}))
	require.NoError(t, w.TxCommit())

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.InsertRun, RangeID: 100, RunID: 200}))
	require.NoError(t, w.TxCommit())

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.DeleteRun, RunID: 200}))
	require.NoError(t, w.TxCommit())

	recovery, err := vylog.Recover(path, 1<<62)
	require.NoError(t, err)

	var types []vylog.Type
	err = recovery.RecoverIndex(42, false, func(r vylog.Record) error {
		types = append(types, r.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []vylog.Type{vylog.CreateIndex, vylog.InsertRange, vylog.InsertRun}, types)
}

// TestRecoverIndexDroppedOmitsIncompleteRunByDefault reproduces a
// dropped index with one never-inserted run: by default the
// incomplete run is entirely omitted and a synthetic empty range
// stands in for the index's (now pointless) range list, but with
// include_deleted the full prepare/delete sequence is preserved.
func TestRecoverIndexDroppedOmitsIncompleteRunByDefault(t *testing.T) {
	w, path := newWriter(t)

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.CreateIndex, IndexID: 7, IID: 0, SpaceID: 99, Path: ""}))
	require.NoError(t, w.TxCommit())

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.PrepareRun, IndexID: 7, RunID: 1}))
	require.NoError(t, w.TxCommit())

	w.TxBegin()
	require.NoError(t, w.Write(vylog.Record{Type: vylog.DropIndex, IndexID: 7}))
	require.NoError(t, w.TxCommit())

	recovery, err := vylog.Recover(path, 1<<62)
	require.NoError(t, err)

	var withoutDeleted []vylog.Type
	require.NoError(t, recovery.RecoverIndex(7, false, func(r vylog.Record) error {
		withoutDeleted = append(withoutDeleted, r.Type)
		return nil
	}))
	assert.Equal(t, []vylog.Type{vylog.CreateIndex, vylog.InsertRange, vylog.DropIndex}, withoutDeleted)

	var withDeleted []vylog.Type
	require.NoError(t, recovery.RecoverIndex(7, true, func(r vylog.Record) error {
		withDeleted = append(withDeleted, r.Type)
		return nil
	}))
	assert.Equal(t, []vylog.Type{vylog.CreateIndex, vylog.PrepareRun, vylog.DeleteRun, vylog.DropIndex}, withDeleted)
}
