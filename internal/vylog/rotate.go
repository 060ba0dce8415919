package vylog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocx/boxd/internal/wal"
)

// LogFileName returns the on-disk name of the vy_log segment that
// starts at signature sig, matching the original's
// "%020lld.xlog"-style naming scheme.
func LogFileName(sig uint64) string {
	return fmt.Sprintf("%020d.xctl", sig)
}

// RunFilePath returns the directory a run's .index/.run files live
// under. loc.Path overrides the default when the index was created
// with an explicit path; otherwise runs nest under
// <vinylDir>/<space_id>/<iid>/.
func RunFilePath(vinylDir string, loc RunLocation) string {
	if loc.Path != "" {
		return loc.Path
	}
	return filepath.Join(vinylDir, fmt.Sprintf("%d", loc.SpaceID), fmt.Sprintf("%d", loc.IID))
}

// RunFileBase returns a run's file basename without extension, e.g.
// "00000000000000000200" for run id 200.
func RunFileBase(runID uint64) string {
	return fmt.Sprintf("%020d", runID)
}

// Rotate creates a new log segment at dir/LogFileName(nextSig) and
// writes a single transaction capturing the full surviving state of
// recovery (every live and deleted-but-not-forgotten object), so the
// new segment alone is sufficient to rebuild the same graph on the
// next recovery. The caller is responsible for switching writers over
// to the returned log and removing the old segment(s) once the switch
// is durable.
func Rotate(dir string, recovery *Recovery, nextSig uint64) (*wal.Log, error) {
	path := filepath.Join(dir, LogFileName(nextSig))
	log, err := wal.Create(path, nextSig)
	if err != nil {
		return nil, fmt.Errorf("vylog: rotate: %w", err)
	}

	var encoded [][]byte
	snapshotErr := recovery.Iterate(true, func(rec Record) error {
		rec.Signature = nextSig
		enc, err := Encode(rec)
		if err != nil {
			return err
		}
		encoded = append(encoded, enc)
		return nil
	})
	if snapshotErr != nil {
		log.Close()
		return nil, fmt.Errorf("vylog: rotate: snapshot: %w", snapshotErr)
	}

	if len(encoded) > 0 {
		frame, err := marshalFrame(encoded)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("vylog: rotate: frame: %w", err)
		}
		if _, err := log.Append(frame); err != nil {
			log.Close()
			return nil, fmt.Errorf("vylog: rotate: append: %w", err)
		}
	}

	return log, nil
}

// CollectGarbage removes the data files of every run marked deleted
// but not yet forgotten, then durably records a forget_run for each
// one it successfully removed. removeFile is called once per run; a
// nil return means the run's files are gone (or were already gone)
// and it is safe to forget.
func CollectGarbage(w *Writer, recovery *Recovery, removeFile func(RunLocation) error) error {
	deleted := recovery.DeletedRuns()
	if len(deleted) == 0 {
		return nil
	}

	w.TxBegin()
	for _, loc := range deleted {
		if err := removeFile(loc); err != nil {
			w.TxCommit()
			return fmt.Errorf("vylog: collect_garbage: remove run %d: %w", loc.RunID, err)
		}
		if err := w.Write(Record{Type: ForgetRun, RunID: loc.RunID}); err != nil {
			w.TxCommit()
			return fmt.Errorf("vylog: collect_garbage: %w", err)
		}
	}
	return w.TxCommit()
}

// Backup invokes cb once per live (non-deleted, non-forgotten) run,
// giving the caller the run's file location to copy elsewhere. Backup
// does not mutate the log.
func Backup(recovery *Recovery, cb func(RunLocation) error) error {
	for _, loc := range recovery.LiveRunLocations() {
		if err := cb(loc); err != nil {
			return fmt.Errorf("vylog: backup: run %d: %w", loc.RunID, err)
		}
	}
	return nil
}

// RemoveRunFiles is the default removeFile implementation for
// CollectGarbage: it deletes both the .index and .run files backing a
// run, tolerating files that are already gone.
func RemoveRunFiles(vinylDir string, loc RunLocation) error {
	dir := RunFilePath(vinylDir, loc)
	base := RunFileBase(loc.RunID)
	for _, ext := range []string{".index", ".run"} {
		p := filepath.Join(dir, base+ext)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
