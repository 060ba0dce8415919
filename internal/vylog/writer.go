package vylog

import (
	"fmt"
	"sync"

	"github.com/ocx/boxd/internal/wal"
)

// txBufCap bounds the number of records buffered in a single logical
// transaction before it is flushed, mirroring the fixed-capacity array
// in the original (vy_log_tx).
const txBufCap = 64

// Writer buffers structural records into transactions and flushes each
// one as a single durable append through the shared WAL. A single
// latch serializes all writers; Rotate works from a Recovery and does
// not take it.
type Writer struct {
	mu      sync.Mutex
	log     *wal.Log
	buf     []Record
	txStart int
	inTx    bool

	nextRunID   uint64
	nextRangeID uint64

	sigFn func() uint64 // returns the current checkpoint vclock-sum
}

// NewWriter wraps log, seeding the id allocators from recovery.
func NewWriter(log *wal.Log, nextRunID, nextRangeID uint64, sigFn func() uint64) *Writer {
	return &Writer{log: log, nextRunID: nextRunID, nextRangeID: nextRangeID, sigFn: sigFn}
}

// NextRunID returns and increments the run id allocator.
func (w *Writer) NextRunID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextRunID
	w.nextRunID++
	return id
}

// NextRangeID returns and increments the range id allocator.
func (w *Writer) NextRangeID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextRangeID
	w.nextRangeID++
	return id
}

// TxBegin acquires the latch and captures the transaction start index
// into the buffer. Callers must pair every TxBegin with exactly one of
// TxCommit or TxTryCommit.
func (w *Writer) TxBegin() {
	w.mu.Lock()
	w.txStart = len(w.buf)
	w.inTx = true
}

// Write appends record to the current transaction's buffer. Must be
// called between TxBegin and TxCommit/TxTryCommit.
func (w *Writer) Write(r Record) error {
	if !w.inTx {
		return fmt.Errorf("vylog: Write called outside a transaction")
	}
	if len(w.buf) >= txBufCap {
		return fmt.Errorf("vylog: transaction buffer exhausted (cap %d)", txBufCap)
	}
	w.buf = append(w.buf, r)
	return nil
}

// TxCommit flushes every record buffered since TxBegin, preceded by
// any records a failed TxTryCommit retained, as one WAL entry. On
// failure the buffer is discarded back to the transaction start so a
// retry starts clean. The latch is always released.
func (w *Writer) TxCommit() error {
	defer w.mu.Unlock()
	defer func() { w.inTx = false }()

	pending := w.buf
	if len(pending) == 0 {
		return nil
	}
	if err := w.flush(pending); err != nil {
		w.buf = w.buf[:w.txStart]
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// TxTryCommit is like TxCommit but retains the buffered records for
// the next attempt on failure, instead of discarding them; the next
// TxCommit or TxTryCommit flushes them ahead of its own records.
func (w *Writer) TxTryCommit() error {
	defer w.mu.Unlock()
	defer func() { w.inTx = false }()

	pending := w.buf
	if len(pending) == 0 {
		return nil
	}
	if err := w.flush(pending); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

func (w *Writer) flush(pending []Record) error {
	sig := w.sigFn()
	payload := make([][]byte, 0, len(pending))
	for i := range pending {
		if pending[i].Signature == 0 {
			pending[i].Signature = sig
		}
		enc, err := Encode(pending[i])
		if err != nil {
			return fmt.Errorf("vylog: encode record %d: %w", i, err)
		}
		payload = append(payload, enc)
	}
	frame, err := marshalFrame(payload)
	if err != nil {
		return fmt.Errorf("vylog: marshal tx frame: %w", err)
	}
	if _, err := w.log.Append(frame); err != nil {
		return fmt.Errorf("vylog: wal append: %w", err)
	}
	return nil
}
