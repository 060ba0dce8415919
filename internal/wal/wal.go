// Package wal is the durable append-only log that vy_log's writer
// flushes transactions through; the DML path does not write to it. It
// does not
// interpret its payloads; callers hand it an opaque byte slice per
// transaction and get back a monotonically increasing signature.
//
// It is a mutex-guarded, hash-chained append log: a segment-file log
// of opaque records where each record also carries the SHA-256 of its
// predecessor so a truncated tail is detectable on recovery.
package wal

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Entry is one flushed transaction: a signature, its payload, and the
// hash of the entry that preceded it (zero for the first entry in a
// file).
type Entry struct {
	Signature uint64
	Payload   []byte
	PrevHash  [32]byte
}

// Hash returns the chaining hash of e: sha256(PrevHash || signature ||
// payload).
func (e Entry) Hash() [32]byte {
	h := sha256.New()
	h.Write(e.PrevHash[:])
	var sigBuf [8]byte
	binary.BigEndian.PutUint64(sigBuf[:], e.Signature)
	h.Write(sigBuf[:])
	h.Write(e.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Log is a single append-only file plus the in-memory tail hash needed
// to chain the next append.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	lastHash [32]byte
	nextSig  uint64
	path     string
}

// Create opens (creating if absent) the log file at path and seeds the
// signature counter to start. An existing file is replayed first so
// the next append chains onto the hash of its last entry.
func Create(path string, start uint64) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}
	var lastHash [32]byte
	if err := Replay(path, func(e Entry) error {
		lastHash = e.Hash()
		return nil
	}); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &Log{f: f, w: bufio.NewWriter(f), lastHash: lastHash, nextSig: start, path: path}, nil
}

// Append writes payload as a new entry, returns the assigned signature.
// The write is flushed and fsynced before returning, so a crash after
// Append returns never loses the entry.
func (l *Log) Append(payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sig := l.nextSig
	entry := Entry{Signature: sig, Payload: payload, PrevHash: l.lastHash}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	var sigBuf [8]byte
	binary.BigEndian.PutUint64(sigBuf[:], sig)

	if _, err := l.w.Write(entry.PrevHash[:]); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if _, err := l.w.Write(sigBuf[:]); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if _, err := l.w.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if _, err := l.w.Write(payload); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("wal: sync: %w", err)
	}

	l.lastHash = entry.Hash()
	l.nextSig = sig + 1
	return sig, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Path returns the file path backing the log.
func (l *Log) Path() string { return l.path }

// Replay reads every entry from path in order, calling fn for each. A
// hash-chain mismatch stops replay and returns an error identifying
// the offending signature, since it indicates a torn/truncated write.
func Replay(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var prevHash [32]byte
	for {
		var hashBuf [32]byte
		if _, err := io.ReadFull(r, hashBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wal: truncated header in %s: %w", path, err)
		}
		var sigBuf [8]byte
		if _, err := io.ReadFull(r, sigBuf[:]); err != nil {
			return fmt.Errorf("wal: truncated signature in %s: %w", path, err)
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return fmt.Errorf("wal: truncated length in %s: %w", path, err)
		}
		sig := binary.BigEndian.Uint64(sigBuf[:])
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("wal: truncated payload for signature %d in %s: %w", sig, path, err)
		}

		if hashBuf != prevHash {
			return fmt.Errorf("wal: hash chain broken at signature %d in %s", sig, path)
		}
		entry := Entry{Signature: sig, Payload: payload, PrevHash: prevHash}
		prevHash = entry.Hash()
		if err := fn(entry); err != nil {
			return err
		}
	}
}
