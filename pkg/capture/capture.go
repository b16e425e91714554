// Package capture provides the BadgerDB-backed evaluation log.
//
// Every packet evaluation can be recorded as an append-only entry keyed by
// sequence number, carrying the filter ID, a digest of the packet bytes, and
// the verdict. The log is the audit trail of the filtering engine: it
// answers "what did we decide about this packet, and why".
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/netgrave/pfvm/internal/types"
)

// ErrClosed is returned when operating on a closed log.
var ErrClosed = errors.New("capture log closed")

// Key prefixes for BadgerDB storage.
// Using prefixes allows efficient iteration over specific data types.
var (
	// prefixRecord is the prefix for evaluation records.
	// Key format: prefixRecord + sequence (8 bytes, big-endian)
	prefixRecord = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	// Key format: prefixMeta + key name
	prefixMeta = []byte{0x02}

	// metaSeq is the key for the last assigned sequence number.
	metaSeq = append(prefixMeta, []byte("seq")...)
)

// Config contains configuration for the capture log.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	// Setting to false improves performance but risks data loss on crash.
	SyncWrites bool

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default capture log configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: false, // Async for performance
		Logger:     nil,   // Disable logging by default
	}
}

// Record is a single evaluation log entry.
type Record struct {
	// Seq is the log sequence number, assigned on append.
	Seq uint64

	// FilterID identifies the filter that produced the verdict.
	FilterID types.FilterID

	// PacketDigest is the digest of the packet bytes.
	PacketDigest types.PacketDigest

	// PacketSize is the packet length in bytes.
	PacketSize uint32

	// Verdict is the value the filter returned.
	Verdict uint32

	// Accepted reports whether the verdict was nonzero.
	Accepted bool

	// StepsUsed is the number of instructions executed.
	StepsUsed uint64

	// Timestamp is the evaluation time (unix nanoseconds).
	Timestamp int64

	// Err holds the evaluation error, if any.
	Err string
}

// Stats contains capture log statistics.
type Stats struct {
	// Records is the total number of recorded evaluations.
	Records uint64

	// Accepted is the number of accept verdicts.
	Accepted uint64

	// Dropped is the number of drop verdicts.
	Dropped uint64

	// Errored is the number of evaluations that failed.
	Errored uint64
}

// Log is a BadgerDB-backed evaluation log.
type Log struct {
	db *badger.DB

	// seq is the last assigned sequence, cached in memory
	seq atomic.Uint64

	accepted atomic.Uint64
	dropped  atomic.Uint64
	errored  atomic.Uint64

	// mu protects concurrent appends
	mu sync.Mutex

	closed atomic.Bool
}

// Open creates or opens a capture log.
func Open(cfg Config) (*Log, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
		opts.Dir = ""
		opts.ValueDir = ""
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	l := &Log{db: db}
	if err := l.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	return l, nil
}

// loadMetadata loads the sequence counter from disk.
func (l *Log) loadMetadata() error {
	return l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSeq)
		if err == badger.ErrKeyNotFound {
			l.seq.Store(0)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				l.seq.Store(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

// recordKey returns the BadgerDB key for a record.
func recordKey(seq uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixRecord[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// Append records an evaluation and returns its sequence number.
func (l *Log) Append(rec *Record) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq.Load() + 1
	rec.Seq = seq
	data := rec.serialize()

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	err := l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(seq), data); err != nil {
			return err
		}
		return txn.Set(metaSeq, seqBuf[:])
	})
	if err != nil {
		return 0, err
	}

	l.seq.Store(seq)
	switch {
	case rec.Err != "":
		l.errored.Add(1)
	case rec.Accepted:
		l.accepted.Add(1)
	default:
		l.dropped.Add(1)
	}

	return seq, nil
}

// BatchWriter accumulates records and commits them in a single
// badger.WriteBatch. Sequence numbers are assigned at Flush, so buffered
// records are invisible until then.
type BatchWriter struct {
	log     *Log
	records []*Record
}

// NewBatchWriter creates a batch writer for the per-packet hot path.
func (l *Log) NewBatchWriter() *BatchWriter {
	return &BatchWriter{log: l}
}

// Append buffers a record for the next Flush.
func (bw *BatchWriter) Append(rec *Record) error {
	if bw.log.closed.Load() {
		return ErrClosed
	}
	bw.records = append(bw.records, rec)
	return nil
}

// Len returns the number of buffered records.
func (bw *BatchWriter) Len() int {
	return len(bw.records)
}

// Flush commits the buffered records and updates the log counters.
// The writer can be reused after a successful flush.
func (bw *BatchWriter) Flush() error {
	if len(bw.records) == 0 {
		return nil
	}
	if bw.log.closed.Load() {
		return ErrClosed
	}

	bw.log.mu.Lock()
	defer bw.log.mu.Unlock()

	batch := bw.log.db.NewWriteBatch()

	seq := bw.log.seq.Load()
	for _, rec := range bw.records {
		seq++
		rec.Seq = seq
		if err := batch.Set(recordKey(seq), rec.serialize()); err != nil {
			batch.Cancel()
			return err
		}
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := batch.Set(metaSeq, seqBuf[:]); err != nil {
		batch.Cancel()
		return err
	}

	if err := batch.Flush(); err != nil {
		return err
	}

	bw.log.seq.Store(seq)
	for _, rec := range bw.records {
		switch {
		case rec.Err != "":
			bw.log.errored.Add(1)
		case rec.Accepted:
			bw.log.accepted.Add(1)
		default:
			bw.log.dropped.Add(1)
		}
	}
	bw.records = bw.records[:0]

	return nil
}

// Cancel discards the buffered records.
func (bw *BatchWriter) Cancel() {
	bw.records = nil
}

// Get retrieves a record by sequence number.
func (l *Log) Get(seq uint64) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var rec *Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(seq))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("record %d not found", seq)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := deserializeRecord(val)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(limit int) ([]*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var records []*Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixRecord
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the highest possible record key.
		seek := recordKey(^uint64(0))
		for it.Seek(seek); it.Valid() && len(records) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := deserializeRecord(val)
				if err != nil {
					return err
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetStats returns capture log statistics.
func (l *Log) GetStats() Stats {
	return Stats{
		Records:  l.seq.Load(),
		Accepted: l.accepted.Load(),
		Dropped:  l.dropped.Load(),
		Errored:  l.errored.Load(),
	}
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	return l.seq.Load()
}

// Close closes the log.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	return l.db.Close()
}

// serialize encodes a record in a compact binary format:
// seq (8) | filter_id (32) | digest (32) | packet_size (4) | verdict (4) |
// accepted (1) | steps (8) | timestamp (8) | err.
func (r *Record) serialize() []byte {
	buf := make([]byte, 0, 97+len(r.Err))
	buf = binary.BigEndian.AppendUint64(buf, r.Seq)
	buf = append(buf, r.FilterID[:]...)
	buf = append(buf, r.PacketDigest[:]...)
	buf = binary.BigEndian.AppendUint32(buf, r.PacketSize)
	buf = binary.BigEndian.AppendUint32(buf, r.Verdict)
	if r.Accepted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, r.StepsUsed)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = append(buf, r.Err...)
	return buf
}

// deserializeRecord parses a serialized record.
func deserializeRecord(b []byte) (*Record, error) {
	if len(b) < 97 {
		return nil, fmt.Errorf("short record: %d bytes", len(b))
	}
	r := &Record{}
	r.Seq = binary.BigEndian.Uint64(b[0:8])
	copy(r.FilterID[:], b[8:40])
	copy(r.PacketDigest[:], b[40:72])
	r.PacketSize = binary.BigEndian.Uint32(b[72:76])
	r.Verdict = binary.BigEndian.Uint32(b[76:80])
	r.Accepted = b[80] == 1
	r.StepsUsed = binary.BigEndian.Uint64(b[81:89])
	r.Timestamp = int64(binary.BigEndian.Uint64(b[89:97]))
	r.Err = string(b[97:])
	return r, nil
}
