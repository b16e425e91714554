// Package filterstore provides persistent storage for filter programs.
//
// Filters are stored in BoltDB, keyed by their content-addressed FilterID,
// with an optional human-readable name index. Program bytes are verified at
// Put time and compressed with zstd on disk; a filter that made it into the
// store is guaranteed to pass static verification.
package filterstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/netgrave/pfvm/internal/types"
	"github.com/netgrave/pfvm/pkg/loader"
)

var (
	// ErrFilterNotFound is returned when a filter doesn't exist.
	ErrFilterNotFound = errors.New("filter not found")

	// ErrNameTaken is returned when a name is already bound to another filter.
	ErrNameTaken = errors.New("filter name already in use")

	// ErrDuplicateProgram is returned when the same program bytes are
	// registered under a second name.
	ErrDuplicateProgram = errors.New("filter program already registered")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("filterstore closed")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores zstd-compressed program bytes keyed by FilterID.
	bucketPrograms = []byte("programs")

	// bucketMeta stores filter metadata keyed by FilterID.
	bucketMeta = []byte("meta")

	// bucketNames indexes FilterIDs by name.
	bucketNames = []byte("names")
)

// Config holds filterstore configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default filterstore configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
	}
}

// Meta describes a stored filter.
type Meta struct {
	// ID is the content hash of the program bytes.
	ID types.FilterID

	// Name is the registration name, unique within the store.
	Name string

	// Instructions is the program length in instructions.
	Instructions int

	// WireSize is the uncompressed program size in bytes.
	WireSize int

	// CreatedAt is the registration time (unix seconds).
	CreatedAt int64
}

// Stats contains filterstore statistics.
type Stats struct {
	// FilterCount is the number of stored filters.
	FilterCount uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// Store is a BoltDB-backed filter registry.
type Store struct {
	db     *bolt.DB
	config Config

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a filterstore at the configured path.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketPrograms, bucketMeta, bucketNames} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Store{
		db:      db,
		config:  config,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Put verifies and stores a filter program under a name.
//
// The returned ID is the content hash of the program bytes; storing the
// same bytes twice under the same name is a no-op. A name already bound to
// a different program is rejected with ErrNameTaken.
func (s *Store) Put(name string, program []byte) (types.FilterID, error) {
	var id types.FilterID

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return id, ErrClosed
	}

	if name == "" {
		return id, errors.New("filter name must not be empty")
	}

	// Reject malformed programs before they touch disk.
	prog, err := loader.Load(program)
	if err != nil {
		return id, fmt.Errorf("verify filter: %w", err)
	}
	id = prog.ID

	compressed := s.encoder.EncodeAll(program, nil)

	meta := Meta{
		ID:           id,
		Name:         name,
		Instructions: len(prog.Instructions),
		WireSize:     len(program),
		CreatedAt:    time.Now().Unix(),
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if existing := names.Get([]byte(name)); existing != nil {
			var bound types.FilterID
			copy(bound[:], existing)
			if bound != id {
				return fmt.Errorf("%w: %q is bound to %s", ErrNameTaken, name, bound)
			}
			return nil // Same program, same name.
		}

		// One name per program. A second binding would dangle once the
		// filter is deleted under its first name.
		if existing := tx.Bucket(bucketMeta).Get(id[:]); existing != nil {
			m, err := decodeMeta(existing)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is registered as %q", ErrDuplicateProgram, id, m.Name)
		}

		if err := tx.Bucket(bucketPrograms).Put(id[:], compressed); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(id[:], encodeMeta(&meta)); err != nil {
			return err
		}
		return names.Put([]byte(name), id[:])
	})
	if err != nil {
		return id, err
	}

	return id, nil
}

// GetProgram returns the wire bytes of a filter by ID.
func (s *Store) GetProgram(id types.FilterID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var compressed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPrograms).Get(id[:])
		if v == nil {
			return ErrFilterNotFound
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	program, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress filter %s: %w", id, err)
	}
	return program, nil
}

// GetMeta returns the metadata of a filter by ID.
func (s *Store) GetMeta(id types.FilterID) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var meta *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(id[:])
		if v == nil {
			return ErrFilterNotFound
		}
		m, err := decodeMeta(v)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Resolve returns the FilterID bound to a name.
func (s *Store) Resolve(name string) (types.FilterID, error) {
	var id types.FilterID

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return id, ErrClosed
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name))
		if v == nil {
			return ErrFilterNotFound
		}
		copy(id[:], v)
		return nil
	})
	return id, err
}

// List returns metadata for all stored filters.
func (s *Store) List() ([]*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var metas []*Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			m, err := decodeMeta(v)
			if err != nil {
				return err
			}
			metas = append(metas, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// Delete removes a filter and its name binding.
func (s *Store) Delete(id types.FilterID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		v := meta.Get(id[:])
		if v == nil {
			return ErrFilterNotFound
		}
		m, err := decodeMeta(v)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketNames).Delete([]byte(m.Name)); err != nil {
			return err
		}
		if err := meta.Delete(id[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketPrograms).Delete(id[:])
	})
}

// GetStats returns store statistics.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.FilterCount = uint64(tx.Bucket(bucketMeta).Stats().KeyN)
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Sync flushes the database to disk.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// encodeMeta serializes metadata in a compact binary form:
// id (32) | created_at (8) | instructions (4) | wire_size (4) | name.
func encodeMeta(m *Meta) []byte {
	buf := make([]byte, 0, 48+len(m.Name))
	buf = append(buf, m.ID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.CreatedAt))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Instructions))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.WireSize))
	buf = append(buf, m.Name...)
	return buf
}

// decodeMeta parses serialized metadata.
func decodeMeta(b []byte) (*Meta, error) {
	if len(b) < 48 {
		return nil, fmt.Errorf("short filter metadata: %d bytes", len(b))
	}
	m := &Meta{}
	copy(m.ID[:], b[0:32])
	m.CreatedAt = int64(binary.BigEndian.Uint64(b[32:40]))
	m.Instructions = int(binary.BigEndian.Uint32(b[40:44]))
	m.WireSize = int(binary.BigEndian.Uint32(b[44:48]))
	m.Name = string(b[48:])
	return m, nil
}
