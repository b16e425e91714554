// Package types defines the identity types shared across pfvm.
//
// Filters are content-addressed: a FilterID is the BLAKE3-256 hash of the
// filter program's wire bytes, so identical programs always resolve to the
// same ID regardless of the name they were registered under. Packets are
// identified in the capture log by their SHA3-256 digest.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size constants for core types.
const (
	FilterIDSize     = 32
	PacketDigestSize = 32
)

var (
	// ErrInvalidFilterID is returned when a filter ID has invalid length.
	ErrInvalidFilterID = errors.New("invalid filter id: must be 32 bytes")

	// ErrInvalidPacketDigest is returned when a packet digest has invalid length.
	ErrInvalidPacketDigest = errors.New("invalid packet digest: must be 32 bytes")
)

// FilterID is the BLAKE3-256 content hash of a filter program's wire bytes.
type FilterID [FilterIDSize]byte

// ComputeFilterID hashes a filter program's wire bytes.
func ComputeFilterID(program []byte) FilterID {
	return FilterID(blake3.Sum256(program))
}

// FilterIDFromBase58 parses a base58-encoded filter ID.
func FilterIDFromBase58(s string) (FilterID, error) {
	var id FilterID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != FilterIDSize {
		return id, ErrInvalidFilterID
	}
	copy(id[:], data)
	return id, nil
}

// FilterIDFromBytes creates a FilterID from a byte slice.
func FilterIDFromBytes(b []byte) (FilterID, error) {
	var id FilterID
	if len(b) != FilterIDSize {
		return id, ErrInvalidFilterID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id FilterID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the ID is all zeros.
func (id FilterID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the ID as a byte slice.
func (id FilterID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id FilterID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *FilterID) UnmarshalText(text []byte) error {
	parsed, err := FilterIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PacketDigest is the SHA3-256 digest of a packet's bytes.
type PacketDigest [PacketDigestSize]byte

// ComputePacketDigest hashes packet bytes.
func ComputePacketDigest(packet []byte) PacketDigest {
	return PacketDigest(sha3.Sum256(packet))
}

// PacketDigestFromBytes creates a PacketDigest from a byte slice.
func PacketDigestFromBytes(b []byte) (PacketDigest, error) {
	var d PacketDigest
	if len(b) != PacketDigestSize {
		return d, ErrInvalidPacketDigest
	}
	copy(d[:], b)
	return d, nil
}

// String returns the hex-encoded representation.
func (d PacketDigest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the digest as a byte slice.
func (d PacketDigest) Bytes() []byte {
	return d[:]
}
