package feed

import (
	"time"
)

// Packet is a captured packet frame delivered by the feed.
type Packet struct {
	// Seq is the server-assigned sequence number.
	Seq uint64

	// Source names the capture source that produced the packet.
	Source string

	// Data holds the packet bytes, truncated to the subscription snap length.
	Data []byte

	// OrigLen is the original packet length before truncation.
	OrigLen uint32

	// CapturedAt is the server-side capture time, if provided.
	CapturedAt time.Time

	// ReceivedAt is when the client received the packet.
	ReceivedAt time.Time
}

// Truncated reports whether the packet bytes were cut at the snap length.
func (p *Packet) Truncated() bool {
	return uint32(len(p.Data)) < p.OrigLen
}

// ClientHealth describes the current state of the feed client.
type ClientHealth struct {
	// Connected reports whether the stream is up.
	Connected bool

	// LastSeq is the sequence of the most recent packet.
	LastSeq uint64

	// LastUpdate is when the last update arrived.
	LastUpdate time.Time

	// Provider is the configured endpoint.
	Provider string

	// Latency is the time since the last update.
	Latency time.Duration

	// ReconnectCount is the number of reconnection attempts so far.
	ReconnectCount int

	// LastError is the most recent connection error, if any.
	LastError error
}
