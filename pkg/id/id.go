package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// MessageID is a 128-bit, lexicographically sortable identifier encoded as
// 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence]. IDs produced
// by one Generator are strictly increasing, which makes them safe to use as
// the FIFO tiebreaker inside a priority level.
type MessageID [16]byte

// Bytes returns the raw 16-byte representation.
func (m MessageID) Bytes() []byte { b := make([]byte, 16); copy(b, m[:]); return b }

// String returns the 32-char lowercase hex form used on the wire.
func (m MessageID) String() string { return hex.EncodeToString(m[:]) }

// TimeMs returns the millisecond timestamp half of the ID.
func (m MessageID) TimeMs() int64 { return int64(binary.BigEndian.Uint64(m[0:8])) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (m MessageID) Compare(other MessageID) int {
	for i := 0; i < 16; i++ {
		if m[i] < other[i] {
			return -1
		}
		if m[i] > other[i] {
			return 1
		}
	}
	return 0
}

// IsZero reports whether the ID is unset.
func (m MessageID) IsZero() bool { return m == MessageID{} }

// Parse decodes the hex wire form back into a MessageID.
func Parse(s string) (MessageID, error) {
	var m MessageID
	b, err := hex.DecodeString(s)
	if err != nil {
		return m, err
	}
	if len(b) != 16 {
		return m, errors.New("id: message id must be 16 bytes")
	}
	copy(m[:], b)
	return m, nil
}

// Generator produces monotonically increasing MessageIDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch. Overridable in
// tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new MessageID. If the clock goes backwards it keeps issuing
// from lastMs and increments the sequence; if the sequence would overflow
// within one millisecond it waits for the next one.
func (g *Generator) Next() MessageID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.sequence)
}

func makeID(ms int64, seq uint64) MessageID {
	var m MessageID
	binary.BigEndian.PutUint64(m[0:8], uint64(ms))
	binary.BigEndian.PutUint64(m[8:16], seq)
	return m
}
