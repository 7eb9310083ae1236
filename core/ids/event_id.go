package ids

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"
)

const (
	EventIDSize = 12
	saltSize    = 5
	counterMask = 0x00ffffff
)

// EventID is a 12 byte identifier:
//
//	[0:4]  big-endian unix seconds
//	[4:9]  per-generator random salt
//	[9:12] per-generator counter, wraps at 2^24
type EventID [EventIDSize]byte

// Nil is the zero EventID.
var Nil EventID

// EventIDGenerator produces EventIDs sharing one salt and one counter.
// It is safe for concurrent use.
type EventIDGenerator struct {
	salt    [saltSize]byte
	counter atomic.Uint32
	now     func() time.Time
}

// NewEventIDGenerator creates a generator with a fresh random salt and a
// random counter start.
func NewEventIDGenerator() *EventIDGenerator {
	g := &EventIDGenerator{now: time.Now}
	var seed [4]byte
	mustRead(g.salt[:])
	mustRead(seed[:])
	g.counter.Store(binary.BigEndian.Uint32(seed[:]) & counterMask)
	return g
}

func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("ids: crypto/rand failed: " + err.Error())
	}
}

// Next returns a fresh EventID.
func (g *EventIDGenerator) Next() EventID {
	var id EventID
	binary.BigEndian.PutUint32(id[0:4], uint32(g.now().Unix()))
	copy(id[4:9], g.salt[:])
	c := g.counter.Add(1) & counterMask
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

var defaultGenerator = NewEventIDGenerator()

// NewEventID returns a fresh EventID from the process-wide generator.
func NewEventID() EventID { return defaultGenerator.Next() }

// EventIDFromBytes copies b into an EventID. b must be exactly 12 bytes.
func EventIDFromBytes(b []byte) (EventID, error) {
	var id EventID
	if len(b) != EventIDSize {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// ParseEventID parses a base58 encoded EventID.
func ParseEventID(s string) (EventID, error) { return ParseEventIDEncoded(s, Base58) }

// ParseEventIDEncoded parses s using the given encoding.
func ParseEventIDEncoded(s string, enc Encoding) (EventID, error) {
	b, err := decodeFixed(s, enc, EventIDSize)
	if err != nil {
		return Nil, err
	}
	return EventIDFromBytes(b)
}

// MustParseEventID is like ParseEventID but panics on error.
func MustParseEventID(s string) EventID {
	id, err := ParseEventID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id EventID) Bytes() []byte              { return bytes.Clone(id[:]) }
func (id EventID) String() string             { return encode(id[:], Base58) }
func (id EventID) Encode(enc Encoding) string { return encode(id[:], enc) }
func (id EventID) IsZero() bool               { return id == Nil }
func (id EventID) Equal(other EventID) bool   { return id == other }
func (id EventID) Compare(other EventID) int  { return bytes.Compare(id[:], other[:]) }

// Time returns the second-resolution creation time embedded in the id.
func (id EventID) Time() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0)
}

func (id EventID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
