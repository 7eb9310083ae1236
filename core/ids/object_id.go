package ids

import (
	"bytes"
	"time"
)

const ObjectIDSize = 16

// ObjectID is a 16 byte identifier for long-lived entities such as accounts:
//
//	[0:6]  big-endian unix milliseconds
//	[6:16] random
type ObjectID [ObjectIDSize]byte

// NilObjectID is the zero ObjectID.
var NilObjectID ObjectID

// NewObjectID returns a fresh ObjectID for the current time.
func NewObjectID() ObjectID { return newObjectIDAt(time.Now()) }

func newObjectIDAt(t time.Time) ObjectID {
	var id ObjectID
	ms := uint64(t.UnixMilli())
	for i := 0; i < 6; i++ {
		id[5-i] = byte(ms >> (8 * i))
	}
	mustRead(id[6:])
	return id
}

// ObjectIDFromBytes copies b into an ObjectID. b must be exactly 16 bytes.
func ObjectIDFromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != ObjectIDSize {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// ParseObjectID parses a base58 encoded ObjectID.
func ParseObjectID(s string) (ObjectID, error) { return ParseObjectIDEncoded(s, Base58) }

func ParseObjectIDEncoded(s string, enc Encoding) (ObjectID, error) {
	b, err := decodeFixed(s, enc, ObjectIDSize)
	if err != nil {
		return NilObjectID, err
	}
	return ObjectIDFromBytes(b)
}

func (id ObjectID) Bytes() []byte              { return bytes.Clone(id[:]) }
func (id ObjectID) String() string             { return encode(id[:], Base58) }
func (id ObjectID) Encode(enc Encoding) string { return encode(id[:], enc) }
func (id ObjectID) IsZero() bool               { return id == NilObjectID }
func (id ObjectID) Equal(other ObjectID) bool  { return id == other }
func (id ObjectID) Compare(other ObjectID) int { return bytes.Compare(id[:], other[:]) }

// Time returns the millisecond-resolution creation time embedded in the id.
func (id ObjectID) Time() time.Time {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(id[i])
	}
	return time.UnixMilli(int64(ms))
}

func (id ObjectID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ObjectID) UnmarshalText(b []byte) error {
	parsed, err := ParseObjectID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
