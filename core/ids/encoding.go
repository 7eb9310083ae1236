// Package ids provides compact, time-ordered binary identifiers.
//
// [EventID] is a 12 byte identifier made of a second-resolution timestamp,
// a per-process random salt and a per-process counter. [ObjectID] is a 16
// byte identifier made of a millisecond timestamp and 10 random bytes.
//
// Both render as base58 by default. The base58 alphabet is ordered, so
// encodings of equal-length identifiers sort the same way as their bytes.
package ids

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Encoding selects the textual representation of an identifier.
type Encoding string

const (
	Base58 Encoding = "base58"
	Hex    Encoding = "hex"
	Base64 Encoding = "base64"
)

var (
	ErrInvalidLength   = errors.New("ids: invalid length")
	ErrInvalidEncoding = errors.New("ids: invalid encoding")
)

func encode(b []byte, enc Encoding) string {
	switch enc {
	case Hex:
		return hex.EncodeToString(b)
	case Base64:
		return base64.StdEncoding.EncodeToString(b)
	default:
		return base58.Encode(b)
	}
}

func decode(s string, enc Encoding) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch enc {
	case Base58, "":
		b, err = base58.Decode(s)
	case Hex:
		b, err = hex.DecodeString(s)
	case Base64:
		b, err = base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, enc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEncoding, enc, err)
	}
	return b, nil
}

// decodeFixed decodes s and requires exactly size bytes.
func decodeFixed(s string, enc Encoding, size int) ([]byte, error) {
	b, err := decode(s, enc)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), size)
	}
	return b, nil
}
