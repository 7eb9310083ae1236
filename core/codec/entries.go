package codec

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/codewandler/arque-go/core/ids"
)

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

// Bytes stores []byte as standard base64.
func Bytes() Entry {
	return EntryFor("bytes",
		func(b []byte) (any, error) { return base64.StdEncoding.EncodeToString(b), nil },
		func(v any) ([]byte, error) {
			s, err := asString(v)
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(s)
		},
	)
}

// Time stores time.Time as RFC 3339 with nanoseconds.
func Time() Entry {
	return EntryFor("time",
		func(t time.Time) (any, error) { return t.Format(time.RFC3339Nano), nil },
		func(v any) (time.Time, error) {
			s, err := asString(v)
			if err != nil {
				return time.Time{}, err
			}
			return time.Parse(time.RFC3339Nano, s)
		},
	)
}

func EventIDs() Entry {
	return EntryFor("event_id",
		func(id ids.EventID) (any, error) { return id.String(), nil },
		func(v any) (ids.EventID, error) {
			s, err := asString(v)
			if err != nil {
				return ids.Nil, err
			}
			return ids.ParseEventID(s)
		},
	)
}

func ObjectIDs() Entry {
	return EntryFor("object_id",
		func(id ids.ObjectID) (any, error) { return id.String(), nil },
		func(v any) (ids.ObjectID, error) {
			s, err := asString(v)
			if err != nil {
				return ids.NilObjectID, err
			}
			return ids.ParseObjectID(s)
		},
	)
}

// Decimal stores decimal.Decimal as its exact string form.
func Decimal() Entry {
	return EntryFor("decimal",
		func(d decimal.Decimal) (any, error) { return d.String(), nil },
		func(v any) (decimal.Decimal, error) {
			s, err := asString(v)
			if err != nil {
				return decimal.Zero, err
			}
			return decimal.NewFromString(s)
		},
	)
}

// Defaults returns the entries used by JSON based backends.
func Defaults() []Entry {
	return []Entry{Bytes(), Time(), EventIDs(), ObjectIDs(), Decimal()}
}
