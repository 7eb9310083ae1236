package mongo

import (
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/codewandler/arque-go/core/codec"
)

// newCodec builds the document codec. Byte slices and times are stored as
// native BSON binaries and dates; the normalizers map what the driver
// decodes into interface values back to plain Go values.
func newCodec(entries []codec.Entry) (*codec.Codec, error) {
	return codec.New(
		entries,
		codec.WithPassthrough(reflect.TypeFor[[]byte](), reflect.TypeFor[time.Time]()),
		codec.WithNormalizer(reflect.TypeFor[primitive.Binary](), func(v any) (any, error) {
			return v.(primitive.Binary).Data, nil
		}),
		codec.WithNormalizer(reflect.TypeFor[primitive.DateTime](), func(v any) (any, error) {
			return v.(primitive.DateTime).Time().UTC(), nil
		}),
		codec.WithNormalizer(reflect.TypeFor[primitive.D](), func(v any) (any, error) {
			d := v.(primitive.D)
			m := make(map[string]any, len(d))
			for _, e := range d {
				m[e.Key] = e.Value
			}
			return m, nil
		}),
		codec.WithNormalizer(reflect.TypeFor[primitive.M](), func(v any) (any, error) {
			return map[string]any(v.(primitive.M)), nil
		}),
		codec.WithNormalizer(reflect.TypeFor[primitive.A](), func(v any) (any, error) {
			return []any(v.(primitive.A)), nil
		}),
	)
}
