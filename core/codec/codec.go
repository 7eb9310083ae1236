// Package codec converts values that have no native representation in a
// flexible document store (byte slices, timestamps, identifiers, decimals,
// domain value objects) into plain document values and back.
//
// A [Codec] is built from a table of [Entry] values. Serializing a value
// whose type matches an entry wraps the entry's output in a tagged
// envelope:
//
//	{"$codec": "<entry name>", "v": <serialized value>}
//
// Deserializing recognises the envelope and reverses it. Backends that can
// store some types natively (for example BSON binaries and dates) declare
// them with [WithPassthrough] and map the values their driver decodes back
// with [WithNormalizer].
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

const (
	TagKey   = "$codec"
	ValueKey = "v"
)

var (
	ErrDuplicateEntry = errors.New("codec: duplicate entry")
	ErrInvalidEntry   = errors.New("codec: invalid entry")
	ErrUnknownTag     = errors.New("codec: unknown tag")
)

// Entry converts values of one Go type.
type Entry struct {
	Name        string
	Type        reflect.Type
	Serialize   func(v any) (any, error)
	Deserialize func(v any) (any, error)
}

// EntryFor builds an Entry for T with typed conversion functions.
func EntryFor[T any](name string, serialize func(T) (any, error), deserialize func(any) (T, error)) Entry {
	return Entry{
		Name: name,
		Type: reflect.TypeFor[T](),
		Serialize: func(v any) (any, error) {
			return serialize(v.(T))
		},
		Deserialize: func(v any) (any, error) {
			return deserialize(v)
		},
	}
}

type Option func(*Codec)

// WithPassthrough leaves values of the given types untouched on Serialize.
func WithPassthrough(types ...reflect.Type) Option {
	return func(c *Codec) {
		for _, t := range types {
			c.passthrough[t] = struct{}{}
		}
	}
}

// WithNormalizer registers fn to convert values of type t produced by a
// storage driver before Deserialize inspects them.
func WithNormalizer(t reflect.Type, fn func(any) (any, error)) Option {
	return func(c *Codec) { c.normalizers[t] = fn }
}

// Codec is immutable after New and safe for concurrent use.
type Codec struct {
	byType      map[reflect.Type]Entry
	byName      map[string]Entry
	passthrough map[reflect.Type]struct{}
	normalizers map[reflect.Type]func(any) (any, error)
}

// New builds a Codec. Entry names and types must be unique.
func New(entries []Entry, opts ...Option) (*Codec, error) {
	c := &Codec{
		byType:      make(map[reflect.Type]Entry, len(entries)),
		byName:      make(map[string]Entry, len(entries)),
		passthrough: map[reflect.Type]struct{}{},
		normalizers: map[reflect.Type]func(any) (any, error){},
	}
	for _, e := range entries {
		if e.Name == "" || e.Type == nil || e.Serialize == nil || e.Deserialize == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEntry, e.Name)
		}
		if _, ok := c.byName[e.Name]; ok {
			return nil, fmt.Errorf("%w: name %q", ErrDuplicateEntry, e.Name)
		}
		if _, ok := c.byType[e.Type]; ok {
			return nil, fmt.Errorf("%w: type %s", ErrDuplicateEntry, e.Type)
		}
		c.byName[e.Name] = e
		c.byType[e.Type] = e
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(entries []Entry, opts ...Option) *Codec {
	c, err := New(entries, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Serialize converts v into a tree of maps, slices and scalars.
func (c *Codec) Serialize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			s, err := c.Serialize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			s, err := c.Serialize(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	}

	t := reflect.TypeOf(v)
	if _, ok := c.passthrough[t]; ok {
		return v, nil
	}
	if e, ok := c.byType[t]; ok {
		inner, err := e.Serialize(v)
		if err != nil {
			return nil, fmt.Errorf("codec %s: %w", e.Name, err)
		}
		return map[string]any{TagKey: e.Name, ValueKey: inner}, nil
	}

	return c.serializeReflect(reflect.ValueOf(v))
}

func (c *Codec) serializeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.Serialize(rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return c.Serialize(out)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return c.Serialize(out)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}

	// structs and other values go through their JSON form
	data, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, fmt.Errorf("codec: unsupported value %s: %w", rv.Type(), err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Deserialize reverses Serialize.
func (c *Codec) Deserialize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if fn, ok := c.normalizers[reflect.TypeOf(v)]; ok {
		var err error
		if v, err = fn(v); err != nil {
			return nil, err
		}
	}

	switch x := v.(type) {
	case map[string]any:
		if name, ok := x[TagKey].(string); ok && len(x) == 2 {
			if inner, ok := x[ValueKey]; ok {
				return c.deserializeTagged(name, inner)
			}
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			d, err := c.Deserialize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			d, err := c.Deserialize(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = d
		}
		return out, nil
	}
	return v, nil
}

func (c *Codec) deserializeTagged(name string, inner any) (any, error) {
	e, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, name)
	}
	inner, err := c.Deserialize(inner)
	if err != nil {
		return nil, err
	}
	out, err := e.Deserialize(inner)
	if err != nil {
		return nil, fmt.Errorf("codec %s: %w", name, err)
	}
	return out, nil
}

// SerializeMap is Serialize for document roots.
func (c *Codec) SerializeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := c.Serialize(m)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// DeserializeMap is Deserialize for document roots. A nil or non-map
// input yields an empty map.
func (c *Codec) DeserializeMap(v any) (map[string]any, error) {
	d, err := c.Deserialize(v)
	if err != nil {
		return nil, err
	}
	m, ok := d.(map[string]any)
	if !ok || m == nil {
		return map[string]any{}, nil
	}
	return m, nil
}
