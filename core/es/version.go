package es

import (
	"log/slog"
	"strconv"
)

// Version is the position of an event within its aggregate. The first
// event of an aggregate has version 1; an aggregate without events is at
// version 0. Writers pass the version they expect to create and the store
// rejects it when it is already taken.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) String() string                         { return strconv.FormatUint(uint64(v), 10) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
