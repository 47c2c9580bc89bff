// Package fingerprint builds composite deep-equality cache keys from an
// operation name and its argument values. Two keys are equal iff the
// operation names match and every argument is structurally equal,
// independent of allocation identity.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"reflect"
	"sort"
	"strconv"
)

// Key identifies one cached computation instance. Keys are plain strings so
// they can be used directly as map keys; they are never persisted or sent
// over the wire.
type Key string

// New computes a deterministic key from an operation name and its arguments.
// Formula: SHA256(op|enc(arg1)|enc(arg2)|...) where enc is a canonical,
// type-prefixed encoding of the argument value. Nil arguments are legal and
// encode to a distinct marker, so New("op", nil) != New("op", "").
func New(op string, args ...any) Key {
	h := sha256.New()
	writeString(h, "op", op)
	for _, arg := range args {
		encodeValue(h, reflect.ValueOf(arg))
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// String returns the hex digest.
func (k Key) String() string { return string(k) }

func writeString(h hash.Hash, prefix, s string) {
	// Length-prefixed to keep the encoding unambiguous across boundaries.
	h.Write([]byte(prefix))
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
	h.Write([]byte{'|'})
}

// encodeValue writes a canonical encoding of v into h. Pointers and
// interfaces are dereferenced, so *T and T holding equal values collide on
// purpose: a caller holding a freshly-decoded pointer must hit the same
// cache slot as one holding the value.
func encodeValue(h hash.Hash, v reflect.Value) {
	if !v.IsValid() {
		writeString(h, "z", "")
		return
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			writeString(h, "z", "")
			return
		}
		encodeValue(h, v.Elem())
	case reflect.Bool:
		writeString(h, "b", strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeString(h, "i", strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		writeString(h, "u", strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		writeString(h, "f", strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.String:
		writeString(h, "s", v.String())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			writeString(h, "z", "")
			return
		}
		writeString(h, "l", strconv.Itoa(v.Len()))
		for i := 0; i < v.Len(); i++ {
			encodeValue(h, v.Index(i))
		}
	case reflect.Map:
		if v.IsNil() {
			writeString(h, "z", "")
			return
		}
		// Map iteration order is randomized; encode entries sorted by the
		// canonical encoding of their keys.
		entries := make([]mapEntry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entries = append(entries, mapEntry{
				keyEnc: encodeToString(iter.Key()),
				val:    iter.Value(),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].keyEnc < entries[j].keyEnc })
		writeString(h, "m", strconv.Itoa(len(entries)))
		for _, e := range entries {
			writeString(h, "k", e.keyEnc)
			encodeValue(h, e.val)
		}
	case reflect.Struct:
		t := v.Type()
		writeString(h, "t", t.String())
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			writeString(h, "n", t.Field(i).Name)
			encodeValue(h, v.Field(i))
		}
	default:
		// Channels, funcs and the like have no structural identity worth
		// caching under; their textual form keeps New total.
		writeString(h, "x", fmt.Sprintf("%v", v))
	}
}

type mapEntry struct {
	keyEnc string
	val    reflect.Value
}

// encodeToString encodes a single value standalone, used for map key sorting.
func encodeToString(v reflect.Value) string {
	h := sha256.New()
	encodeValue(h, v)
	return hex.EncodeToString(h.Sum(nil))
}
