// Package fingerprint implements C1: stable, cross-platform hashing of
// resolution and build inputs into opaque 64-bit cache keys (spec §4.1).
//
// The keying contract mirrors original_source/crates/cache-key/src/cache_key.rs's
// CacheKey trait (length-prefixed strings, discriminator-tagged variants,
// canonical ordering for sets/maps) built on top of a non-cryptographic
// hash primitive — here github.com/cespare/xxhash/v2, the Go-ecosystem
// analogue of the Rust original's SeaHasher.
package fingerprint

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Key is an opaque 64-bit fingerprint. It is an index, never an
// authentication tag (spec §4.1: "non-cryptographic... used only for
// indexing").
type Key uint64

// Hasher absorbs a structural sequence of primitives into a running digest.
// Every absorb method corresponds to one clause of the keying contract in
// spec §4.1.
type Hasher struct {
	d *xxhash.Digest
}

// New returns a fresh Hasher.
func New() *Hasher {
	return &Hasher{d: xxhash.New()}
}

// Sum returns the accumulated fingerprint.
func (h *Hasher) Sum() Key {
	return Key(h.d.Sum64())
}

// Reset clears the hasher for reuse.
func (h *Hasher) Reset() {
	h.d.Reset()
}

func (h *Hasher) writeUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.d.Write(buf[:])
}

// Uint64 absorbs an unsigned integer at its declared 64-bit width,
// little-endian (spec §4.1 "Integers are absorbed in little-endian form at
// their declared width").
func (h *Hasher) Uint64(v uint64) *Hasher {
	h.writeUint64(v)
	return h
}

// Int64 absorbs a signed integer, bit-reinterpreted to preserve ordering of
// the raw bytes is not required (this is a structural hash, not a sort key).
func (h *Hasher) Int64(v int64) *Hasher {
	return h.Uint64(uint64(v))
}

// Bool absorbs a boolean as the 64-bit value 1 or 0, the same encoding
// Uint64 uses.
func (h *Hasher) Bool(v bool) *Hasher {
	if v {
		return h.Uint64(1)
	}

	return h.Uint64(0)
}

// String absorbs a length-prefixed UTF-8 string (spec §4.1 "Strings and
// paths absorb a leading length prefix... followed by their UTF-8 bytes").
func (h *Hasher) String(s string) *Hasher {
	h.writeUint64(uint64(len(s)))
	_, _ = h.d.Write([]byte(s))

	return h
}

// Path absorbs a filesystem path using the same length-prefixed string rule.
func (h *Hasher) Path(p string) *Hasher {
	return h.String(p)
}

// Optional absorbs presence as 0/1, followed by the inner value if present
// (spec §4.1 "Optional<T> absorbs 0 or 1 then, if present, the inner
// value").
func (h *Hasher) Optional(present bool, write func(*Hasher)) *Hasher {
	if !present {
		h.writeUint64(0)
		return h
	}

	h.writeUint64(1)
	write(h)

	return h
}

// Discriminator absorbs a tagged-variant discriminator. Discriminators MUST
// be pinned by the spec, never by declaration order (spec §4.1) — callers
// pass a stable numeric tag defined alongside the variant's type.
func (h *Hasher) Discriminator(tag uint64) *Hasher {
	return h.Uint64(tag)
}

// Sequence absorbs an ordered sequence: length, then each element in order
// via write (spec §4.1 "Ordered sequences absorb length then elements in
// order").
func Sequence[T any](h *Hasher, items []T, write func(*Hasher, T)) *Hasher {
	h.writeUint64(uint64(len(items)))

	for _, item := range items {
		write(h, item)
	}

	return h
}

// Set absorbs an unordered collection in canonical order: sorted by each
// element's own fingerprint (spec §4.1 "set... MUST absorb in a canonical
// order (set: by element fingerprint)"). fp must be pure and depend only on
// the element's structural identity.
func Set[T any](h *Hasher, items []T, fp func(T) Key, write func(*Hasher, T)) *Hasher {
	type keyed struct {
		k Key
		v T
	}

	ks := make([]keyed, len(items))
	for i, it := range items {
		ks[i] = keyed{k: fp(it), v: it}
	}

	sort.Slice(ks, func(i, j int) bool { return ks[i].k < ks[j].k })

	h.writeUint64(uint64(len(ks)))

	for _, k := range ks {
		write(h, k.v)
	}

	return h
}

// Map absorbs an unordered key-value collection in canonical order: sorted
// by each key's fingerprint (spec §4.1 "map: by key fingerprint").
func Map[V any](h *Hasher, items map[string]V, keyFP func(string) Key, writeKey func(*Hasher, string), writeVal func(*Hasher, V)) *Hasher {
	type entry struct {
		kfp Key
		k   string
	}

	entries := make([]entry, 0, len(items))
	for k := range items {
		entries = append(entries, entry{kfp: keyFP(k), k: k})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].kfp < entries[j].kfp })

	h.writeUint64(uint64(len(entries)))

	for _, e := range entries {
		writeKey(h, e.k)
		writeVal(h, items[e.k])
	}

	return h
}

// StringKey computes the fingerprint of a bare string, the common case used
// as the `fp`/`keyFP` callback for Set/Map of plain strings.
func StringKey(s string) Key {
	h := New()
	h.String(s)

	return h.Sum()
}

// Of is a convenience one-shot: build a Hasher, run write, return Sum().
func Of(write func(*Hasher)) Key {
	h := New()
	write(h)

	return h.Sum()
}
