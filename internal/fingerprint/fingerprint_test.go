package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/halvardsh/pax/internal/fingerprint"
)

func TestDeterministic(t *testing.T) {
	a := fingerprint.Of(func(h *fingerprint.Hasher) {
		h.String("foo").Uint64(42).Bool(true)
	})
	b := fingerprint.Of(func(h *fingerprint.Hasher) {
		h.String("foo").Uint64(42).Bool(true)
	})

	assert.Equal(t, a, b)
}

func TestStringLengthPrefixDistinguishesConcatenation(t *testing.T) {
	a := fingerprint.Of(func(h *fingerprint.Hasher) { h.String("ab").String("c") })
	b := fingerprint.Of(func(h *fingerprint.Hasher) { h.String("a").String("bc") })

	assert.NotEqual(t, a, b, "length-prefixing must prevent ambiguous concatenation")
}

func TestSetOrderInvariant(t *testing.T) {
	items1 := []string{"zeta", "alpha", "mid"}
	items2 := []string{"alpha", "mid", "zeta"}

	fp1 := fingerprint.Of(func(h *fingerprint.Hasher) {
		fingerprint.Set(h, items1, fingerprint.StringKey, func(h *fingerprint.Hasher, s string) { h.String(s) })
	})
	fp2 := fingerprint.Of(func(h *fingerprint.Hasher) {
		fingerprint.Set(h, items2, fingerprint.StringKey, func(h *fingerprint.Hasher, s string) { h.String(s) })
	})

	assert.Equal(t, fp1, fp2, "permuting set insertion order must not change the fingerprint")
}

func TestMapOrderInvariant(t *testing.T) {
	m1 := map[string]int{"a": 1, "b": 2, "c": 3}
	m2 := map[string]int{"c": 3, "a": 1, "b": 2}

	write := func(h *fingerprint.Hasher, m map[string]int) {
		fingerprint.Map(h, m, fingerprint.StringKey,
			func(h *fingerprint.Hasher, k string) { h.String(k) },
			func(h *fingerprint.Hasher, v int) { h.Int64(int64(v)) },
		)
	}

	fp1 := fingerprint.Of(func(h *fingerprint.Hasher) { write(h, m1) })
	fp2 := fingerprint.Of(func(h *fingerprint.Hasher) { write(h, m2) })

	assert.Equal(t, fp1, fp2)
}

func TestOptionalPresenceDistinguishesNone(t *testing.T) {
	present := fingerprint.Of(func(h *fingerprint.Hasher) {
		h.Optional(true, func(h *fingerprint.Hasher) { h.Uint64(0) })
	})
	absent := fingerprint.Of(func(h *fingerprint.Hasher) {
		h.Optional(false, func(h *fingerprint.Hasher) { h.Uint64(0) })
	})

	assert.NotEqual(t, present, absent)
}

func TestDiscriminatorSeparatesVariants(t *testing.T) {
	const (
		tagA = 1
		tagB = 2
	)

	a := fingerprint.Of(func(h *fingerprint.Hasher) { h.Discriminator(tagA).String("x") })
	b := fingerprint.Of(func(h *fingerprint.Hasher) { h.Discriminator(tagB).String("x") })

	assert.NotEqual(t, a, b)
}
