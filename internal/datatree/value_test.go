package datatree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_CompoundKeyGet(t *testing.T) {
	v := Map(
		KV{Key: "net", Value: Map(
			KV{Key: "mac_addr", Value: String("02:00:00:00:00:01")},
			KV{Key: "aliases", Value: Seq([]Value{String("a"), String("b")})},
		)},
	)

	got := v.Get("net:mac_addr")
	require.False(t, got.IsAbsent())
	assert.Equal(t, "02:00:00:00:00:01", got.String())

	got = v.Get("net:aliases:1")
	require.False(t, got.IsAbsent())
	assert.Equal(t, "b", got.String())

	assert.True(t, v.Get("net:missing").IsAbsent())
	assert.True(t, v.Get("net:aliases:5").IsAbsent())
}

func TestValue_GetNeverErrorsOnMismatchedShape(t *testing.T) {
	v := String("scalar")
	assert.True(t, v.Get("anything").IsAbsent())
}

func TestValue_Set(t *testing.T) {
	v := Map()
	v = v.Set("net:mac_addr", String("02:00:00:00:00:01"))
	assert.Equal(t, "02:00:00:00:00:01", v.Get("net:mac_addr").String())

	// Set must not mutate the original.
	orig := Map(KV{Key: "a", Value: Int(1)})
	updated := orig.Set("a", Int(2))
	assert.Equal(t, int64(1), firstInt(orig.Get("a")))
	assert.Equal(t, int64(2), firstInt(updated.Get("a")))
}

func firstInt(v Value) int64 {
	i, _ := v.Int()
	return i
}

func TestMerge_MapsRecurse(t *testing.T) {
	a := Map(
		KV{Key: "net", Value: Map(
			KV{Key: "hostname", Value: String("myhost")},
			KV{Key: "mac_addr", Value: String("02:00:00:00:00:01")},
		)},
	)
	b := Map(
		KV{Key: "net", Value: Map(
			KV{Key: "hostname", Value: String("override")},
		)},
	)

	merged := Merge(a, b, false)
	assert.Equal(t, "override", merged.Get("net:hostname").String())
	assert.Equal(t, "02:00:00:00:00:01", merged.Get("net:mac_addr").String())
}

func TestMerge_SequenceReplaceVsAppend(t *testing.T) {
	a := Map(KV{Key: "tags", Value: Seq([]Value{String("x")})})
	b := Map(KV{Key: "tags", Value: Seq([]Value{String("y")})})

	replaced := Merge(a, b, false)
	seq, ok := replaced.Get("tags").Seq()
	require.True(t, ok)
	require.Len(t, seq, 1)
	assert.Equal(t, "y", seq[0].String())

	appended := Merge(a, b, true)
	seq, ok = appended.Get("tags").Seq()
	require.True(t, ok)
	require.Len(t, seq, 2)
	assert.Equal(t, "x", seq[0].String())
	assert.Equal(t, "y", seq[1].String())
}

func TestMerge_AbsentIsIdentity(t *testing.T) {
	a := Map(KV{Key: "a", Value: Int(1)})
	assert.Equal(t, a, Merge(a, Absent, false))
	assert.Equal(t, a, Merge(Absent, a, false))
}
