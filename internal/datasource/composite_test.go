package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinegar-boot/vinegar/internal/datatree"
)

// fakeSource is a minimal in-memory DataSource for exercising Composite
// merge and lookup behaviour without any real backend.
type fakeSource struct {
	name       string
	data       map[string]datatree.Value
	version    Version
	reverse    map[string]string // "key=value" -> systemID
	supportsRF bool
	calls      *int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) GetData(systemID string, preceding datatree.Value) (datatree.Value, Version, error) {
	if f.calls != nil {
		*f.calls++
	}
	v, ok := f.data[systemID]
	if !ok {
		return datatree.Absent, f.version, nil
	}
	return v, f.version, nil
}

func (f *fakeSource) Version(systemID string, preceding datatree.Value) (Version, error) {
	return f.version, nil
}

func (f *fakeSource) FindSystem(key, value string) (string, bool, error) {
	id, ok := f.reverse[key+"="+value]
	return id, ok, nil
}

func (f *fakeSource) SupportsFindSystem() bool { return f.supportsRF }

func TestComposite_MergePrecedence(t *testing.T) {
	text := &fakeSource{
		name: "text_file",
		data: map[string]datatree.Value{
			"myhost.example.com": datatree.Map(
				datatree.KV{Key: "net", Value: datatree.Map(
					datatree.KV{Key: "hostname", Value: datatree.String("myhost")},
				)},
			),
		},
	}
	yamlSrc := &fakeSource{
		name: "yaml_target",
		data: map[string]datatree.Value{
			"myhost.example.com": datatree.Map(
				datatree.KV{Key: "net", Value: datatree.Map(
					datatree.KV{Key: "hostname", Value: datatree.String("override")},
				)},
			),
		},
	}

	composite := NewComposite([]DataSource{text, yamlSrc}, false)
	data, _, err := composite.GetData("myhost.example.com")
	require.NoError(t, err)
	assert.Equal(t, "override", data.Get("net:hostname").String())
}

func TestComposite_FindSystemFirstSupportedWins(t *testing.T) {
	unsupported := &fakeSource{name: "yaml_target", supportsRF: false}
	supported := &fakeSource{
		name:       "text_file",
		supportsRF: true,
		reverse:    map[string]string{"net:mac_addr=02:00:00:00:00:01": "myhost.example.com"},
	}

	composite := NewComposite([]DataSource{unsupported, supported}, false)
	id, ok, err := composite.FindSystem("net:mac_addr", "02:00:00:00:00:01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "myhost.example.com", id)
}

func TestComposite_GetDataIdempotent(t *testing.T) {
	calls := 0
	src := &fakeSource{
		name:  "text_file",
		calls: &calls,
		data: map[string]datatree.Value{
			"host": datatree.Map(datatree.KV{Key: "a", Value: datatree.Int(1)}),
		},
	}
	composite := NewComposite([]DataSource{src}, false)

	first, _, err := composite.GetData("host")
	require.NoError(t, err)
	second, _, err := composite.GetData("host")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls) // second call's version probe matched the cache; GetData was not re-invoked.
}

func TestComposite_GetDataRecomputesOnVersionChange(t *testing.T) {
	calls := 0
	src := &fakeSource{
		name:    "text_file",
		calls:   &calls,
		version: 1,
		data: map[string]datatree.Value{
			"host": datatree.Map(datatree.KV{Key: "a", Value: datatree.Int(1)}),
		},
	}
	composite := NewComposite([]DataSource{src}, false)

	_, v1, err := composite.GetData("host")
	require.NoError(t, err)

	src.version = 2
	src.data["host"] = datatree.Map(datatree.KV{Key: "a", Value: datatree.Int(2)})

	second, v2, err := composite.GetData("host")
	require.NoError(t, err)

	assert.Equal(t, 2, calls) // version probe changed, so GetData ran again.
	assert.NotEqual(t, v1, v2)
	n, _ := second.Get("a").Int()
	assert.Equal(t, int64(2), n)
}
