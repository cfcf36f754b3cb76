package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC_Variants(t *testing.T) {
	cases := []string{
		"02:aB:Cd:EF:01:02",
		"02-ab-cd-ef-01-02",
		"02aB.CdEF.0102",
		"02abcdef0102",
	}
	for _, c := range cases {
		got, err := NormalizeMAC(c)
		require.NoError(t, err, c)
		assert.Equal(t, "02:ab:cd:ef:01:02", got, c)
	}
}

func TestNormalizeMAC_Idempotent(t *testing.T) {
	got, err := NormalizeMAC("02:ab:cd:ef:01:02")
	require.NoError(t, err)
	twice, err := NormalizeMAC(got)
	require.NoError(t, err)
	assert.Equal(t, got, twice)
}

func TestNormalizeMAC_RejectsNon48Bit(t *testing.T) {
	_, err := NormalizeMAC("02:ab:cd:ef:01")
	assert.Error(t, err)
}

func TestChain_AppliesLeftToRight(t *testing.T) {
	chain, err := NewChain([]Step{
		{Name: "string.to_lower"},
		{Name: "string.add_suffix", Args: []any{".example.com"}},
	})
	require.NoError(t, err)

	out, err := chain.Apply("MyHost")
	require.NoError(t, err)
	assert.Equal(t, "myhost.example.com", out)
}

func TestChain_UnknownFunctionFailsValidation(t *testing.T) {
	_, err := NewChain([]Step{{Name: "string.not_a_real_function"}})
	assert.Error(t, err)
}

func TestIPv4Normalize_PreservesMask(t *testing.T) {
	fn, _ := Lookup("ipv4_address.normalize")
	out, err := fn("192.0.2.1/24", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1/24", out)
}

func TestIPAddressNetworkAndHost(t *testing.T) {
	netFn, _ := Lookup("ip_address.network")
	hostFn, _ := Lookup("ip_address.host")

	network, err := netFn("192.0.2.42/24", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.0/24", network)

	host, err := hostFn("192.0.2.42/24", nil)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.42", host)
}

func TestStringSplit_MaxSplit(t *testing.T) {
	fn, _ := Lookup("string.split")
	out, err := fn("a,b,c", []any{",", 1})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b,c"}, out)
}

func TestStringSplit_NoSeparatorSplitsOnWhitespace(t *testing.T) {
	fn, _ := Lookup("string.split")
	out, err := fn("  a  b\tc  ", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out)
}

func TestStringSplit_NoSeparatorWithMaxSplit(t *testing.T) {
	fn, _ := Lookup("string.split")
	out, err := fn("a b c", []any{nil, 1})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b c"}, out)
}
