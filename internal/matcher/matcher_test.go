package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinegar-boot/vinegar/internal/datatree"
)

func eval(t *testing.T, src string, ctx Context) bool {
	expr, err := Parse(src)
	require.NoError(t, err, src)
	return expr.Eval(ctx)
}

func TestGlobLiteral(t *testing.T) {
	ctx := Context{ID: "web01.example.com"}
	assert.True(t, eval(t, "*.example.com", ctx))
	assert.False(t, eval(t, "*.example.org", ctx))
}

func TestIDExact(t *testing.T) {
	ctx := Context{ID: "web01.example.com"}
	assert.True(t, eval(t, `id web01.example.com`, ctx))
	assert.True(t, eval(t, `id WEB01.EXAMPLE.COM`, ctx))
	assert.False(t, eval(t, `cs id WEB01.EXAMPLE.COM`, ctx))
}

func TestAndOrNotGrouping(t *testing.T) {
	ctx := Context{ID: "web01.example.com"}
	assert.True(t, eval(t, `*.example.com and not id nothing`, ctx))
	assert.True(t, eval(t, `(id a or id web01.example.com) and not id b`, ctx))
}

func TestKeyComparison(t *testing.T) {
	data := datatree.Map(
		datatree.KV{Key: "net", Value: datatree.Map(
			datatree.KV{Key: "ipv4_addr", Value: datatree.String("192.0.2.5")},
		)},
	)
	ctx := Context{ID: "host", Data: data}
	assert.True(t, eval(t, `@net:ipv4_addr == 192.0.2.5`, ctx))
	assert.False(t, eval(t, `@net:ipv4_addr == 192.0.2.6`, ctx))
}

func TestSubnetMembership(t *testing.T) {
	data := datatree.Map(
		datatree.KV{Key: "net", Value: datatree.Map(
			datatree.KV{Key: "ipv4_addr", Value: datatree.String("192.0.2.5")},
		)},
	)
	ctx := Context{ID: "host", Data: data}
	assert.True(t, eval(t, `@net:ipv4_addr == 192.0.2.0/24`, ctx))
	assert.False(t, eval(t, `@net:ipv4_addr == 198.51.100.0/24`, ctx))
}

func TestBareAtKeyTruthiness(t *testing.T) {
	data := datatree.Map(datatree.KV{Key: "enabled", Value: datatree.Bool(true)})
	ctx := Context{ID: "host", Data: data}
	assert.True(t, eval(t, `@enabled`, ctx))

	data2 := datatree.Map(datatree.KV{Key: "enabled", Value: datatree.Bool(false)})
	assert.False(t, eval(t, `@enabled`, Context{ID: "host", Data: data2}))
}

func TestParseRejectsUnbalancedParens(t *testing.T) {
	_, err := Parse("(")
	assert.Error(t, err)
}
