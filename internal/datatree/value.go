// Package datatree implements the tagged-variant value representation that
// backs every data source's contribution and the merged per-system data
// tree: scalars, ordered sequences, and string-keyed mappings, plus a
// distinguishable "absent" signal for missing lookups.
package datatree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Kind tags the variant stored in a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat
	KindString
	KindSeq
	KindMap
)

// Value is an immutable tagged union over the scalar/sequence/mapping
// shapes a data tree may take. The zero Value is Absent, not Null — the two
// are never conflated (spec: "never confused with null").
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	seq  []Value
	m    *omap
}

// Absent is the distinguishable "missing" signal returned by failed
// lookups. It is distinct from Null.
var Absent = Value{kind: KindAbsent}

// Null is the explicit null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }

func Seq(items []Value) Value {
	return Value{kind: KindSeq, seq: items}
}

// Map builds a mapping value from an ordered list of key/value pairs.
// Later duplicate keys overwrite earlier ones but keep the earlier
// position, matching the ordered-dict behaviour of the original
// implementation's smart_dict / odict helpers.
func Map(pairs ...KV) Value {
	m := newOmap()
	for _, p := range pairs {
		m.set(p.Key, p.Value)
	}
	return Value{kind: KindMap, m: m}
}

// KV is a single mapping entry, used by Map and by builders that
// assemble a mapping incrementally.
type KV struct {
	Key   string
	Value Value
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsAbsent() bool { return v.kind == KindAbsent }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsMap() bool    { return v.kind == KindMap }
func (v Value) IsSeq() bool    { return v.kind == KindSeq }

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	default:
		return 0, false
	}
}

func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindNull:
		return "null"
	case KindAbsent:
		return ""
	default:
		return fmt.Sprintf("%v", v.Native())
	}
}

func (v Value) Seq() ([]Value, bool) {
	if v.kind != KindSeq {
		return nil, false
	}
	return v.seq, true
}

// Keys returns the mapping's keys in insertion order. Returns nil for
// non-map values.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	return v.m.keys()
}

// Field looks up a single, non-compound key in a mapping value.
func (v Value) Field(key string) Value {
	if v.kind != KindMap {
		return Absent
	}
	val, ok := v.m.get(key)
	if !ok {
		return Absent
	}
	return val
}

// Index looks up a sequence element by integer index. Negative indices are
// not supported; out-of-range indices yield Absent.
func (v Value) Index(i int) Value {
	if v.kind != KindSeq || i < 0 || i >= len(v.seq) {
		return Absent
	}
	return v.seq[i]
}

// Get resolves a compound key (":"-separated path) against this value,
// traversing mappings by field name and sequences by integer index. A path
// segment that cannot be resolved at any point yields Absent, never an
// error -- compound-key lookup never fails, it only returns absence.
//
// The path is translated into a restricted JSONPath expression and
// evaluated with ojg/jp against the value's native (map[string]any /
// []any) projection, the same way JsonWalker.Query wraps jp.ParseString
// over a generic "any" tree; only plain field/index segments are
// supported, so translation never needs JSONPath's wildcard or filter
// syntax.
func (v Value) Get(path string) Value {
	if path == "" {
		return v
	}
	expr, err := jp.ParseString(compoundKeyToJSONPath(path))
	if err != nil {
		return Absent
	}
	matches := expr.Get(v.Native())
	if len(matches) == 0 {
		return Absent
	}
	return FromNative(matches[0])
}

// compoundKeyToJSONPath turns "net:mac_addr" or "net:aliases:0" into the
// JSONPath form ojg/jp expects: "$.net.mac_addr" / "$.net.aliases['0',0]".
// A numeric segment becomes a union of the field name and the index, so it
// resolves as a key in a mapping and as an index in a sequence.
func compoundKeyToJSONPath(path string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range strings.Split(path, ":") {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("['")
			b.WriteString(seg)
			b.WriteString("',")
			b.WriteString(seg)
			b.WriteByte(']')
		} else {
			b.WriteByte('.')
			b.WriteString(seg)
		}
	}
	return b.String()
}

// Set returns a new mapping value with the compound key path set to val,
// creating intermediate mappings as needed. The receiver is not mutated.
func (v Value) Set(path string, val Value) Value {
	segs := strings.Split(path, ":")
	return setPath(v, segs, val)
}

func setPath(v Value, segs []string, val Value) Value {
	if len(segs) == 0 {
		return val
	}
	head, rest := segs[0], segs[1:]
	base := v
	if base.kind != KindMap {
		base = Map()
	}
	child := base.Field(head)
	newChild := setPath(child, rest, val)
	m := base.m.clone()
	m.set(head, newChild)
	return Value{kind: KindMap, m: m}
}

// Native converts a Value back into plain Go types (map[string]any,
// []any, string, int64, float64, bool, nil), suitable for handing to a
// template engine context or a JSON/YAML encoder.
func (v Value) Native() any {
	switch v.kind {
	case KindAbsent:
		return nil
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindSeq:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m.keys()))
		for _, k := range v.m.keys() {
			val, _ := v.m.get(k)
			out[k] = val.Native()
		}
		return out
	}
	return nil
}

// FromNative builds a Value from a plain Go value as produced by
// encoding/json, gopkg.in/yaml.v3, or github.com/ohler55/ojg decoding:
// map[string]any / map[any]any, []any, string, bool, int/int64/float64,
// nil.
func FromNative(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		return Float(t)
	case float32:
		return Float(float64(t))
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			seq[i] = FromNative(e)
		}
		return Seq(seq)
	case map[string]any:
		m := newOmap()
		for _, k := range sortedKeys(t) {
			m.set(k, FromNative(t[k]))
		}
		return Value{kind: KindMap, m: m}
	case map[any]any:
		m := newOmap()
		for k, val := range t {
			m.set(fmt.Sprintf("%v", k), FromNative(val))
		}
		return Value{kind: KindMap, m: m}
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// FromJSON decodes a JSON document into a Value, for sources (the sqlite
// data source's "json" value type, the sqlite_update handler's
// set_json_value_from_request_body action) that store or receive
// pre-serialized JSON rather than structured config.
func FromJSON(raw []byte) (Value, error) {
	var x any
	if err := json.Unmarshal(raw, &x); err != nil {
		return Absent, err
	}
	return FromNative(x), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Plain Go maps carry no order of their own, so lexical order is used
	// to make the resulting mapping's key order deterministic.
	sort.Strings(keys)
	return keys
}
