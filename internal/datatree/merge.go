package datatree

// Merge combines v with other, with other taking precedence, following
// spec.md's merge semantics: mappings merge recursively key by key;
// sequences are replaced wholesale by other unless appendSeqs is set, in
// which case other's items are appended after v's; an absent side yields
// the other side unchanged; every other pairing (scalar vs scalar, scalar
// vs map, ...) is last-wins, other replacing v outright.
func Merge(v, other Value, appendSeqs bool) Value {
	if other.IsAbsent() {
		return v
	}
	if v.IsAbsent() {
		return other
	}
	if v.kind == KindMap && other.kind == KindMap {
		out := v.m.clone()
		for _, k := range other.m.keys() {
			ov, _ := other.m.get(k)
			if existing, ok := out.get(k); ok {
				out.set(k, Merge(existing, ov, appendSeqs))
			} else {
				out.set(k, ov)
			}
		}
		return Value{kind: KindMap, m: out}
	}
	if v.kind == KindSeq && other.kind == KindSeq && appendSeqs {
		merged := make([]Value, 0, len(v.seq)+len(other.seq))
		merged = append(merged, v.seq...)
		merged = append(merged, other.seq...)
		return Seq(merged)
	}
	return other
}
