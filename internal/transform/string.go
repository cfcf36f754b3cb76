package transform

import "strings"

func registerString() {
	register("string.to_lower", func(value any, args []any) (any, error) {
		s, err := asString("string.to_lower", value)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	})

	register("string.to_upper", func(value any, args []any) (any, error) {
		s, err := asString("string.to_upper", value)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	})

	register("string.add_prefix", func(value any, args []any) (any, error) {
		s, err := asString("string.add_prefix", value)
		if err != nil {
			return nil, err
		}
		prefix, err := argString("string.add_prefix", args, 0)
		if err != nil {
			return nil, err
		}
		return prefix + s, nil
	})

	register("string.add_suffix", func(value any, args []any) (any, error) {
		s, err := asString("string.add_suffix", value)
		if err != nil {
			return nil, err
		}
		suffix, err := argString("string.add_suffix", args, 0)
		if err != nil {
			return nil, err
		}
		return s + suffix, nil
	})

	register("string.remove_prefix", func(value any, args []any) (any, error) {
		s, err := asString("string.remove_prefix", value)
		if err != nil {
			return nil, err
		}
		prefix, err := argString("string.remove_prefix", args, 0)
		if err != nil {
			return nil, err
		}
		return strings.TrimPrefix(s, prefix), nil
	})

	register("string.remove_suffix", func(value any, args []any) (any, error) {
		s, err := asString("string.remove_suffix", value)
		if err != nil {
			return nil, err
		}
		suffix, err := argString("string.remove_suffix", args, 0)
		if err != nil {
			return nil, err
		}
		return strings.TrimSuffix(s, suffix), nil
	})

	register("string.split", func(value any, args []any) (any, error) {
		s, err := asString("string.split", value)
		if err != nil {
			return nil, err
		}
		sep, err := argStringDefault("string.split", args, 0, "")
		if err != nil {
			return nil, err
		}
		maxsplit, err := argIntDefault("string.split", args, 1, -1)
		if err != nil {
			return nil, err
		}
		var parts []string
		switch {
		case sep == "":
			// No separator given: split on runs of whitespace like Python's
			// str.split(None, maxsplit), not on every character like
			// strings.Split("", ...).
			parts = splitWhitespace(s, maxsplit)
		case maxsplit < 0:
			parts = strings.Split(s, sep)
		default:
			parts = strings.SplitN(s, sep, maxsplit+1)
		}
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	})
}

// splitWhitespace mirrors Python's str.split(None, maxsplit): leading and
// trailing whitespace is dropped, runs of whitespace are treated as a
// single separator, and once maxsplit pieces have been taken the remainder
// of s (whitespace included) becomes the final piece.
func splitWhitespace(s string, maxsplit int) []string {
	var parts []string
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		if maxsplit == 0 {
			parts = append(parts, s[i:])
			break
		}
		if maxsplit > 0 {
			maxsplit--
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		parts = append(parts, s[start:i])
	}
	return parts
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	default:
		return false
	}
}
