// Package transform implements the process-wide transform registry
// (spec.md §4.1): a read-only-after-init map from dotted function name to
// a side-effect-free value transformer, plus the machinery to apply a
// configured chain of them in sequence. Every built-in is deterministic
// except password.hash, which draws a fresh random salt on each call.
package transform

import (
	"fmt"

	"github.com/vinegar-boot/vinegar/internal/verr"
)

// Func is a single named transform. It receives the incoming value and the
// chain step's configured arguments and returns the next value.
type Func func(value any, args []any) (any, error)

var registry = map[string]Func{}

func register(name string, fn Func) {
	registry[name] = fn
}

// Lookup returns the named transform, or false if no such function is
// registered.
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Names returns every registered transform name, for diagnostics.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	return out
}

func init() {
	registerString()
	registerMAC()
	registerIP()
	registerPassword()
}

// argString extracts the i'th argument as a string, raising TransformError
// if it is absent or of the wrong kind.
func argString(transformName string, args []any, i int) (string, error) {
	if i >= len(args) {
		return "", verr.NewTransformError(transformName, fmt.Sprintf("missing argument %d", i))
	}
	s, ok := args[i].(string)
	if !ok {
		return "", verr.NewTransformError(transformName, fmt.Sprintf("argument %d must be a string, got %T", i, args[i]))
	}
	return s, nil
}

// argStringDefault is like argString but returns def when the argument is
// not present, or explicitly nil (used for optional trailing arguments,
// e.g. string.split's separator, where config omits the key entirely but a
// template call site may still pass null for "use the default").
func argStringDefault(transformName string, args []any, i int, def string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return argString(transformName, args, i)
}

// argIntDefault extracts the i'th argument as an int, returning def if
// absent.
func argIntDefault(transformName string, args []any, i int, def int) (int, error) {
	if i >= len(args) {
		return def, nil
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, verr.NewTransformError(transformName, fmt.Sprintf("argument %d must be an integer, got %T", i, args[i]))
	}
}

// asString coerces the incoming transform value to a string, as every
// built-in string/mac/ip transform expects a textual input.
func asString(transformName string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", verr.NewTransformError(transformName, fmt.Sprintf("expected string input, got %T", value))
	}
	return s, nil
}
