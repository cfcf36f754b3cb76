package matcher

import (
	"net/netip"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vinegar-boot/vinegar/internal/datatree"
)

// Context is the (system_id, data) pair a matcher expression is evaluated
// against.
type Context struct {
	ID   string
	Data datatree.Value
}

// Expr is a compiled matcher expression.
type Expr interface {
	Eval(ctx Context) bool
}

type andExpr struct{ left, right Expr }

func (e *andExpr) Eval(ctx Context) bool { return e.left.Eval(ctx) && e.right.Eval(ctx) }

type orExpr struct{ left, right Expr }

func (e *orExpr) Eval(ctx Context) bool { return e.left.Eval(ctx) || e.right.Eval(ctx) }

type notExpr struct{ sub Expr }

func (e *notExpr) Eval(ctx Context) bool { return !e.sub.Eval(ctx) }

// globTerm matches the system ID (or, standing alone as a bare literal,
// also the system ID) against a shell glob pattern.
type globTerm struct {
	pattern       string
	caseSensitive bool
}

func (e *globTerm) Eval(ctx Context) bool {
	return globMatch(e.pattern, ctx.ID, e.caseSensitive)
}

func globMatch(pattern, value string, caseSensitive bool) bool {
	if pattern == "" {
		return false
	}
	p, v := pattern, value
	if !caseSensitive {
		p, v = strings.ToLower(p), strings.ToLower(v)
	}
	ok, _ := filepath.Match(p, v)
	return ok
}

type reTerm struct {
	re *regexp.Regexp
}

func (e *reTerm) Eval(ctx Context) bool { return e.re.MatchString(ctx.ID) }

func compileRe(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

type idTerm struct {
	literal       string
	caseSensitive bool
}

func (e *idTerm) Eval(ctx Context) bool {
	if e.caseSensitive {
		return ctx.ID == e.literal
	}
	return strings.EqualFold(ctx.ID, e.literal)
}

// keyCmpTerm implements "@key <op> literal". When literal carries a "/n"
// mask and the data value at key parses as an IP address, "==" is treated
// as subnet membership rather than string equality, per spec.md §4.2.
type keyCmpTerm struct {
	key           string
	op            string
	literal       string
	caseSensitive bool
}

func (e *keyCmpTerm) Eval(ctx Context) bool {
	val := ctx.Data.Get(e.key)

	if e.op == "==" || e.op == "!=" {
		if prefix, err := netip.ParsePrefix(e.literal); err == nil {
			if addr, aerr := netip.ParseAddr(val.String()); aerr == nil {
				member := prefix.Contains(addr)
				if e.op == "!=" {
					return !member
				}
				return member
			}
		}
	}

	switch e.op {
	case "==":
		return compareStrings(val.String(), e.literal, e.caseSensitive) == 0 && !val.IsAbsent()
	case "!=":
		return val.IsAbsent() || compareStrings(val.String(), e.literal, e.caseSensitive) != 0
	case "~=":
		re, err := compileRe(e.literal, e.caseSensitive)
		if err != nil {
			return false
		}
		return re.MatchString(val.String())
	default:
		return false
	}
}

func compareStrings(a, b string, caseSensitive bool) int {
	if !caseSensitive {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	return strings.Compare(a, b)
}

// truthyTerm implements the original implementation's sugar: a bare
// "@key" with no operator tests the data value at key for truthiness
// (non-absent, non-null, non-false, non-zero, non-empty-string).
type truthyTerm struct {
	key string
}

func (e *truthyTerm) Eval(ctx Context) bool {
	return isTruthy(ctx.Data.Get(e.key))
}

func isTruthy(v datatree.Value) bool {
	if v.IsAbsent() || v.IsNull() {
		return false
	}
	if b, ok := v.Bool(); ok {
		return b
	}
	if i, ok := v.Int(); ok {
		return i != 0
	}
	if f, ok := v.Float(); ok {
		return f != 0
	}
	return v.String() != ""
}
