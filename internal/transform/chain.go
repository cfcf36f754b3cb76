package transform

import (
	"fmt"

	"github.com/vinegar-boot/vinegar/internal/verr"
)

// Step is one element of a transform chain: a function name plus its
// configured arguments. A bare function name (no args) decodes to a Step
// with a nil Args slice.
type Step struct {
	Name string
	Args []any
}

// Chain is an ordered, validated sequence of transform steps. Building a
// Chain resolves every name against the registry up front so that an
// unknown function name fails configuration validation rather than
// failing mid-request.
type Chain struct {
	steps []resolvedStep
}

type resolvedStep struct {
	name string
	fn   Func
	args []any
}

// NewChain validates and compiles a list of steps into a Chain, returning
// *verr.ConfigError if any named function is not registered.
func NewChain(steps []Step) (*Chain, error) {
	resolved := make([]resolvedStep, 0, len(steps))
	for _, st := range steps {
		fn, ok := Lookup(st.Name)
		if !ok {
			return nil, verr.NewConfigError(fmt.Sprintf("unknown transform %q", st.Name), nil)
		}
		resolved = append(resolved, resolvedStep{name: st.Name, fn: fn, args: st.Args})
	}
	return &Chain{steps: resolved}, nil
}

// Apply runs every step of the chain left-to-right, each step's output
// feeding the next step's input, and returns the final value.
func (c *Chain) Apply(value any) (any, error) {
	if c == nil {
		return value, nil
	}
	cur := value
	for _, st := range c.steps {
		next, err := st.fn(cur, st.args)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", st.name, err)
		}
		cur = next
	}
	return cur, nil
}

// Len reports how many steps the chain has.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.steps)
}
