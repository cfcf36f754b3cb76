package transform

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a single chain step from either a bare scalar
// function name ("string.to_lower") or a single-entry mapping
// ("string.add_suffix: .example.com", with the value being either a
// scalar or a sequence of arguments), per spec.md §3's transform chain
// grammar.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		s.Name = name
		s.Args = nil
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("transform step mapping must have exactly one key, got %d", len(node.Content)/2)
		}
		var name string
		if err := node.Content[0].Decode(&name); err != nil {
			return err
		}
		args, err := decodeArgs(node.Content[1])
		if err != nil {
			return err
		}
		s.Name = name
		s.Args = args
		return nil
	default:
		return fmt.Errorf("transform step must be a string or a single-entry mapping")
	}
}

func decodeArgs(node *yaml.Node) ([]any, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var raw []any
		if err := node.Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		var single any
		if err := node.Decode(&single); err != nil {
			return nil, err
		}
		return []any{single}, nil
	}
}

// UnmarshalYAML decodes a transform chain, a YAML sequence of Steps.
func (c *Chain) UnmarshalYAML(node *yaml.Node) error {
	var steps []Step
	if err := node.Decode(&steps); err != nil {
		return err
	}
	chain, err := NewChain(steps)
	if err != nil {
		return err
	}
	*c = *chain
	return nil
}
