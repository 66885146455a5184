package policy

import (
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// Document is the YAML form of a policy.
type Document struct {
	Version    string      `yaml:"version"`
	Defaults   []RuleValue `yaml:"defaults"`
	Operations []Operation `yaml:"operations"`
}

type Operation struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	// Rules override Defaults for this operation.
	Rules     []RuleValue `yaml:"rules"`
	Unlimited bool        `yaml:"unlimited"`
}

// RuleValue is a rule written either as "3/second" or as
// {count: 3, unit: second}.
type RuleValue struct {
	Count int    `yaml:"count"`
	Unit  string `yaml:"unit"`
	// raw keeps the scalar form for error messages
	raw string
}

func (v *RuleValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		r, err := ratelimit.ParseRule(node.Value)
		if err != nil {
			// keep it, validation reports every bad rule at once
			*v = RuleValue{raw: node.Value}
			return nil
		}
		*v = RuleValue{Count: r.Count(), Unit: r.Unit(), raw: node.Value}
		return nil
	case yaml.MappingNode:
		type plain RuleValue
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*v = RuleValue(p)
		return nil
	default:
		return xerrors.Newf("line %d: rule must be a string like \"3/second\" or a {count, unit} mapping", node.Line)
	}
}

func (v RuleValue) String() string {
	if v.raw != "" {
		return strconv.Quote(v.raw)
	}
	return strconv.Itoa(v.Count) + "/" + v.Unit
}

// Rule builds the validated rule.
func (v RuleValue) Rule() (ratelimit.Rule, error) {
	if v.raw != "" && v.Count == 0 && v.Unit == "" {
		return ratelimit.ParseRule(v.raw)
	}
	return ratelimit.NewRule(v.Count, v.Unit)
}
