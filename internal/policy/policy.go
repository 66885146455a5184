package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// ErrInvalidPolicy wraps every validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// GuardedOperation is a validated operation ready to route.
type GuardedOperation struct {
	Name   string
	Method string
	Path   string
	// Rules is the override, empty when the operation uses the defaults.
	Rules     []ratelimit.Rule
	Unlimited bool
}

// Policy is a parsed, validated document plus where it came from.
type Policy struct {
	Version    string
	Defaults   []ratelimit.Rule
	Operations []GuardedOperation

	SHA256   string
	Source   string
	LoadedAt time.Time
}

func (p *Policy) PolicyVersion() string { return p.Version }
func (p *Policy) PolicyHash() string    { return p.SHA256 }

var methods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true,
}

// Parse decodes and validates raw. Unknown keys are errors. All problems
// are reported together.
func Parse(raw []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, xerrors.Wrap(ErrInvalidPolicy, "policy document is empty")
		}
		return nil, xerrors.Wrap(errors.Join(ErrInvalidPolicy, err), "decode policy")
	}
	p, err := compile(doc)
	if err != nil {
		return nil, err
	}
	p.SHA256 = cryptoutil.SHA256Hex(raw)
	return p, nil
}

func compile(doc Document) (*Policy, error) {
	var errs []error
	p := &Policy{Version: strings.TrimSpace(doc.Version)}

	p.Defaults = compileRules("defaults", doc.Defaults, &errs)

	seen := make(map[string]bool, len(doc.Operations))
	routes := make(map[string]string, len(doc.Operations))
	for i, op := range doc.Operations {
		where := fmt.Sprintf("operations[%d]", i)
		name := strings.TrimSpace(op.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else {
			where = fmt.Sprintf("operation %q", name)
			if seen[name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", where))
			}
			seen[name] = true
		}

		method := strings.ToUpper(strings.TrimSpace(op.Method))
		if method == "" {
			method = http.MethodGet
		}
		if !methods[method] {
			errs = append(errs, fmt.Errorf("%s: unknown method %q", where, op.Method))
		}

		path := strings.TrimSpace(op.Path)
		switch {
		case path == "":
			errs = append(errs, fmt.Errorf("%s: path is required", where))
		case !strings.HasPrefix(path, "/"):
			errs = append(errs, fmt.Errorf("%s: path %q must start with /", where, path))
		default:
			route := method + " " + path
			if other, dup := routes[route]; dup {
				errs = append(errs, fmt.Errorf("%s: %s is already routed to %q", where, route, other))
			}
			routes[route] = name
		}

		rules := compileRules(where, op.Rules, &errs)
		switch {
		case op.Unlimited && len(op.Rules) > 0:
			errs = append(errs, fmt.Errorf("%s: unlimited operations cannot declare rules", where))
		case !op.Unlimited && len(op.Rules) == 0 && len(doc.Defaults) == 0:
			errs = append(errs, fmt.Errorf("%s: no rules and no defaults, mark it unlimited to pass everything", where))
		}

		p.Operations = append(p.Operations, GuardedOperation{
			Name:      name,
			Method:    method,
			Path:      path,
			Rules:     rules,
			Unlimited: op.Unlimited,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrInvalidPolicy}, errs...)...)
	}
	return p, nil
}

func compileRules(where string, vals []RuleValue, errs *[]error) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(vals))
	for i, v := range vals {
		r, err := v.Rule()
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: rule %d (%s): %w", where, i, v, err))
			continue
		}
		out = append(out, r)
	}
	return out
}

// Apply installs the defaults and binds every operation, so the policy
// decides each binding rather than whichever request arrives first.
func (p *Policy) Apply(l *ratelimit.Limiter) {
	l.RegisterDefaultRules(p.Defaults...)
	for _, op := range p.Operations {
		if op.Unlimited {
			l.Bind(op.Name, nil)
			continue
		}
		l.Bind(op.Name, l.Resolve(op.Rules))
	}
}

// Operation looks an operation up by name.
func (p *Policy) Operation(name string) (GuardedOperation, bool) {
	for _, op := range p.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return GuardedOperation{}, false
}
