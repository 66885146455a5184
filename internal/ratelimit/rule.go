package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// unitSeconds is the fixed unit table, never mutated after init.
var unitSeconds = map[string]int64{
	"second": 1,
	"minute": 60,
	"hour":   3600,
	"day":    86_400,
}

// UnitSeconds returns the length of unit in seconds and whether unit is known.
func UnitSeconds(unit string) (int64, bool) {
	s, ok := unitSeconds[unit]
	return s, ok
}

// Units lists the accepted unit names, shortest first.
func Units() []string {
	return []string{"second", "minute", "hour", "day"}
}

// WindowMode selects how long a rule looks back.
type WindowMode int

const (
	// WindowScaled uses count * unit as the window, so "3 per second" counts
	// requests over the last 3 seconds.
	WindowScaled WindowMode = iota
	// WindowUnit uses one unit as the window regardless of count.
	WindowUnit
)

func (m WindowMode) String() string {
	switch m {
	case WindowScaled:
		return "scaled"
	case WindowUnit:
		return "unit"
	default:
		return "WindowMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseWindowMode accepts "scaled" or "unit".
func ParseWindowMode(s string) (WindowMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scaled", "":
		return WindowScaled, nil
	case "unit":
		return WindowUnit, nil
	default:
		return 0, fmt.Errorf("unknown window mode %q (valid modes are scaled|unit)", s)
	}
}

// Rule allows count requests per unit. The zero Rule is not valid, use NewRule.
type Rule struct {
	count int
	unit  string
}

// NewRule validates count and unit. Failures match ErrInvalidRule.
func NewRule(count int, unit string) (Rule, error) {
	if count <= 0 {
		return Rule{}, fmt.Errorf("%w: count must be positive (got %d)", ErrInvalidRule, count)
	}
	if _, ok := unitSeconds[unit]; !ok {
		return Rule{}, fmt.Errorf("%w: unknown unit %q (valid units are %s)", ErrInvalidRule, unit, strings.Join(Units(), "|"))
	}
	return Rule{count: count, unit: unit}, nil
}

// MustRule is NewRule for static configuration, it panics on invalid input.
func MustRule(count int, unit string) Rule {
	r, err := NewRule(count, unit)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseRule reads "3/second", "3 per second" or "3 / seconds".
func ParseRule(s string) (Rule, error) {
	raw := strings.TrimSpace(s)
	var countPart, unitPart string
	if i := strings.Index(raw, "/"); i >= 0 {
		countPart, unitPart = raw[:i], raw[i+1:]
	} else if fields := strings.Fields(raw); len(fields) == 3 && strings.EqualFold(fields[1], "per") {
		countPart, unitPart = fields[0], fields[2]
	} else {
		return Rule{}, fmt.Errorf("%w: cannot parse %q (want <count>/<unit>)", ErrInvalidRule, s)
	}

	count, err := strconv.Atoi(strings.TrimSpace(countPart))
	if err != nil {
		return Rule{}, fmt.Errorf("%w: bad count in %q", ErrInvalidRule, s)
	}

	unit := strings.ToLower(strings.TrimSpace(unitPart))
	if _, ok := unitSeconds[unit]; !ok {
		if trimmed := strings.TrimSuffix(unit, "s"); trimmed != unit {
			if _, ok := unitSeconds[trimmed]; ok {
				unit = trimmed
			}
		}
	}
	return NewRule(count, unit)
}

func (r Rule) Count() int     { return r.count }
func (r Rule) Unit() string   { return r.unit }
func (r Rule) IsZero() bool   { return r.count == 0 && r.unit == "" }
func (r Rule) String() string { return fmt.Sprintf("%d requests per %s", r.count, r.unit) }

// Window returns how far back the rule counts requests.
func (r Rule) Window(mode WindowMode) time.Duration {
	unit := time.Duration(unitSeconds[r.unit]) * time.Second
	if mode == WindowUnit {
		return unit
	}
	return time.Duration(r.count) * unit
}

// longestWindow is the retention needed to evaluate every rule in rules.
func longestWindow(rules []Rule, mode WindowMode) time.Duration {
	var longest time.Duration
	for _, r := range rules {
		if w := r.Window(mode); w > longest {
			longest = w
		}
	}
	return longest
}
