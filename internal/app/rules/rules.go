// Package rules evaluates operator-configured conditions against transfer
// requests. A rule whose condition matches escalates the transfer to the
// approval gate even when its amount is below the threshold.
//
// Conditions form a tree: a group combines children with AND or OR, a leaf
// compares one request field with a value.
//
//	[[rules]]
//	name = "structuring"
//	priority = 95
//	action = "escalate"
//	[rules.when]
//	operator = "AND"
//	conditions = [
//	  { field = "amount", operator = "greater_than", value = 4900 },
//	  { field = "amount", operator = "less_than", value = 5000 },
//	]
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tutu-network/transferd/internal/domain"
)

// Action is what a matching rule does.
type Action string

const (
	ActionEscalate Action = "escalate"
)

// Request fields a leaf condition may reference.
const (
	FieldAmount        = "amount"
	FieldSourceAccount = "source_account"
	FieldTargetAccount = "target_account"
	FieldReferenceID   = "reference_id"
)

// Condition is a group (Operator AND|OR with Conditions) or a leaf
// (Field, Operator, Value).
type Condition struct {
	Field      string      `toml:"field" json:"field,omitempty"`
	Operator   string      `toml:"operator" json:"operator"`
	Value      any         `toml:"value" json:"value,omitempty"`
	Conditions []Condition `toml:"conditions" json:"conditions,omitempty"`
}

// Rule is one configured rule.
type Rule struct {
	Name        string    `toml:"name" json:"name"`
	Description string    `toml:"description" json:"description,omitempty"`
	Category    string    `toml:"category" json:"category,omitempty"`
	Priority    int       `toml:"priority" json:"priority"`
	Action      Action    `toml:"action" json:"action"`
	When        Condition `toml:"when" json:"when"`
}

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

type predicate func(fields map[string]any) bool

type compiled struct {
	rule  Rule
	match predicate
}

// Engine holds compiled rules, highest priority first.
type Engine struct {
	rules []compiled
}

// New compiles rules. Names must be unique.
func New(rules []Rule) (*Engine, error) {
	e := &Engine{}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("%w: rule without a name", ErrInvalidRule)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true
		if r.Action != ActionEscalate {
			return nil, fmt.Errorf("%w: rule %q: unknown action %q", ErrInvalidRule, r.Name, r.Action)
		}
		match, err := compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.Name, err)
		}
		e.rules = append(e.rules, compiled{rule: r, match: match})
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].rule.Priority > e.rules[j].rule.Priority
	})
	return e, nil
}

// Len returns the number of rules.
func (e *Engine) Len() int { return len(e.rules) }

// Matches returns every rule that matches req, highest priority first.
func (e *Engine) Matches(req domain.TransferRequest) []Rule {
	fields := fieldsOf(req)
	var out []Rule
	for _, c := range e.rules {
		if c.match(fields) {
			out = append(out, c.rule)
		}
	}
	return out
}

// Escalations names the matching escalate rules, highest priority first.
func (e *Engine) Escalations(req domain.TransferRequest) []string {
	var names []string
	for _, r := range e.Matches(req) {
		if r.Action == ActionEscalate {
			names = append(names, r.Name)
		}
	}
	return names
}

func fieldsOf(req domain.TransferRequest) map[string]any {
	return map[string]any{
		FieldAmount:        decimal.NewFromInt(req.Amount),
		FieldSourceAccount: req.SourceAccount,
		FieldTargetAccount: req.TargetAccount,
		FieldReferenceID:   req.ReferenceID,
	}
}

// ─── Compilation ────────────────────────────────────────────────────────────

func compile(c Condition) (predicate, error) {
	if len(c.Conditions) > 0 {
		return compileGroup(c)
	}
	if c.Field == "" {
		return nil, errors.New("condition needs a field or nested conditions")
	}
	return compileLeaf(c)
}

func compileGroup(c Condition) (predicate, error) {
	children := make([]predicate, 0, len(c.Conditions))
	for _, child := range c.Conditions {
		p, err := compile(child)
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	switch strings.ToUpper(c.Operator) {
	case "", "AND":
		return func(f map[string]any) bool {
			for _, p := range children {
				if !p(f) {
					return false
				}
			}
			return true
		}, nil
	case "OR":
		return func(f map[string]any) bool {
			for _, p := range children {
				if p(f) {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, fmt.Errorf("group operator must be AND or OR, got %q", c.Operator)
}

func compileLeaf(c Condition) (predicate, error) {
	field := c.Field
	numeric := field == FieldAmount
	if !numeric && field != FieldSourceAccount && field != FieldTargetAccount && field != FieldReferenceID {
		return nil, fmt.Errorf("unknown field %q", field)
	}

	switch c.Operator {
	case "exists", "not_exists":
		want := c.Operator == "exists"
		return func(f map[string]any) bool { return present(f[field]) == want }, nil

	case "equals", "not_equals":
		v, err := operand(c.Value, numeric)
		if err != nil {
			return nil, err
		}
		want := c.Operator == "equals"
		return func(f map[string]any) bool { return equal(f[field], v) == want }, nil

	case "greater_than", "less_than", "greater_or_equal", "less_or_equal":
		if !numeric {
			return nil, fmt.Errorf("%s needs a numeric field, %q is text", c.Operator, field)
		}
		v, err := operand(c.Value, true)
		if err != nil {
			return nil, err
		}
		bound := v.(decimal.Decimal)
		op := c.Operator
		return func(f map[string]any) bool {
			cmp := f[field].(decimal.Decimal).Cmp(bound)
			switch op {
			case "greater_than":
				return cmp > 0
			case "less_than":
				return cmp < 0
			case "greater_or_equal":
				return cmp >= 0
			}
			return cmp <= 0
		}, nil

	case "in", "not_in":
		list, ok := c.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("%s needs a list value, got %T", c.Operator, c.Value)
		}
		set := make([]any, 0, len(list))
		for _, item := range list {
			v, err := operand(item, numeric)
			if err != nil {
				return nil, err
			}
			set = append(set, v)
		}
		want := c.Operator == "in"
		return func(f map[string]any) bool {
			for _, v := range set {
				if equal(f[field], v) {
					return want
				}
			}
			return !want
		}, nil

	case "contains":
		sub, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("contains needs a string value, got %T", c.Value)
		}
		return func(f map[string]any) bool { return strings.Contains(text(f[field]), sub) }, nil

	case "regex":
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("regex needs a string value, got %T", c.Value)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regex %q: %w", pattern, err)
		}
		return func(f map[string]any) bool { return re.MatchString(text(f[field])) }, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.Operator)
}

// operand normalizes a configured value: decimals for the amount, strings
// for the account and reference fields.
func operand(v any, numeric bool) (any, error) {
	if !numeric {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("text field needs a string value, got %T", v)
		}
		return s, nil
	}
	switch n := v.(type) {
	case int64:
		return decimal.NewFromInt(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return nil, fmt.Errorf("amount value %q: %w", n, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("amount needs a numeric value, got %T", v)
}

func equal(field, v any) bool {
	if d, ok := field.(decimal.Decimal); ok {
		return d.Equal(v.(decimal.Decimal))
	}
	return field == v
}

func present(v any) bool {
	if s, ok := v.(string); ok {
		return s != ""
	}
	return v != nil
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	}
	return fmt.Sprint(v)
}
