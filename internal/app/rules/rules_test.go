package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/transferd/internal/domain"
)

func req(amount int64, target string) domain.TransferRequest {
	return domain.TransferRequest{SourceAccount: "A123", TargetAccount: target, Amount: amount, ReferenceID: "REF-1"}
}

func leaf(field, op string, value any) Condition {
	return Condition{Field: field, Operator: op, Value: value}
}

func escalate(name string, priority int, when Condition) Rule {
	return Rule{Name: name, Priority: priority, Action: ActionEscalate, When: when}
}

func TestOperators(t *testing.T) {
	tests := []struct {
		name string
		when Condition
		r    domain.TransferRequest
		want bool
	}{
		{"equals amount", leaf("amount", "equals", int64(100)), req(100, "B1"), true},
		{"equals amount string", leaf("amount", "equals", "100.00"), req(100, "B1"), true},
		{"not equals", leaf("target_account", "not_equals", "B1"), req(100, "B1"), false},
		{"greater than", leaf("amount", "greater_than", 99), req(100, "B1"), true},
		{"greater than equal bound", leaf("amount", "greater_than", 100), req(100, "B1"), false},
		{"less than float", leaf("amount", "less_than", 100.5), req(100, "B1"), true},
		{"greater or equal", leaf("amount", "greater_or_equal", int64(100)), req(100, "B1"), true},
		{"less or equal", leaf("amount", "less_or_equal", int64(99)), req(100, "B1"), false},
		{"in", leaf("target_account", "in", []any{"B9", "B1"}), req(100, "B1"), true},
		{"not in", leaf("target_account", "not_in", []any{"B9"}), req(100, "B1"), true},
		{"in amounts", leaf("amount", "in", []any{int64(5), int64(100)}), req(100, "B1"), true},
		{"contains", leaf("reference_id", "contains", "REF"), req(100, "B1"), true},
		{"regex", leaf("target_account", "regex", `^B\d{4}$`), req(100, "B5555"), true},
		{"regex miss", leaf("target_account", "regex", `^B\d{4}$`), req(100, "B1"), false},
		{"exists", leaf("reference_id", "exists", nil), req(100, "B1"), true},
		{"not exists", leaf("target_account", "not_exists", nil), req(100, ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New([]Rule{escalate("r", 1, tt.when)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, len(e.Escalations(tt.r)) == 1)
		})
	}
}

func TestGroups(t *testing.T) {
	structuring := Condition{Operator: "AND", Conditions: []Condition{
		leaf("amount", "greater_than", 4900),
		leaf("amount", "less_than", 5000),
	}}
	either := Condition{Operator: "or", Conditions: []Condition{
		leaf("target_account", "equals", "B999"),
		structuring,
	}}
	e, err := New([]Rule{escalate("either", 1, either)})
	require.NoError(t, err)

	assert.NotEmpty(t, e.Escalations(req(4950, "B1")), "nested AND matches")
	assert.NotEmpty(t, e.Escalations(req(10, "B999")), "OR branch matches")
	assert.Empty(t, e.Escalations(req(5000, "B1")))
}

func TestEscalations_PriorityOrder(t *testing.T) {
	e, err := New([]Rule{
		escalate("low", 10, leaf("amount", "greater_than", 0)),
		escalate("high", 90, leaf("amount", "greater_than", 0)),
		escalate("miss", 99, leaf("amount", "greater_than", 1000)),
		escalate("mid", 50, leaf("amount", "greater_than", 0)),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, e.Len())
	assert.Equal(t, []string{"high", "mid", "low"}, e.Escalations(req(100, "B1")))
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"no name", escalate("", 1, leaf("amount", "equals", 1))},
		{"unknown action", Rule{Name: "r", Action: "block", When: leaf("amount", "equals", 1)}},
		{"unknown field", escalate("r", 1, leaf("country", "equals", "US"))},
		{"unknown operator", escalate("r", 1, leaf("amount", "between", 1))},
		{"empty leaf", escalate("r", 1, Condition{Operator: "equals"})},
		{"bad group operator", escalate("r", 1, Condition{Operator: "XOR", Conditions: []Condition{leaf("amount", "equals", 1)}})},
		{"bad regex", escalate("r", 1, leaf("target_account", "regex", "("))},
		{"ordering on text", escalate("r", 1, leaf("target_account", "greater_than", "B"))},
		{"text amount", escalate("r", 1, leaf("amount", "equals", "lots"))},
		{"numeric account", escalate("r", 1, leaf("target_account", "equals", 5))},
		{"in without list", escalate("r", 1, leaf("target_account", "in", "B1"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]Rule{tt.rule})
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}

	_, err := New([]Rule{
		escalate("dup", 1, leaf("amount", "equals", 1)),
		escalate("dup", 2, leaf("amount", "equals", 2)),
	})
	assert.ErrorIs(t, err, ErrInvalidRule)
}
