package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{40, 5 * time.Second},
		{5000, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "Delay(%d)", tt.attempt)
	}
}

func TestPolicy_Schedule(t *testing.T) {
	got := DefaultPolicy().Schedule()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, got)

	one := Policy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: time.Second}
	assert.Empty(t, one.Schedule())
}

func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

func TestPolicy_ZeroInterval(t *testing.T) {
	p := Policy{MaxAttempts: 3, BackoffCoefficient: 2}
	require.NoError(t, p.Validate())
	assert.Zero(t, p.Delay(2))
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := []Policy{
		{MaxAttempts: 0, InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: time.Second},
		{MaxAttempts: 3, InitialInterval: -time.Second, BackoffCoefficient: 2, MaximumInterval: time.Second},
		{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 0.5, MaximumInterval: time.Second},
		{MaxAttempts: 3, InitialInterval: 2 * time.Second, BackoffCoefficient: 2, MaximumInterval: time.Second},
	}
	for i, p := range bad {
		assert.Error(t, p.Validate(), "policy %d", i)
	}
}

func TestPolicy_DelayCustomCoefficient(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 1.5, MaximumInterval: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 150*time.Millisecond, p.Delay(2))
	assert.Equal(t, 225*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(30))
}

func TestPolicy_DelayUncapped(t *testing.T) {
	p := Policy{MaxAttempts: 100, InitialInterval: time.Second, BackoffCoefficient: 2}
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(90), "overflow saturates")
}
