package hierarchy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutTiers(t *testing.T) {
	cases := []struct {
		depth int
		want  time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 30 * time.Second},
		{3, 15 * time.Second},
		{4, 10 * time.Second},
		{7, 10 * time.Second},
	}
	for _, c := range cases {
		plan := CalculateTimeout(c.depth, 0)
		assert.Equal(t, c.want, plan.Timeout, "depth %d", c.depth)
		assert.False(t, plan.Inherited)
	}
}

func TestTimeoutInheritsParentBudget(t *testing.T) {
	plan := CalculateTimeout(2, 20*time.Second)
	assert.True(t, plan.Inherited)
	assert.Equal(t, 18*time.Second, plan.Timeout, "remaining minus ten percent reserve")

	// Plenty of parent budget: tier applies untouched.
	plan = CalculateTimeout(2, 5*time.Minute)
	assert.False(t, plan.Inherited)
	assert.Equal(t, 30*time.Second, plan.Timeout)
}

func TestTimeoutFloor(t *testing.T) {
	plan := CalculateTimeout(3, 1*time.Second)
	assert.True(t, plan.Inherited)
	assert.Equal(t, minTimeout, plan.Timeout)
}

func TestGracePeriods(t *testing.T) {
	assert.Equal(t, 10*time.Second, CalculateTimeout(0, 0).Grace)
	assert.Equal(t, 10*time.Second, CalculateTimeout(1, 0).Grace)
	assert.Equal(t, 5*time.Second, CalculateTimeout(2, 0).Grace)
	assert.Equal(t, 5*time.Second, CalculateTimeout(3, 0).Grace)
	assert.Equal(t, 2*time.Second, CalculateTimeout(4, 0).Grace)
}
