package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsageSampler(t *testing.T) {
	u := newUsageSampler()

	first := u.Sample()
	assert.Zero(t, first.CPUPercent)
	assert.NotZero(t, first.HeapBytes)
	assert.Positive(t, first.Goroutines)
	assert.Positive(t, first.GOMAXPROCS)

	time.Sleep(10 * time.Millisecond)
	second := u.Sample()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.True(t, second.SampledAt.After(first.SampledAt))
}

func TestUsageSamplerNil(t *testing.T) {
	var u *usageSampler
	assert.Equal(t, ProcessUsage{}, u.Sample())
}

func TestUsageSamplerWithoutSamples(t *testing.T) {
	u := &usageSampler{}
	assert.NotZero(t, u.Sample().HeapBytes)
}
