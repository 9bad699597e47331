package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLimits_GlobalCap(t *testing.T) {
	l := NewConnectionLimits(2, 10, 1000, 1000)

	require.Nil(t, l.Acquire("10.0.0.1"))
	require.Nil(t, l.Acquire("10.0.0.2"))

	err := l.Acquire("10.0.0.3")
	require.NotNil(t, err)
	assert.Equal(t, "capacity", err.Reason)
	assert.Equal(t, int64(2), l.Current())

	l.Release("10.0.0.1")
	assert.Equal(t, int64(1), l.Current())
	assert.Nil(t, l.Acquire("10.0.0.3"))
}

func TestConnectionLimits_PerIPCap(t *testing.T) {
	l := NewConnectionLimits(100, 2, 1000, 1000)

	require.Nil(t, l.Acquire("10.0.0.1"))
	require.Nil(t, l.Acquire("10.0.0.1"))

	err := l.Acquire("10.0.0.1")
	require.NotNil(t, err)
	assert.Equal(t, "per_ip", err.Reason)

	// A rejected per-IP acquire must not leak a global slot.
	assert.Equal(t, int64(2), l.Current())

	// Other IPs are unaffected.
	assert.Nil(t, l.Acquire("10.0.0.2"))
}

func TestConnectionLimits_ReleaseUnknownIP(t *testing.T) {
	l := NewConnectionLimits(100, 2, 1000, 1000)

	// Releasing an IP that never acquired must not underflow.
	l.Release("10.9.9.9")
	require.Nil(t, l.Acquire("10.9.9.9"))
}

func TestConnectionLimits_UpgradeRate(t *testing.T) {
	l := NewConnectionLimits(100, 100, 1, 2)

	assert.True(t, l.AllowUpgrade("10.0.0.1"))
	assert.True(t, l.AllowUpgrade("10.0.0.1"))
	assert.False(t, l.AllowUpgrade("10.0.0.1"), "burst exhausted")

	// Separate buckets per IP.
	assert.True(t, l.AllowUpgrade("10.0.0.2"))
}

func TestConnectionLimits_CapacityPct(t *testing.T) {
	l := NewConnectionLimits(4, 10, 1000, 1000)

	assert.Equal(t, 0.0, l.CapacityPct())
	require.Nil(t, l.Acquire("10.0.0.1"))
	assert.Equal(t, 25.0, l.CapacityPct())
}

func TestConnectionLimits_ConcurrentAcquire(t *testing.T) {
	const max = 50
	l := NewConnectionLimits(max, max, 100000, 100000)

	var wg sync.WaitGroup
	acquired := make(chan struct{}, 200)
	for i := range 200 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if l.Acquire(fmt.Sprintf("10.0.0.%d", n%max)) == nil {
				acquired <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(acquired)

	assert.Equal(t, int64(len(acquired)), l.Current())
	assert.LessOrEqual(t, l.Current(), int64(max))
}

func TestLimitError_Message(t *testing.T) {
	err := &LimitError{Reason: "capacity", Max: 10}
	assert.Contains(t, err.Error(), "capacity")
	assert.Contains(t, err.Error(), "10")
}
