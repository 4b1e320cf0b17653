package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIncrementCounts(t *testing.T) {
	c := NewSessionCounter(0)
	for want := int64(1); want <= 5; want++ {
		count, summarize := c.Increment("s1")
		assert.Equal(t, want, count)
		assert.False(t, summarize)
	}
	assert.Equal(t, int64(5), c.Count("s1"))
	assert.Equal(t, int64(0), c.Count("other"))
}

func TestSummarizeTriggerFiresAtBoundary(t *testing.T) {
	c := NewSessionCounter(3)
	var triggers []int64
	for i := 0; i < 9; i++ {
		if count, summarize := c.Increment("s1"); summarize {
			triggers = append(triggers, count)
		}
	}
	assert.Equal(t, []int64{3, 6, 9}, triggers)
}

func TestSeedResumesFromStore(t *testing.T) {
	c := NewSessionCounter(10)
	c.Seed("s1", 42, time.Now())
	assert.Equal(t, int64(42), c.Count("s1"))

	// The next boundary after seeding at 42 is 50, not 43.
	var fired bool
	for i := 0; i < 7; i++ {
		_, fired = c.Increment("s1")
		assert.False(t, fired)
	}
	count, fired := c.Increment("s1")
	assert.Equal(t, int64(50), count)
	assert.True(t, fired)
}

func TestConcurrentIncrements(t *testing.T) {
	c := NewSessionCounter(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Increment("s1")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), c.Count("s1"))
}

func TestCleanupDropsOnlyInactive(t *testing.T) {
	c := NewSessionCounter(0)
	c.Increment("active")
	c.Increment("stale")
	c.Deactivate("stale")

	removed := c.Cleanup(time.Now().Add(time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(1), c.Count("active"))
	assert.Equal(t, int64(0), c.Count("stale"))
}
