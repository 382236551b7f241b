package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	c := NewFakeClock()
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, c.Now(), c.Now(), "time does not move on its own")
}

func TestFakeClock_Advance(t *testing.T) {
	c := NewFakeClock()
	c.Advance(50 * time.Millisecond)

	assert.Equal(t, Epoch.Add(50*time.Millisecond), c.Now())
}

func TestFakeClock_SetAndReset(t *testing.T) {
	c := NewFakeClock()
	target := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	c.Set(target)
	assert.Equal(t, target, c.Now())

	c.Set(target.Add(-time.Hour))
	assert.Equal(t, target.Add(-time.Hour), c.Now())

	c.Reset()
	assert.Equal(t, Epoch, c.Now())
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	c := NewFakeClock()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(100*time.Millisecond), c.Now())
}
