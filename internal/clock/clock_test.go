package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystem_MillisecondUTC(t *testing.T) {
	now := System{}.Now()

	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%int(time.Millisecond))
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestMillis(t *testing.T) {
	in := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	got := Millis(in)

	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 123000000, time.UTC), got)
}

func TestFunc(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var c Clock = Func(func() time.Time { return fixed })

	assert.Equal(t, fixed, c.Now())
}
