package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	c := Fake(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(2*time.Minute), c.Advance(2*time.Minute))
	assert.Equal(t, time.April, c.Now().Month())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestRealClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Real().Now().Location())
}
