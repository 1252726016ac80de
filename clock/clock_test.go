package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.Equal(t, start, f.Now())
	f.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, f.Now().Sub(start))
}

func TestOr(t *testing.T) {
	assert.IsType(t, Real{}, Or(nil))

	f := NewFake(time.Time{})
	assert.Same(t, f, Or(f))
}
