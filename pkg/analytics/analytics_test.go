package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRange(t *testing.T) {
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

	t.Run("defaults to trailing window", func(t *testing.T) {
		from, to := normalizeRange(time.Time{}, time.Time{}, now)
		assert.Equal(t, now, to)
		assert.Equal(t, now.AddDate(0, 0, -defaultRangeDays), from)
	})

	t.Run("missing from anchors on to", func(t *testing.T) {
		end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		from, to := normalizeRange(time.Time{}, end, now)
		assert.Equal(t, end, to)
		assert.Equal(t, end.AddDate(0, 0, -defaultRangeDays), from)
	})

	t.Run("inverted bounds are swapped", func(t *testing.T) {
		a := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		b := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
		from, to := normalizeRange(b, a, now)
		assert.Equal(t, a, from)
		assert.Equal(t, b, to)
	})

	t.Run("explicit bounds pass through", func(t *testing.T) {
		a := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		b := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)
		from, to := normalizeRange(a, b, now)
		assert.Equal(t, a, from)
		assert.Equal(t, b, to)
	})
}
