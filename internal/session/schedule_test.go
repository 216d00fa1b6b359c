package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rishav/fix-gateway/internal/config"
)

func testController(t *testing.T, cfg *config.Session) *Controller {
	t.Helper()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return New(cfg, ":memory:", zaptest.NewLogger(t))
}

func TestNextWindow_InsideActiveWindow(t *testing.T) {
	c := testController(t, &config.Session{
		Days:        map[time.Weekday]bool{time.Monday: true},
		StartMinute: 8 * 60,
		EndMinute:   17 * 60,
	})

	// Monday 2024-01-08 12:00 UTC.
	now := time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
	w, ok := c.nextWindow(now)
	require.True(t, ok)

	assert.Equal(t, time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC), w.start)
	assert.Equal(t, time.Date(2024, 1, 8, 17, 0, 0, 0, time.UTC), w.end)
	assert.True(t, c.activeOrWarmingUp(w, now))
}

func TestNextWindow_AfterEndRollsToNextScheduledDay(t *testing.T) {
	c := testController(t, &config.Session{
		Days:        map[time.Weekday]bool{time.Monday: true, time.Friday: true},
		StartMinute: 8 * 60,
		EndMinute:   17 * 60,
	})

	// Monday 18:00: Monday's window is over; Friday is next.
	now := time.Date(2024, 1, 8, 18, 0, 0, 0, time.UTC)
	w, ok := c.nextWindow(now)
	require.True(t, ok)
	assert.Equal(t, time.Friday, w.start.Weekday())
	assert.Equal(t, time.Date(2024, 1, 12, 8, 0, 0, 0, time.UTC), w.start)
	assert.False(t, c.activeOrWarmingUp(w, now))
}

func TestNextWindow_StartEqualsEndNeverEnds(t *testing.T) {
	c := testController(t, &config.Session{
		Days:        map[time.Weekday]bool{time.Monday: true},
		StartMinute: 8 * 60,
		EndMinute:   8 * 60,
	})

	now := time.Date(2024, 1, 8, 23, 59, 0, 0, time.UTC)
	w, ok := c.nextWindow(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC), w.start)
	assert.True(t, w.end.After(now.AddDate(50, 0, 0)))
}

func TestNextWindow_CrossesMidnight(t *testing.T) {
	c := testController(t, &config.Session{
		Days:        map[time.Weekday]bool{time.Monday: true},
		StartMinute: 22 * 60,
		EndMinute:   2 * 60,
	})

	now := time.Date(2024, 1, 8, 23, 0, 0, 0, time.UTC)
	w, ok := c.nextWindow(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 22, 0, 0, 0, time.UTC), w.start)
	assert.Equal(t, time.Date(2024, 1, 9, 2, 0, 0, 0, time.UTC), w.end)
	assert.True(t, c.activeOrWarmingUp(w, now))
}

func TestNextWindow_NoScheduledDays(t *testing.T) {
	c := testController(t, &config.Session{Days: map[time.Weekday]bool{}})
	_, ok := c.nextWindow(time.Now())
	assert.False(t, ok)
}

func TestWarmUpLead(t *testing.T) {
	c := testController(t, &config.Session{
		Days:        map[time.Weekday]bool{time.Monday: true},
		StartMinute: 8 * 60,
		EndMinute:   17 * 60,
		WarmUpTime:  5 * time.Minute,
	})

	w, ok := c.nextWindow(time.Date(2024, 1, 8, 7, 0, 0, 0, time.UTC))
	require.True(t, ok)

	assert.Equal(t, time.Date(2024, 1, 8, 7, 55, 0, 0, time.UTC), c.warmUpStart(w))
	assert.False(t, c.activeOrWarmingUp(w, time.Date(2024, 1, 8, 7, 54, 0, 0, time.UTC)))
	assert.True(t, c.activeOrWarmingUp(w, time.Date(2024, 1, 8, 7, 56, 0, 0, time.UTC)))
}
