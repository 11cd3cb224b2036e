package timewheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekEmptyWheel(t *testing.T) {
	w := New()
	_, ok := w.Peek()
	assert.False(t, ok)
}

func TestPeekReturnsNearestDeadline(t *testing.T) {
	w := New()
	base := time.Now()
	w.Insert(base.Add(5*time.Second), func() {})
	w.Insert(base.Add(1*time.Second), func() {})
	w.Insert(base.Add(10*time.Second), func() {})

	d, ok := w.Peek()
	require.True(t, ok)
	assert.True(t, d.Equal(base.Add(1*time.Second)))
}

func TestAdvanceFiresDueTimersInOrder(t *testing.T) {
	w := New()
	base := time.Now()
	var fired []int

	w.Insert(base.Add(3*time.Second), func() { fired = append(fired, 3) })
	w.Insert(base.Add(1*time.Second), func() { fired = append(fired, 1) })
	w.Insert(base.Add(2*time.Second), func() { fired = append(fired, 2) })
	w.Insert(base.Add(10*time.Second), func() { fired = append(fired, 10) })

	due := w.Advance(base.Add(2500 * time.Millisecond))
	require.Len(t, due, 3)
	for _, tm := range due {
		tm.fn()
	}
	assert.Equal(t, []int{1, 2, 3}, fired)
	assert.Equal(t, 1, w.Len())
}

func TestAdvanceLeavesFutureTimersPending(t *testing.T) {
	w := New()
	base := time.Now()
	w.Insert(base.Add(time.Hour), func() {})

	due := w.Advance(base)
	assert.Empty(t, due)
	assert.Equal(t, 1, w.Len())
}

func TestCancelRemovesPendingTimer(t *testing.T) {
	w := New()
	base := time.Now()
	var fired bool

	keep := w.Insert(base.Add(time.Second), func() { fired = true })
	cancelMe := w.Insert(base.Add(time.Second), func() { t.Fatal("canceled timer must not fire") })
	w.Cancel(cancelMe)

	due := w.Advance(base.Add(time.Second))
	require.Len(t, due, 1)
	assert.Same(t, keep, due[0])
	due[0].fn()
	assert.True(t, fired)
}

func TestCancelIsIdempotent(t *testing.T) {
	w := New()
	tm := w.Insert(time.Now().Add(time.Second), func() {})
	w.Cancel(tm)
	assert.NotPanics(t, func() { w.Cancel(tm) })
	assert.Equal(t, 0, w.Len())
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	w := New()
	base := time.Now()
	tm := w.Insert(base, func() {})

	due := w.Advance(base)
	require.Len(t, due, 1)
	assert.NotPanics(t, func() { w.Cancel(tm) })
}

func TestLenTracksPendingCount(t *testing.T) {
	w := New()
	base := time.Now()
	assert.Equal(t, 0, w.Len())
	w.Insert(base.Add(time.Second), func() {})
	w.Insert(base.Add(2*time.Second), func() {})
	assert.Equal(t, 2, w.Len())
	w.Advance(base.Add(3 * time.Second))
	assert.Equal(t, 0, w.Len())
}
