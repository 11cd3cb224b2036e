package strand

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainmemory/mainmemory-go/internal/dispatcher"
	"github.com/mainmemory/mainmemory-go/internal/fiber"
)

func newTestDispatcher(t *testing.T, n int) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(dispatcher.Config{NListeners: n})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func runStrand(t *testing.T, s *Strand, ctx context.Context) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestBootFiberRunsBeforeSteadyState(t *testing.T) {
	d := newTestDispatcher(t, 1)
	var bootRan bool

	s := New(Config{ID: 0, CPU: -1, Boot: func(f *fiber.Fiber) error {
		bootRan = true
		return nil
	}}, d.Listener(0))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	<-runStrand(t, s, ctx)

	assert.True(t, bootRan)
}

func TestNamedFiberAccessorsReflectConfig(t *testing.T) {
	d := newTestDispatcher(t, 1)
	s := New(Config{ID: 0, CPU: -1, Boot: func(f *fiber.Fiber) error { return nil }}, d.Listener(0))

	assert.NotNil(t, s.Boot())
	assert.Nil(t, s.Master())
	assert.Nil(t, s.Dealer())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := newTestDispatcher(t, 1)
	s := New(Config{ID: 0, CPU: -1}, d.Listener(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := runStrand(t, s, ctx)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunStopsOnStop(t *testing.T) {
	d := newTestDispatcher(t, 1)
	s := New(Config{ID: 0, CPU: -1}, d.Listener(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runStrand(t, s, ctx)
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	d := newTestDispatcher(t, 1)
	s := New(Config{ID: 0, CPU: -1}, d.Listener(0))

	ptr, err := s.Alloc(128)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	s.Free(ptr)
}

func TestContextSwitchesIncrementOnTick(t *testing.T) {
	d := newTestDispatcher(t, 1)
	s := New(Config{ID: 0, CPU: -1}, d.Listener(0))

	done := make(chan struct{})
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	runDone := runStrand(t, s, ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned fiber never ran")
	}
	<-runDone

	assert.GreaterOrEqual(t, s.ContextSwitches(), uint64(1))
}

func TestBlockForWakesAfterTimeout(t *testing.T) {
	d := newTestDispatcher(t, 1)
	s := New(Config{ID: 0, CPU: -1}, d.Listener(0))

	woke := make(chan struct{})
	s.Scheduler().Spawn(fiber.PriorityNormal, func(f *fiber.Fiber) error {
		err := s.BlockFor(f, 20*time.Millisecond)
		close(woke)
		return err
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runDone := runStrand(t, s, ctx)

	select {
	case <-woke:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("fiber was never woken by its timeout")
	}
	cancel()
	<-runDone
}

func TestRequestFreeRoutesThroughReclaimRing(t *testing.T) {
	d := newTestDispatcher(t, 2)
	owner := New(Config{ID: 0, NumStrands: 2, CPU: -1}, d.Listener(0))
	other := New(Config{ID: 1, NumStrands: 2, CPU: -1}, d.Listener(1))

	ptr, err := owner.Alloc(64)
	require.NoError(t, err)

	// Simulate strand 1 (other) asking strand 0 (owner) to free a pointer
	// owner allocated, as if it arrived from a cross-strand hand-off.
	require.NoError(t, owner.RequestFree(other.ID(), ptr))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	<-runStrand(t, owner, ctx)

	_, _, allocated := owner.cache.Stats()
	assert.Zero(t, allocated)
}
