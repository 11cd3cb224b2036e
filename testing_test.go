package mainmemory

import (
	"context"
	"testing"
	"time"

	"github.com/mainmemory/mainmemory-go/internal/fiber"
)

func TestNewTestRuntimeIsSingleStrand(t *testing.T) {
	r, err := NewTestRuntime()
	if err != nil {
		t.Fatalf("NewTestRuntime: %v", err)
	}
	if r.NumStrands() != 1 {
		t.Errorf("expected 1 strand, got %d", r.NumStrands())
	}
}

func TestSocketPairExchangesBytes(t *testing.T) {
	r, err := NewTestRuntime()
	if err != nil {
		t.Fatalf("NewTestRuntime: %v", err)
	}

	a, b, err := SocketPair(r, 0)
	if err != nil {
		t.Fatalf("SocketPair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	var got []byte
	r.FiberSpawn(0, fiber.PriorityNormal, func(f *fiber.Fiber) error {
		if _, err := b.Write(f, []byte("ping")); err != nil {
			return err
		}
		buf := make([]byte, 4)
		n, err := a.Read(f, buf)
		if err != nil {
			return err
		}
		got = buf[:n]
		close(done)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never completed")
	}
	cancel()
	<-runDone

	if string(got) != "ping" {
		t.Errorf("expected \"ping\", got %q", got)
	}
}

func TestMockObserverCountsEvents(t *testing.T) {
	o := NewMockObserver()
	o.ObserveAsyncSubmit(false)
	o.ObserveAsyncSubmit(true)
	o.ObserveFiberSpawn()
	o.ObserveSocketRegistered()
	o.ObserveSocketReadError()
	o.ObserveSocketWriteError()

	counts := o.Counts()
	if counts["async_submits"] != 2 {
		t.Errorf("expected async_submits=2, got %d", counts["async_submits"])
	}
	if counts["async_queue_fulls"] != 1 {
		t.Errorf("expected async_queue_fulls=1, got %d", counts["async_queue_fulls"])
	}
	if counts["fiber_spawns"] != 1 {
		t.Errorf("expected fiber_spawns=1, got %d", counts["fiber_spawns"])
	}
	if counts["socket_registered"] != 1 {
		t.Errorf("expected socket_registered=1, got %d", counts["socket_registered"])
	}
}
