package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPMCBasic(t *testing.T) {
	q := NewMPMC[int](4)
	require.Equal(t, 4, q.Cap())

	_, err := q.Enqueue(1)
	require.NoError(t, err)
	_, err = q.Enqueue(2)
	require.NoError(t, err)

	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMPMCFull(t *testing.T) {
	q := NewMPMC[int](2)
	_, err := q.Enqueue(1)
	require.NoError(t, err)
	_, err = q.Enqueue(2)
	require.NoError(t, err)
	_, err = q.Enqueue(3)
	assert.ErrorIs(t, err, ErrFull)
}

func TestMPMCRoundsUpToPowerOfTwo(t *testing.T) {
	q := NewMPMC[int](17)
	assert.Equal(t, 32, q.Cap())
}

// TestMPMCConcurrentProducersSingleConsumer exercises the scenario from spec.md
// §8.1: many producers post work, a single consumer drains it, and no value
// is lost or duplicated.
func TestMPMCConcurrentProducersSingleConsumer(t *testing.T) {
	const producers = 8
	const perProducer = 5000
	q := NewMPMC[int](1024)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for {
					if _, err := q.Enqueue(base*perProducer + i); err == nil {
						break
					}
				}
			}
		}(p)
	}

	seen := make([]bool, producers*perProducer)
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	count := 0
	for count < producers*perProducer {
		v, err := q.Dequeue()
		if err != nil {
			select {
			case <-done:
				if count == producers*perProducer {
					return
				}
			default:
			}
			continue
		}
		mu.Lock()
		require.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
		mu.Unlock()
		count++
	}
}

func TestSPSCBasic(t *testing.T) {
	q := NewSPSC[int](4)
	require.NoError(t, q.Enqueue(10))
	require.NoError(t, q.Enqueue(20))
	assert.Equal(t, 2, q.Len())

	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSPSCFull(t *testing.T) {
	q := NewSPSC[int](2)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	assert.ErrorIs(t, q.Enqueue(3), ErrFull)
}

func TestSPSCProducerConsumer(t *testing.T) {
	q := NewSPSC[int](16)
	const n = 10000
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			for q.Enqueue(i) != nil {
			}
		}
	}()

	for i := 0; i < n; i++ {
		var v int
		var err error
		for {
			v, err = q.Dequeue()
			if err == nil {
				break
			}
		}
		assert.Equal(t, i, v)
	}
	<-done
}
