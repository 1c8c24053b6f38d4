package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueue_Dedup(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 8)
	q := New(context.Background(), AnalyzerFunc(func(ctx context.Context, id string) error {
		started <- id
		<-release
		return nil
	}), 0, zerolog.Nop())

	assert.True(t, q.Enqueue("a"))
	require.Equal(t, "a", <-started)

	assert.True(t, q.Enqueue("b"))
	assert.False(t, q.Enqueue("b"))
	assert.False(t, q.Enqueue("a"), "card being analyzed must not be re-entered")
	assert.Equal(t, []string{"b"}, q.Pending())

	close(release)
	q.Wait()
	assert.False(t, q.Processing())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_SequentialExclusivity(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	var order []string

	q := New(context.Background(), AnalyzerFunc(func(ctx context.Context, id string) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		inFlight.Add(-1)
		return nil
	}), time.Millisecond, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(fmt.Sprintf("card-%d", i%10))
		}(i)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return !q.Processing() }, 2*time.Second, 5*time.Millisecond)
	q.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	mu.Lock()
	defer mu.Unlock()
	seen := map[string]int{}
	for _, id := range order {
		seen[id]++
	}
	for id, n := range seen {
		assert.LessOrEqual(t, n, 2, "card %s analyzed too often", id)
	}
}

func TestQueue_FIFOAndErrorsDoNotBlock(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	q := New(context.Background(), AnalyzerFunc(func(ctx context.Context, id string) error {
		if id == "first" {
			<-gate
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		switch id {
		case "bad":
			return errors.New("oracle timeout")
		case "worse":
			panic("unexpected payload")
		}
		return nil
	}), 0, zerolog.Nop())

	for _, id := range []string{"first", "bad", "worse", "good"} {
		q.Enqueue(id)
	}
	close(gate)
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "bad", "worse", "good"}, order)
}

func TestQueue_RestartsAfterDrain(t *testing.T) {
	var calls atomic.Int32
	q := New(context.Background(), AnalyzerFunc(func(ctx context.Context, id string) error {
		calls.Add(1)
		return nil
	}), 0, zerolog.Nop())

	q.Enqueue("a")
	q.Wait()
	require.False(t, q.Processing())

	assert.True(t, q.Enqueue("a"), "drained card can be queued again")
	q.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	q := New(ctx, AnalyzerFunc(func(ctx context.Context, id string) error {
		calls.Add(1)
		return nil
	}), time.Hour, zerolog.Nop())

	q.Enqueue("a")
	q.Enqueue("b")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	q.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"b"}, q.Pending())
}
