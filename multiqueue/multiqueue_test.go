package multiqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendThenRequest_FIFO(t *testing.T) {
	q := New[string, int]()
	require.NoError(t, q.Send("x", 1))
	require.NoError(t, q.Send("x", 2))
	require.NoError(t, q.Send("x", 3))

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		v, err := q.Request(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestRequestBlocksUntilSend(t *testing.T) {
	q := New[string, string]()

	got := make(chan string, 1)
	go func() {
		v, err := q.Request(context.Background(), "k")
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- v
	}()

	// Give the requester time to block, then satisfy it.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Send("k", "value"))

	select {
	case v := <-got:
		assert.Equal(t, "value", v)
	case <-time.After(time.Second):
		t.Fatal("blocked request was never satisfied")
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	q := New[int, string]()
	require.NoError(t, q.Send(1, "one"))
	require.NoError(t, q.Send(2, "two"))

	ctx := context.Background()
	v2, err := q.Request(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "two", v2)

	v1, err := q.Request(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "one", v1)
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	q := New[string, int]()

	const n = 5
	results := make(chan [2]int, n)
	var started sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		go func(rank int) {
			started.Done()
			// Stagger arrival so waiter order is deterministic.
			time.Sleep(time.Duration(rank*20) * time.Millisecond)
			v, err := q.Request(context.Background(), "k")
			if err != nil {
				t.Errorf("request %d: %v", rank, err)
				return
			}
			results <- [2]int{rank, v}
		}(i)
	}
	started.Wait()
	time.Sleep(time.Duration(n*20+50) * time.Millisecond)

	for i := 0; i < n; i++ {
		require.NoError(t, q.Send("k", i))
	}
	for i := 0; i < n; i++ {
		select {
		case pair := <-results:
			// The i-th arriving waiter receives the i-th sent value.
			assert.Equal(t, pair[0], pair[1])
		case <-time.After(time.Second):
			t.Fatal("missing result")
		}
	}
}

func TestClose_WakesBlockedRequesters(t *testing.T) {
	q := New[string, int]()

	errs := make(chan error, 3)
	for _, key := range []string{"a", "b", "c"} {
		go func(k string) {
			_, err := q.Request(context.Background(), k)
			errs <- err
		}(key)
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("blocked request did not wake on close")
		}
	}
}

func TestClose_RejectsSubsequentOperations(t *testing.T) {
	q := New[string, int]()
	require.NoError(t, q.Send("x", 1))
	q.Close()

	assert.ErrorIs(t, q.Send("x", 2), ErrClosed)
	assert.ErrorIs(t, q.Send("never-seen", 1), ErrClosed)

	_, err := q.Request(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	q := New[string, int]()
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Send("x", 1), ErrClosed)
}

func TestRequest_ContextCancel(t *testing.T) {
	q := New[string, int]()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.Request(ctx, "k")
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled request did not return")
	}

	// The withdrawn waiter must not swallow a later value.
	require.NoError(t, q.Send("k", 42))
	v, err := q.Request(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestConcurrent_NoValueDeliveredTwice(t *testing.T) {
	q := New[int, int]()
	const (
		keys          = 4
		valuesPerKey  = 100
		totalExpected = keys * valuesPerKey
	)

	received := make(chan int, totalExpected)
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		for i := 0; i < valuesPerKey; i++ {
			wg.Add(1)
			go func(key int) {
				defer wg.Done()
				v, err := q.Request(context.Background(), key)
				if err != nil {
					t.Errorf("request: %v", err)
					return
				}
				received <- key*valuesPerKey + v
			}(k)
		}
	}
	for k := 0; k < keys; k++ {
		go func(key int) {
			for i := 0; i < valuesPerKey; i++ {
				if err := q.Send(key, i); err != nil {
					t.Errorf("send: %v", err)
				}
			}
		}(k)
	}
	wg.Wait()

	seen := make(map[int]bool, totalExpected)
	for i := 0; i < totalExpected; i++ {
		v := <-received
		assert.False(t, seen[v], "value %d delivered twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, totalExpected)
}
