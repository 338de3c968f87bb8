package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/strata/pkg/event"
)

func TestQueueBasicFIFO(t *testing.T) {
	q, err := New(10, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res := q.Push(ctx, event.NewLogEvent(int32(i), int64(i*100)))
		assert.True(t, res.Success)
		assert.Equal(t, i+1, res.Size)
	}

	for i := 0; i < 3; i++ {
		e := q.WaitPop(ctx)
		require.NotNil(t, e)
		assert.Equal(t, int32(i), e.Tag)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueOverflowReportsOldest(t *testing.T) {
	const capacity = 4
	q, err := New(capacity, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < capacity; i++ {
		res := q.Push(ctx, event.NewLogEvent(1, int64(1000+i)))
		require.True(t, res.Success)
	}

	// Every push past capacity fails and reports the oldest timestamp.
	for k := 0; k < 3; k++ {
		res := q.Push(ctx, event.NewLogEvent(1, 9999))
		assert.False(t, res.Success)
		assert.Equal(t, int64(1000), res.OldestTimestampNs)
		assert.Equal(t, capacity, res.Size)
	}

	pushed, dropped, _ := q.Stats()
	assert.Equal(t, int64(capacity), pushed)
	assert.Equal(t, int64(3), dropped)
	assert.Equal(t, capacity, q.Len())
}

func TestWaitPopBlocksUntilPush(t *testing.T) {
	q, err := New(2, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	got := make(chan *event.LogEvent, 1)
	go func() {
		got <- q.WaitPop(ctx)
	}()

	// Give the consumer a moment to block.
	time.Sleep(20 * time.Millisecond)
	q.Push(ctx, event.NewLogEvent(7, 42))

	select {
	case e := <-got:
		require.NotNil(t, e)
		assert.Equal(t, int32(7), e.Tag)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pop")
	}
}

func TestWaitPopCancellation(t *testing.T) {
	q, err := New(2, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *event.LogEvent, 1)
	go func() {
		done <- q.WaitPop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case e := <-done:
		assert.Nil(t, e)
	case <-time.After(time.Second):
		t.Fatal("WaitPop did not observe cancellation")
	}
}

func TestQueueProducerConsumerOrdering(t *testing.T) {
	q, err := New(1000, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			res := q.Push(ctx, event.NewLogEvent(1, int64(i)))
			require.True(t, res.Success, fmt.Sprintf("push %d failed", i))
		}
	}()

	for i := 0; i < n; i++ {
		e := q.WaitPop(ctx)
		require.NotNil(t, e)
		assert.Equal(t, int64(i), e.ElapsedTimestampNs)
	}
	wg.Wait()
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = New(5, nil)
	assert.Error(t, err)
}
