package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	q := NewQueue("test", func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, job.Payload.(string))
		return nil
	}, QueueConfig{Workers: 2, RetryDelay: time.Millisecond})

	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "work", Payload: "a"}))
	require.NoError(t, q.Enqueue(Job{Type: "work", Payload: "b"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	q := NewQueue("test", func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, QueueConfig{Workers: 1, MaxRetries: 5, RetryDelay: time.Millisecond})

	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "flaky"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, time.Second, 5*time.Millisecond)
}

func TestQueueReportsExhaustion(t *testing.T) {
	exhausted := make(chan Job, 1)

	q := NewQueue("test", func(ctx context.Context, job Job) error {
		return errors.New("permanent")
	}, QueueConfig{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond})
	q.OnExhausted = func(job Job, err error) {
		exhausted <- job
	}

	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "doomed", Payload: "course-1"}))

	select {
	case job := <-exhausted:
		assert.Equal(t, "course-1", job.Payload)
	case <-time.After(time.Second):
		t.Fatal("job never reported as exhausted")
	}
}

func TestQueueReportsDepth(t *testing.T) {
	var mu sync.Mutex
	maxDepth := 0

	gate := make(chan struct{})
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		<-gate
		return nil
	}, QueueConfig{Workers: 1, RetryDelay: time.Millisecond, OnDepth: func(n int) {
		mu.Lock()
		defer mu.Unlock()
		if n > maxDepth {
			maxDepth = n
		}
	}})

	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Job{Type: "work"}))
	}

	// One job is with the blocked worker; the rest are pending.
	assert.Eventually(t, func() bool {
		return q.Depth() == 2
	}, time.Second, 5*time.Millisecond)

	close(gate)
	assert.Eventually(t, func() bool {
		return q.Depth() == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, maxDepth, 2)
}

func TestQueueRejectsEnqueueBeforeStart(t *testing.T) {
	q := NewQueue("test", func(ctx context.Context, job Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{Type: "early"}))
}
