package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the job result", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()

		value, err := q.Enqueue(ctx, LaneRuns, func(ctx context.Context) (interface{}, error) {
			return "done", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "done", value)
	})

	t.Run("should propagate job errors", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()

		wantErr := errors.New("boom")
		_, err := q.Enqueue(ctx, LaneRuns, func(ctx context.Context) (interface{}, error) {
			return nil, wantErr
		})
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("should serialize jobs on a single-concurrency lane", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()
		q.SetConcurrency("serial", 1)

		var active, maxActive int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Enqueue(ctx, "serial", func(ctx context.Context) (interface{}, error) {
					n := atomic.AddInt32(&active, 1)
					for {
						seen := atomic.LoadInt32(&maxActive)
						if n <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, n) {
							break
						}
					}
					time.Sleep(10 * time.Millisecond)
					atomic.AddInt32(&active, -1)
					return nil, nil
				})
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	})

	t.Run("should run jobs concurrently up to the lane cap", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()
		q.SetConcurrency("wide", 3)

		var active, maxActive int32
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Enqueue(ctx, "wide", func(ctx context.Context) (interface{}, error) {
					n := atomic.AddInt32(&active, 1)
					for {
						seen := atomic.LoadInt32(&maxActive)
						if n <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, n) {
							break
						}
					}
					time.Sleep(20 * time.Millisecond)
					atomic.AddInt32(&active, -1)
					return nil, nil
				})
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(3))
		assert.Greater(t, atomic.LoadInt32(&maxActive), int32(1))
	})

	t.Run("should reject queued jobs on lane reset", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()
		q.SetConcurrency("resettable", 1)

		blocker := make(chan struct{})
		go q.Enqueue(ctx, "resettable", func(ctx context.Context) (interface{}, error) {
			<-blocker
			return nil, nil
		})

		require.Eventually(t, func() bool {
			return q.RunningCount("resettable") == 1
		}, time.Second, 10*time.Millisecond)

		errCh := make(chan error, 1)
		go func() {
			_, err := q.Enqueue(ctx, "resettable", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			})
			errCh <- err
		}()

		require.Eventually(t, func() bool {
			return q.QueueSize("resettable") == 1
		}, time.Second, 10*time.Millisecond)

		q.ResetLane("resettable")
		close(blocker)

		select {
		case err := <-errCh:
			assert.ErrorContains(t, err, "lane reset")
		case <-time.After(time.Second):
			t.Fatal("queued job was not rejected")
		}
	})
}
