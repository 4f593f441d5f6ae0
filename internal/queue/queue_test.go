package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndAwaitSuccess(t *testing.T) {
	pool := New(Config{Concurrency: 2})
	defer pool.Close()

	cmd, err := pool.Submit(&Command{
		ID:       "c1",
		Priority: PriorityNormal,
		Work: func(ctx context.Context) (any, error) {
			return 42, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := pool.Await(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	pool := New(Config{Concurrency: 1})
	defer pool.Close()

	var order []string
	done := make(chan struct{}, 2)

	block := make(chan struct{})
	_, err := pool.Submit(&Command{
		ID:       "blocker",
		Priority: PriorityLow,
		Work: func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		},
	})
	require.NoError(t, err)

	_, err = pool.Submit(&Command{
		ID:       "low",
		Priority: PriorityLow,
		Work: func(ctx context.Context) (any, error) {
			order = append(order, "low")
			done <- struct{}{}
			return nil, nil
		},
	})
	require.NoError(t, err)

	_, err = pool.Submit(&Command{
		ID:       "high",
		Priority: PriorityHigh,
		Work: func(ctx context.Context) (any, error) {
			order = append(order, "high")
			done <- struct{}{}
			return nil, nil
		},
	})
	require.NoError(t, err)

	close(block)
	<-done
	<-done

	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0])
}

func TestDependencyBlocksUntilParentSucceeds(t *testing.T) {
	pool := New(Config{Concurrency: 2})
	defer pool.Close()

	parentDone := make(chan struct{})
	_, err := pool.Submit(&Command{
		ID: "parent",
		Work: func(ctx context.Context) (any, error) {
			<-parentDone
			return "p", nil
		},
	})
	require.NoError(t, err)

	child, err := pool.Submit(&Command{
		ID:        "child",
		DependsOn: []string{"parent"},
		Work: func(ctx context.Context) (any, error) {
			return "c", nil
		},
	})
	require.NoError(t, err)

	status, _ := pool.Status(child.ID)
	assert.Equal(t, StatusWaiting, status)

	close(parentDone)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := pool.Await(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", result)
}

func TestRetriesOnFailureUpToMaxAttempts(t *testing.T) {
	pool := New(Config{Concurrency: 1, BackoffBase: time.Millisecond})
	defer pool.Close()

	var attempts int32
	cmd, err := pool.Submit(&Command{
		ID:          "flaky",
		MaxAttempts: 3,
		Work: func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("transient failure")
			}
			return "ok", nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := pool.Await(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestCancelQueuedCommandNeverRuns(t *testing.T) {
	pool := New(Config{Concurrency: 1})
	defer pool.Close()

	block := make(chan struct{})
	_, err := pool.Submit(&Command{
		ID: "blocker",
		Work: func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		},
	})
	require.NoError(t, err)

	ran := int32(0)
	cmd, err := pool.Submit(&Command{
		ID: "never",
		Work: func(ctx context.Context) (any, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Cancel(cmd.ID))
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = pool.Await(ctx, cmd.ID)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestTimeoutMarksCommandTimedOut(t *testing.T) {
	pool := New(Config{Concurrency: 1, BackoffBase: time.Millisecond})
	defer pool.Close()

	cmd, err := pool.Submit(&Command{
		ID:          "slow",
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 1,
		Work: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = pool.Await(ctx, cmd.ID)
	assert.Error(t, err)

	status, _ := pool.Status(cmd.ID)
	assert.Equal(t, StatusTimedOut, status)
}

func TestInfoReportsActiveCommands(t *testing.T) {
	pool := New(Config{Concurrency: 1})
	defer pool.Close()

	block := make(chan struct{})
	cmd, err := pool.Submit(&Command{
		ID:       "running",
		Priority: PriorityNormal,
		Work: func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := pool.Status(cmd.ID)
		return s == StatusRunning
	}, time.Second, 5*time.Millisecond)

	snap := pool.Info()
	require.Len(t, snap.Active, 1)
	assert.Equal(t, "running", snap.Active[0].ID)

	close(block)
}
