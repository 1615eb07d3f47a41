package service_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/chatster/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRunTable(t *testing.T) {
	t.Parallel()
	table := service.NewRunTable()
	beta := service.Run{ProfileID: "beta", WorkerID: uuid.New(), Started: time.Now()}
	alpha := service.Run{ProfileID: "alpha", WorkerID: uuid.New(), Started: time.Now()}

	var started int
	require.True(t, table.Add(beta, func() { started++ }))
	require.True(t, table.Add(alpha, nil))
	require.False(t, table.Add(service.Run{ProfileID: "beta", WorkerID: uuid.New()}, func() { started++ }))
	require.Equal(t, 1, started)
	require.Equal(t, 2, table.Len())
	require.True(t, table.Has("alpha"))

	require.Equal(t, []service.Run{alpha, beta}, table.Snapshot())

	t.Run("remove other worker", func(t *testing.T) {
		_, n, ok := table.Remove("beta", uuid.New())
		require.False(t, ok)
		require.Equal(t, 2, n)
	})
	t.Run("remove", func(t *testing.T) {
		run, n, ok := table.Remove("beta", beta.WorkerID)
		require.True(t, ok)
		require.Equal(t, beta, run)
		require.Equal(t, 1, n)
		require.False(t, table.Has("beta"))
	})
}

func TestRunTable_ConcurrentAdd(t *testing.T) {
	t.Parallel()
	table := service.NewRunTable()
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.Add(service.Run{ProfileID: "same", WorkerID: uuid.New()}, nil) {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, won.Load())
}

func TestPool(t *testing.T) {
	t.Parallel()
	pool := service.NewPool(3)

	var done atomic.Int32
	for range 50 {
		require.NoError(t, pool.Submit(func() {
			done.Add(1)
		}))
	}
	require.NoError(t, pool.Submit(func() {
		panic(errors.New("boom"))
	}))
	require.NoError(t, pool.Submit(func() {
		done.Add(1)
	}))

	require.NoError(t, pool.Close())
	require.EqualValues(t, 51, done.Load())
	require.Zero(t, pool.Pending())
	require.ErrorIs(t, pool.Submit(func() {}), service.ErrPoolClosed)
}

func TestPool_SlowTaskDoesNotBlockSubmit(t *testing.T) {
	t.Parallel()
	pool := service.NewPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-release }))
	for range 100 {
		require.NoError(t, pool.Submit(func() {}))
	}
	require.Positive(t, pool.Pending())
	close(release)
	require.NoError(t, pool.Close())
}
