package authflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardRunsOncePerKey(t *testing.T) {
	guard := NewGuard()
	var runs int32

	ran, err := guard.Do(context.Background(), "user-1", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = guard.Do(context.Background(), "user-1", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.True(t, guard.Done("user-1"))
}

func TestGuardSharesConcurrentRun(t *testing.T) {
	guard := NewGuard()
	release := make(chan struct{})
	started := make(chan struct{})
	var runs int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = guard.Do(context.Background(), "user-1", func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = guard.Do(context.Background(), "user-1", func(context.Context) error {
				atomic.AddInt32(&runs, 1)
				return nil
			})
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestGuardRetriesAfterFailure(t *testing.T) {
	guard := NewGuard()
	boom := errors.New("boom")

	ran, err := guard.Do(context.Background(), "user-1", func(context.Context) error { return boom })
	assert.True(t, ran)
	require.ErrorIs(t, err, boom)
	assert.False(t, guard.Done("user-1"))

	ran, err = guard.Do(context.Background(), "user-1", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestGuardForgetAndBlankKey(t *testing.T) {
	guard := NewGuard()
	_, _ = guard.Do(context.Background(), "user-1", func(context.Context) error { return nil })
	guard.Forget("user-1")
	assert.False(t, guard.Done("user-1"))

	ran, err := guard.Do(context.Background(), " ", func(context.Context) error {
		t.Fatal("blank key must not run")
		return nil
	})
	assert.False(t, ran)
	assert.NoError(t, err)
}
