package rag

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDispatcher_InlineWhenPoolDisabled(t *testing.T) {
	d, err := NewDispatcher(0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	ran := false
	err = d.Run(context.Background(), "kb-1", func(ctx context.Context) error {
		ran = true
		return errInjected
	})
	assert.ErrorIs(t, err, errInjected)
	assert.True(t, ran)
}

func TestDispatcher_SameKBRunsInOrder(t *testing.T) {
	d, err := NewDispatcher(4, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	order := make([]int, 0, 20)
	results := make([]<-chan error, 0, 20)
	for i := 0; i < 20; i++ {
		results = append(results, d.Submit(context.Background(), "kb-1", func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, ch := range results {
		require.NoError(t, <-ch)
	}
	d.Close()

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestDispatcher_DifferentKBsRunConcurrently(t *testing.T) {
	d, err := NewDispatcher(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	job := func(name string) Job {
		return func(ctx context.Context) error {
			started <- name
			<-release
			return nil
		}
	}

	a := d.Submit(context.Background(), "kb-a", job("a"))
	b := d.Submit(context.Background(), "kb-b", job("b"))

	got := []string{<-started, <-started}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
	close(release)
	require.NoError(t, <-a)
	require.NoError(t, <-b)
}

func TestDispatcher_PanicAndCancelledContext(t *testing.T) {
	d, err := NewDispatcher(1, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	err = d.Run(context.Background(), "kb-1", func(ctx context.Context) error {
		panic("boom")
	})
	assert.ErrorContains(t, err, "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = <-d.Submit(ctx, "kb-1", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	d, err := NewDispatcher(1, zaptest.NewLogger(t))
	require.NoError(t, err)
	d.Close()

	err = <-d.Submit(context.Background(), "kb-1", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}
