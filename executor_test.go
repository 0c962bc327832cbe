package mqttclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialExecutor(t *testing.T) {
	t.Run("runs tasks in order", func(t *testing.T) {
		x := newSerialExecutor()
		defer x.stop()

		var got []int
		for i := range 100 {
			require.True(t, x.execute(func() { got = append(got, i) }))
		}
		require.True(t, x.submitWait(func() {}))

		want := make([]int, 100)
		for i := range want {
			want[i] = i
		}
		assert.Equal(t, want, got)
	})

	t.Run("one task at a time", func(t *testing.T) {
		x := newSerialExecutor()
		defer x.stop()

		var (
			wg      sync.WaitGroup
			running int
			overlap bool
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 50 {
					x.execute(func() {
						running++
						if running > 1 {
							overlap = true
						}
						running--
					})
				}
			}()
		}
		wg.Wait()
		x.submitWait(func() {})

		assert.False(t, overlap)
	})

	t.Run("tasks may queue tasks", func(t *testing.T) {
		x := newSerialExecutor()
		defer x.stop()

		done := make(chan struct{})
		x.execute(func() {
			x.execute(func() { close(done) })
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("nested task did not run")
		}
	})

	t.Run("stop drains queued tasks", func(t *testing.T) {
		x := newSerialExecutor()

		ran := 0
		block := make(chan struct{})
		x.execute(func() { <-block })
		x.execute(func() { ran++ })
		x.execute(func() { ran++ })
		x.stop()

		assert.False(t, x.execute(func() { ran++ }))
		assert.False(t, x.submitWait(func() {}))

		close(block)

		select {
		case <-x.Done():
		case <-time.After(time.Second):
			t.Fatal("executor did not finish")
		}
		assert.Equal(t, 2, ran)
	})

	t.Run("stop from a task", func(t *testing.T) {
		x := newSerialExecutor()

		require.True(t, x.submitWait(x.stop))

		select {
		case <-x.Done():
		case <-time.After(time.Second):
			t.Fatal("executor did not finish")
		}
	})
}
