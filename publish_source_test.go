package mqttclient

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceSource(t *testing.T) {
	a := &Message{Topic: "a"}
	b := &Message{Topic: "b"}
	src := SliceSource(a, b)

	got, err := src.Next(t.Context())
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = src.Next(t.Context())
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = src.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF)

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := SliceSource(a).Next(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestChannelSource(t *testing.T) {
	ch := make(chan *Message, 1)
	src := ChannelSource(ch)

	msg := &Message{Topic: "c"}
	ch <- msg
	got, err := src.Next(t.Context())
	require.NoError(t, err)
	assert.Same(t, msg, got)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(ch)
	_, err = src.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSourceFunc(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	src := SourceFunc(func(context.Context) (*Message, error) {
		calls++
		if calls > 1 {
			return nil, boom
		}
		return &Message{Topic: "f"}, nil
	})

	got, err := src.Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "f", got.Topic)

	_, err = src.Next(t.Context())
	assert.ErrorIs(t, err, boom)
}
