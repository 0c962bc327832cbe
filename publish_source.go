package mqttclient

import (
	"context"
	"io"
)

// PublishSource produces the messages of one publish flow. Next is called
// from a single goroutine; it returns io.EOF when the source is exhausted.
// Any other error fails the flow after the messages already taken were
// acknowledged.
type PublishSource interface {
	Next(ctx context.Context) (*Message, error)
}

// SourceFunc adapts a function to PublishSource.
type SourceFunc func(ctx context.Context) (*Message, error)

func (f SourceFunc) Next(ctx context.Context) (*Message, error) {
	return f(ctx)
}

// SliceSource publishes msgs in order.
func SliceSource(msgs ...*Message) PublishSource {
	return &sliceSource{msgs: msgs}
}

type sliceSource struct {
	msgs []*Message
	pos  int
}

func (s *sliceSource) Next(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.msgs) {
		return nil, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}

// ChannelSource publishes messages received from ch until it is closed.
func ChannelSource(ch <-chan *Message) PublishSource {
	return SourceFunc(func(ctx context.Context) (*Message, error) {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, io.EOF
			}
			return msg, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
