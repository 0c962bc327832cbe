package mqttclient

import (
	"context"
	"errors"
	"io"

	"github.com/panjf2000/ants/v2"
)

// PublishFlow starts publishing the messages of src and returns the flow
// that reports their results to h.
//
// Messages are taken from src only while a send slot is free, so a slow
// server slows the source down. Results reach h in the order the messages
// were taken, on the connection goroutine; h must not block and must not
// call Close.
func (c *Client) PublishFlow(src PublishSource, h ResultHandler, opts ...FlowOption) (*AckFlow, error) {
	if src == nil {
		return nil, errors.New("publish source is nil")
	}
	if h == nil {
		h = ResultHandlerFuncs{}
	}

	flow := newAckFlow(c.loop, h, c.logger, opts...)
	ctx, cancel := context.WithCancel(c.ctx)
	flow.stopPump = cancel
	flow.onTerminate = c.removeFlow

	c.flowsMu.Lock()
	if c.closed.Load() {
		c.flowsMu.Unlock()
		cancel()
		return nil, ErrClientClosed
	}
	c.flows[flow] = struct{}{}
	c.flowsMu.Unlock()

	if err := c.pumps.Submit(func() { c.pump(ctx, flow, src) }); err != nil {
		c.removeFlow(flow)
		cancel()
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			return nil, ErrTooManyFlows
		case errors.Is(err, ants.ErrPoolClosed):
			return nil, ErrClientClosed
		}
		return nil, err
	}

	return flow, nil
}

// pump moves messages from src to the connection loop, one send slot at a
// time. It stops without reporting when ctx is canceled: the flow was
// cancelled or the client shut down, and both finish the flow themselves.
func (c *Client) pump(ctx context.Context, flow *AckFlow, src PublishSource) {
	var published int64

	for {
		msg, err := src.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				flow.onComplete(published)
			} else {
				flow.onError(err, published)
			}
			return
		}

		if err := msg.Validate(); err != nil {
			if !c.loop.execute(func() { c.outgoing.reject(flow, msg, err) }) {
				return
			}
			published++
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if !c.quota.tryAcquire() {
			c.logger.Debug("waiting for send quota", LogFields{
				LogFieldTopic: msg.Topic,
				"quota_limit": c.quota.Limit(),
				"quota_debt":  c.quota.Debt(),
			})
			if err := c.quota.acquire(ctx); err != nil {
				return
			}
		}

		if !c.loop.execute(func() { c.outgoing.enqueue(flow, msg) }) {
			c.quota.release()
			return
		}
		published++
	}
}

// Publish sends one message and waits until it is acknowledged: at once
// for QoS 0, at PUBACK for QoS 1 and at PUBCOMP for QoS 2. A server
// rejection is returned as a *PublishError along with the result.
//
// When ctx ends first, the wait is abandoned. A message that was already
// written still completes its handshake in the background.
func (c *Client) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *PublishResult
	flow, err := c.PublishFlow(SliceSource(msg), ResultHandlerFuncs{
		Result: func(r *PublishResult) { result = r },
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-flow.Done():
	case <-ctx.Done():
		flow.Cancel()
		return nil, ctx.Err()
	}

	if result == nil {
		return nil, flow.Err()
	}
	if result.Err != nil {
		return result, result.Err
	}
	return result, flow.Err()
}
