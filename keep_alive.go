package mqttclient

import (
	"context"
	"time"
)

// keepAliveLoop wakes the connection loop every half keep-alive period.
// It ends with the connection.
func (c *Client) keepAliveLoop(ctx context.Context, gen uint64, keepAlive time.Duration) {
	ticker := time.NewTicker(keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.loop.execute(func() {
				c.keepAliveTick(gen, keepAlive)
			}) {
				return
			}
		}
	}
}

func (c *Client) keepAliveTick(gen uint64, keepAlive time.Duration) {
	if !c.current(gen) {
		return
	}

	if !c.pingSent.IsZero() {
		if time.Since(c.pingSent) >= keepAlive {
			c.lost(ErrKeepAliveTimeout)
		}
		return
	}

	if time.Since(c.writer.lastWrite) >= keepAlive/2 {
		c.pingSent = time.Now()
		c.reply(&PingreqPacket{})
	}
}
