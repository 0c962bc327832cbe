package mqttclient

import (
	"context"
	"sync"
)

// maxSendQuota bounds the token channel; the send maximum can never
// exceed it.
const maxSendQuota = 65535

// sendQuota is the credit scheme shared by every publish flow of a client.
// A producer takes one token before handing a message to the connection
// loop; the loop returns it when the message no longer occupies a send slot
// (QoS 0 flushed, QoS 1/2 identifier released).
//
// When the limit shrinks below the number of tokens already held, the
// difference becomes debt and the next releases are swallowed until it is
// paid off.
type sendQuota struct {
	tokens chan struct{}

	mu    sync.Mutex
	limit int
	debt  int
}

func newSendQuota() *sendQuota {
	return &sendQuota{
		tokens: make(chan struct{}, maxSendQuota),
	}
}

// acquire blocks until a token is available or ctx is done.
func (q *sendQuota) acquire(ctx context.Context) error {
	select {
	case <-q.tokens:
		return nil
	default:
	}

	select {
	case <-q.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *sendQuota) tryAcquire() bool {
	select {
	case <-q.tokens:
		return true
	default:
		return false
	}
}

// release returns one token.
func (q *sendQuota) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.debt > 0 {
		q.debt--
		return
	}

	select {
	case q.tokens <- struct{}{}:
	default:
	}
}

// resize sets the number of tokens in circulation to limit.
func (q *sendQuota) resize(limit int) {
	if limit > maxSendQuota {
		limit = maxSendQuota
	}
	if limit < 0 {
		limit = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	delta := limit - q.limit
	q.limit = limit

	if delta > 0 {
		paid := min(delta, q.debt)
		q.debt -= paid
		for range delta - paid {
			select {
			case q.tokens <- struct{}{}:
			default:
			}
		}
		return
	}

	for need := -delta; need > 0; need-- {
		select {
		case <-q.tokens:
		default:
			q.debt += need
			return
		}
	}
}

// Limit returns the number of tokens in circulation.
func (q *sendQuota) Limit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Debt returns the number of releases that will be swallowed.
func (q *sendQuota) Debt() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.debt
}

// Available returns the number of tokens that can be acquired now.
func (q *sendQuota) Available() int {
	return len(q.tokens)
}
