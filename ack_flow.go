package mqttclient

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// Unbounded is a demand that is never used up.
const Unbounded int64 = math.MaxInt64

// PublishResult is the outcome of one publish.
type PublishResult struct {
	Message  *Message
	PacketID uint16

	// Err is set when the message failed: rejected by the server, not
	// writable, or abandoned on shutdown.
	Err error

	// Ack is the PUBACK or PUBREC that answered the message, nil for QoS 0.
	Ack Packet

	// Pubrel is the PUBREL sent after a successful PUBREC.
	Pubrel *PubrelPacket

	// Acknowledged is false for a QoS 2 result delivered at PUBREC while
	// the PUBREL/PUBCOMP half of the handshake is still running.
	Acknowledged bool
}

// ResultHandler consumes the results of a publish flow. All methods are
// called from the connection goroutine and must not block.
type ResultHandler interface {
	// OnResult receives results in the order the messages were produced,
	// at most as many as were requested.
	OnResult(result *PublishResult)

	// OnComplete is called once the source ended and every message was
	// acknowledged.
	OnComplete()

	// OnError is called instead of OnComplete when the source or the flow
	// failed.
	OnError(err error)
}

// ResultHandlerFuncs adapts functions to ResultHandler. Nil fields are
// skipped.
type ResultHandlerFuncs struct {
	Result   func(*PublishResult)
	Complete func()
	Error    func(error)
}

func (h ResultHandlerFuncs) OnResult(r *PublishResult) {
	if h.Result != nil {
		h.Result(r)
	}
}

func (h ResultHandlerFuncs) OnComplete() {
	if h.Complete != nil {
		h.Complete()
	}
}

func (h ResultHandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// QoS2Completion selects when a QoS 2 message counts as acknowledged.
type QoS2Completion uint8

const (
	// CompleteOnPubcomp counts a QoS 2 message when PUBCOMP arrives.
	CompleteOnPubcomp QoS2Completion = iota
	// CompleteOnPubrec counts it when a successful PUBREC arrives.
	CompleteOnPubrec
)

// FlowOption configures a publish flow.
type FlowOption func(*flowConfig)

type flowConfig struct {
	demand int64
	qos2   QoS2Completion
}

// WithDemand sets the initial demand. Zero buffers every result until
// Request is called. The default is Unbounded.
func WithDemand(n int64) FlowOption {
	return func(c *flowConfig) {
		if n >= 0 {
			c.demand = n
		}
	}
}

// WithPubrecCompletion counts QoS 2 messages as acknowledged at PUBREC.
func WithPubrecCompletion() FlowOption {
	return func(c *flowConfig) {
		c.qos2 = CompleteOnPubrec
	}
}

type flowOutcome struct {
	published int64
	err       error
}

// AckFlow connects one PublishSource to its ResultHandler. It counts the
// messages taken from the source and the messages acknowledged by the
// server, and finishes once the source ended and both counts are equal.
//
// Results are pushed from the connection goroutine; Request and Cancel may
// be called from any goroutine.
type AckFlow struct {
	handler ResultHandler
	loop    *serialExecutor
	logger  Logger
	qos2    QoS2Completion

	requested  atomic.Int64
	cancelled  atomic.Bool
	needsDrain atomic.Bool
	outcome    atomic.Pointer[flowOutcome]
	acked      atomic.Int64

	// Owned by the connection goroutine.
	queue      []*PublishResult
	reorder    map[uint64]*PublishResult
	nextSeq    uint64
	emitSeq    uint64
	terminated bool

	stopPump    context.CancelFunc
	onTerminate func(*AckFlow)

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newAckFlow(loop *serialExecutor, handler ResultHandler, logger Logger, opts ...FlowOption) *AckFlow {
	cfg := flowConfig{demand: Unbounded}
	for _, opt := range opts {
		opt(&cfg)
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}

	f := &AckFlow{
		handler: handler,
		loop:    loop,
		logger:  logger,
		qos2:    cfg.qos2,
		done:    make(chan struct{}),
	}
	f.requested.Store(cfg.demand)

	return f
}

// Request adds n to the demand. A non-positive n cancels the source and
// fails the flow with ErrInvalidDemand.
func (f *AckFlow) Request(n int64) {
	if n <= 0 {
		f.stop()
		f.loop.execute(func() {
			f.abort(ErrInvalidDemand)
		})
		return
	}

	for {
		cur := f.requested.Load()
		next := cur + n
		if next < 0 || cur == Unbounded {
			next = Unbounded
		}
		if f.requested.CompareAndSwap(cur, next) {
			break
		}
	}

	if f.needsDrain.CompareAndSwap(true, false) {
		f.loop.execute(f.drain)
	}
}

// Cancel stops taking messages from the source and drops results that
// were not delivered yet. Messages already sent still finish their
// handshake. The handler is not called after Cancel returns, except for a
// call already running.
func (f *AckFlow) Cancel() {
	if !f.cancelled.CompareAndSwap(false, true) {
		return
	}
	f.stop()
	f.finish(ErrFlowCancelled)
	f.loop.execute(func() {
		f.terminated = true
		f.queue = nil
		f.reorder = nil
	})
}

// Done is closed when the flow completed, failed or was cancelled.
func (f *AckFlow) Done() <-chan struct{} {
	return f.done
}

// Err returns nil while the flow runs or after it completed, otherwise the
// reason it stopped.
func (f *AckFlow) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Published returns the number of messages taken from the source, or -1
// while the source has not ended.
func (f *AckFlow) Published() int64 {
	if o := f.outcome.Load(); o != nil {
		return o.published
	}
	return -1
}

// Acknowledged returns the number of messages acknowledged so far.
func (f *AckFlow) Acknowledged() int64 {
	return f.acked.Load()
}

func (f *AckFlow) stop() {
	if f.stopPump != nil {
		f.stopPump()
	}
}

func (f *AckFlow) finish(err error) {
	f.doneOnce.Do(func() {
		f.err = err
		close(f.done)
		if f.onTerminate != nil {
			f.onTerminate(f)
		}
	})
}

// track assigns the next submission sequence number.
func (f *AckFlow) track() uint64 {
	seq := f.nextSeq
	f.nextSeq++
	return seq
}

// resolve hands over the result of message seq. Results are passed on in
// sequence order.
func (f *AckFlow) resolve(seq uint64, res *PublishResult) {
	if f.terminated || f.cancelled.Load() {
		return
	}

	if seq != f.emitSeq {
		if f.reorder == nil {
			f.reorder = make(map[uint64]*PublishResult)
		}
		f.reorder[seq] = res
		return
	}

	f.emitSeq++
	f.onNext(res)

	for len(f.reorder) > 0 {
		next, ok := f.reorder[f.emitSeq]
		if !ok {
			return
		}
		delete(f.reorder, f.emitSeq)
		f.emitSeq++
		f.onNext(next)
	}
}

func (f *AckFlow) onNext(res *PublishResult) {
	if f.terminated || f.cancelled.Load() {
		return
	}
	f.queue = append(f.queue, res)
	f.drain()
}

func (f *AckFlow) drain() {
	for len(f.queue) > 0 {
		if f.terminated || f.cancelled.Load() {
			f.queue = nil
			return
		}

		if !f.takeDemand() {
			f.needsDrain.Store(true)
			if f.requested.Load() == 0 || !f.needsDrain.CompareAndSwap(true, false) {
				return
			}
			continue
		}

		res := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		f.handler.OnResult(res)
	}

	f.tryTerminate()
}

func (f *AckFlow) takeDemand() bool {
	for {
		cur := f.requested.Load()
		switch cur {
		case 0:
			return false
		case Unbounded:
			return true
		}
		if f.requested.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// acknowledged records n messages as acknowledged.
func (f *AckFlow) acknowledged(n int64) {
	f.acked.Add(n)
	f.tryTerminate()
}

// onComplete records that the source ended after published messages.
func (f *AckFlow) onComplete(published int64) {
	f.complete(&flowOutcome{published: published})
}

// onError records that the source failed after published messages.
func (f *AckFlow) onError(err error, published int64) {
	f.complete(&flowOutcome{published: published, err: err})
}

func (f *AckFlow) complete(o *flowOutcome) {
	if !f.outcome.CompareAndSwap(nil, o) {
		f.logger.Error("publish flow source finished twice", LogFields{
			LogFieldBug:   true,
			"published":   o.published,
			LogFieldError: o.err,
		})
		return
	}

	// Either the loop sees the outcome when it acknowledges the last
	// message, or this load sees the final count.
	if f.acked.Load() == o.published {
		f.loop.execute(f.tryTerminate)
	}
}

func (f *AckFlow) tryTerminate() {
	if f.terminated {
		return
	}
	o := f.outcome.Load()
	if o == nil || f.acked.Load() != o.published || len(f.queue) > 0 || len(f.reorder) > 0 {
		return
	}

	f.terminated = true
	if !f.cancelled.Load() {
		if o.err != nil {
			f.handler.OnError(o.err)
		} else {
			f.handler.OnComplete()
		}
	}
	f.finish(o.err)
}

// abort fails the flow at once, dropping undelivered results. It runs on
// the connection goroutine, or after it exited.
func (f *AckFlow) abort(err error) {
	if f.terminated {
		return
	}
	f.terminated = true
	f.queue = nil
	f.reorder = nil
	if !f.cancelled.Load() {
		f.handler.OnError(err)
	}
	f.finish(err)
}
