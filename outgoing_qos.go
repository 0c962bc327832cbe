package mqttclient

import "time"

const (
	// reservedPacketIDs are kept out of the send maximum so that
	// subscription packets always find a free identifier.
	reservedPacketIDs = 10

	maxSendMaximum = 65535 - reservedPacketIDs

	// publishBatchSize bounds the publishes written per loop turn so that
	// acknowledgements and pings are not starved.
	publishBatchSize = 64
)

// OutgoingQoS2Control observes the second half of outgoing QoS 2
// exchanges. Its methods run on the connection goroutine.
type OutgoingQoS2Control interface {
	// OnPubrec is called after a successful PUBREC, before the PUBREL is
	// written. The PUBREL reason code and properties may be changed.
	OnPubrec(msg *Message, pubrec *PubrecPacket, pubrel *PubrelPacket)

	// OnPubcomp is called when the exchange completed.
	OnPubcomp(msg *Message, pubrel *PubrelPacket, pubcomp *PubcompPacket)
}

// packetWriter buffers packets for the current connection. writePacket only
// fails when the packet cannot be encoded; transport errors surface from
// flush.
type packetWriter interface {
	writePacket(pkt Packet) error
	flush() error
}

// connectionParams are the values negotiated by CONNECT/CONNACK that the
// outgoing path depends on.
type connectionParams struct {
	version           ProtocolVersion
	receiveMaximum    uint16
	topicAliasMaximum uint16
	maximumQoS        byte
	retainAvailable   bool
	sessionPresent    bool
}

type queuedPublish struct {
	flow *AckFlow
	msg  *Message
	seq  uint64
}

// outgoingQoSHandler serializes the publishes of every flow onto the
// connection and matches acknowledgements back to their flows. It is only
// used from the connection goroutine.
type outgoingQoSHandler struct {
	loop    *serialExecutor
	quota   *sendQuota
	logger  Logger
	metrics publishMetrics
	control OutgoingQoS2Control

	// violation tears the connection down with PROTOCOL_ERROR.
	violation func(packetType PacketType, packetID uint16, reason string)

	pool        *PacketIDPool
	table       *pendingTable
	aliases     *TopicAliasMapping
	queue       []queuedPublish
	writer      packetWriter
	params      connectionParams
	sendMaximum uint16
	scheduled   bool
	closed      error
}

func newOutgoingQoSHandler(loop *serialExecutor, quota *sendQuota, logger Logger, metrics Metrics) *outgoingQoSHandler {
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	return &outgoingQoSHandler{
		loop:      loop,
		quota:     quota,
		logger:    logger,
		metrics:   publishMetrics{metrics: metrics},
		violation: func(PacketType, uint16, string) {},
	}
}

// onConnected attaches a new connection. Exchanges left from the previous
// connection are written again first, in the order they were first sent.
func (h *outgoingQoSHandler) onConnected(w packetWriter, p connectionParams) uint16 {
	recv := p.receiveMaximum
	if recv == 0 {
		recv = 65535
	}
	sendMax := min(recv, maxSendMaximum)

	resized := false
	if h.pool == nil {
		h.pool = NewPacketIDPool(sendMax)
		h.table = newPendingTable(sendMax)
	} else if sendMax != h.sendMaximum {
		h.table.resize(sendMax, h.pool.Resize(sendMax))
		resized = true
	}
	h.quota.resize(int(sendMax))

	if resized {
		h.logger.Debug("send maximum changed", LogFields{
			"from":            h.sendMaximum,
			"to":              sendMax,
			"shrink_debt":     h.pool.ShrinkDebt(),
			"table_size":      h.table.size(),
			"quota_debt":      h.quota.Debt(),
			"quota_available": h.quota.Available(),
		})
	}
	h.sendMaximum = sendMax

	h.aliases = nil
	if p.version == ProtocolV5 {
		h.aliases = NewTopicAliasMapping(p.topicAliasMaximum)
	}
	h.writer = w
	h.params = p

	h.resend()
	if err := h.flush(); err != nil {
		h.logger.Warn("failed to flush resent packets", LogFields{LogFieldError: err})
	}
	h.schedule()

	return sendMax
}

func (h *outgoingQoSHandler) resend() {
	if h.table == nil || h.table.len() == 0 {
		return
	}

	h.logger.Debug("resending pending exchanges", LogFields{"count": h.table.len()})

	h.table.each(func(e *pendingExchange) bool {
		if e.kind == exchangePubrel {
			if err := h.writer.writePacket(e.pubrel); err != nil {
				h.logger.Error("failed to resend exchange", LogFields{
					"exchange":       e.kind.String(),
					LogFieldPacketID: e.packetID,
					LogFieldError:    err,
				})
			}
			return true
		}

		if err := h.writePublish(e.msg, e.packetID, h.params.sessionPresent); err != nil {
			h.logger.Warn("failed to resend exchange", LogFields{
				"exchange":       e.kind.String(),
				LogFieldPacketID: e.packetID,
				LogFieldTopic:    e.msg.Topic,
				LogFieldError:    err,
			})
			h.table.remove(e.packetID)
			h.releaseID(e.packetID)
			h.metrics.completed(e.msg.QoS, true, time.Time{})
			e.flow.resolve(e.seq, &PublishResult{Message: e.msg, PacketID: e.packetID, Err: err})
			e.flow.acknowledged(1)
		}
		return true
	})
}

// onDisconnected detaches the writer. Pending exchanges are kept for the
// next connection.
func (h *outgoingQoSHandler) onDisconnected() {
	h.writer = nil
	h.aliases = nil
}

// shutdown fails every queued and pending publish with err. Later enqueued
// publishes fail at once.
func (h *outgoingQoSHandler) shutdown(err error) {
	h.closed = err
	h.writer = nil

	for _, q := range h.queue {
		h.metrics.rejected(q.msg.QoS)
		q.flow.resolve(q.seq, &PublishResult{Message: q.msg, Err: err})
		q.flow.acknowledged(1)
	}
	h.queue = nil

	if h.table == nil {
		return
	}
	h.table.each(func(e *pendingExchange) bool {
		h.metrics.completed(e.msg.QoS, true, time.Time{})
		switch e.kind {
		case exchangePublish:
			e.flow.resolve(e.seq, &PublishResult{Message: e.msg, PacketID: e.packetID, Err: err})
			e.flow.acknowledged(1)
		case exchangePubrel:
			if !e.counted {
				e.flow.acknowledged(1)
			}
		}
		return true
	})
	h.table.clear()
}

// enqueue accepts a message whose send slot the producer already holds.
func (h *outgoingQoSHandler) enqueue(flow *AckFlow, msg *Message) {
	seq := flow.track()

	if h.closed != nil {
		h.quota.release()
		h.metrics.rejected(msg.QoS)
		flow.resolve(seq, &PublishResult{Message: msg, Err: h.closed})
		flow.acknowledged(1)
		return
	}

	h.queue = append(h.queue, queuedPublish{flow: flow, msg: msg, seq: seq})
	h.schedule()
}

// reject resolves a message that never occupies a send slot: invalid
// messages found by the producer.
func (h *outgoingQoSHandler) reject(flow *AckFlow, msg *Message, err error) {
	seq := flow.track()
	qos := QoS0
	if msg != nil {
		qos = msg.QoS
	}
	h.metrics.rejected(qos)
	flow.resolve(seq, &PublishResult{Message: msg, Err: err})
	flow.acknowledged(1)
}

func (h *outgoingQoSHandler) schedule() {
	if h.scheduled || h.writer == nil || len(h.queue) == 0 {
		return
	}
	h.scheduled = h.loop.execute(h.processQueue)
}

func (h *outgoingQoSHandler) processQueue() {
	h.scheduled = false
	if h.writer == nil {
		return
	}

	n := min(len(h.queue), publishBatchSize)
	var written []queuedPublish

	for _, q := range h.queue[:n] {
		if h.sendPublish(q) {
			written = append(written, q)
		}
	}
	clear(h.queue[:n])
	h.queue = h.queue[n:]

	err := h.flush()
	for _, q := range written {
		h.quota.release()
		h.metrics.completed(QoS0, err != nil, time.Time{})
		q.flow.resolve(q.seq, &PublishResult{Message: q.msg, Err: err, Acknowledged: err == nil})
		q.flow.acknowledged(1)
	}

	h.schedule()
}

// sendPublish writes q. It reports true for a QoS 0 publish that waits for
// the flush.
func (h *outgoingQoSHandler) sendPublish(q queuedPublish) bool {
	msg := q.msg

	if msg.QoS > h.params.maximumQoS {
		h.fail(q, 0, ErrQoSNotSupported)
		return false
	}
	if msg.Retain && !h.params.retainAvailable {
		h.fail(q, 0, ErrRetainNotSupported)
		return false
	}

	if msg.QoS == QoS0 {
		if err := h.writePublish(msg, 0, false); err != nil {
			h.fail(q, 0, err)
			return false
		}
		h.metrics.sent(QoS0)
		return true
	}

	id, ok := h.pool.Acquire()
	if !ok {
		h.logger.Error("no packet identifier for a granted send slot", LogFields{
			LogFieldBug:   true,
			"in_use":      h.pool.InUse(),
			"send_max":    h.sendMaximum,
			LogFieldTopic: msg.Topic,
		})
		h.fail(q, 0, ErrPacketIDExhausted)
		return false
	}

	e := &pendingExchange{
		kind:     exchangePublish,
		packetID: id,
		msg:      msg,
		flow:     q.flow,
		seq:      q.seq,
		sentAt:   time.Now(),
	}
	if !h.table.put(e) {
		h.logger.Error("packet identifier already pending", LogFields{LogFieldBug: true, LogFieldPacketID: id})
		h.fail(q, 0, ErrPacketIDExhausted)
		return false
	}

	if err := h.writePublish(msg, id, false); err != nil {
		h.table.remove(id)
		h.releaseSlot(id)
		h.fail(q, id, err)
		return false
	}

	h.metrics.sent(msg.QoS)
	return false
}

// fail resolves q with err and returns its send slot.
func (h *outgoingQoSHandler) fail(q queuedPublish, id uint16, err error) {
	h.quota.release()
	h.metrics.rejected(q.msg.QoS)
	q.flow.resolve(q.seq, &PublishResult{Message: q.msg, PacketID: id, Err: err})
	q.flow.acknowledged(1)
}

// writePublish encodes the PUBLISH for msg. A topic alias introduced by the
// packet is recorded only after the writer accepted it.
func (h *outgoingQoSHandler) writePublish(msg *Message, id uint16, dup bool) error {
	pkt, alias := h.buildPublish(msg, id, dup)
	if err := h.writer.writePacket(pkt); err != nil {
		return err
	}
	if alias != 0 {
		h.aliases.Set(msg.Topic, msg.TopicAlias == TopicAliasPreferred)
	}
	return nil
}

// buildPublish returns the PUBLISH for msg and the alias it introduces, or
// 0 when it reuses a known alias or carries none.
func (h *outgoingQoSHandler) buildPublish(msg *Message, id uint16, dup bool) (*PublishPacket, uint16) {
	pkt := newPublishPacket(msg, h.params.version)
	pkt.PacketID = id
	pkt.DUP = dup

	if msg.TopicAlias == TopicAliasNo || h.aliases == nil {
		return pkt, 0
	}

	if alias := h.aliases.Get(msg.Topic); alias != 0 {
		pkt.Topic = ""
		pkt.Props.Set(PropTopicAlias, alias)
		return pkt, 0
	}
	alias := h.aliases.Peek(msg.Topic, msg.TopicAlias == TopicAliasPreferred)
	if alias != 0 {
		pkt.Props.Set(PropTopicAlias, alias)
	}
	return pkt, alias
}

func (h *outgoingQoSHandler) flush() error {
	if h.writer == nil {
		return ErrNotConnected
	}
	return h.writer.flush()
}

// releaseSlot returns id to the pool and finishes a deferred table shrink
// once no identifier above the bound is left.
func (h *outgoingQoSHandler) releaseSlot(id uint16) {
	if err := h.pool.Release(id); err != nil {
		h.logger.Error("released packet identifier twice", LogFields{
			LogFieldBug:      true,
			LogFieldPacketID: id,
			LogFieldError:    err,
		})
		return
	}
	if h.table.shrinkPending() && h.pool.ShrinkDebt() == 0 {
		h.table.compact()
		h.logger.Debug("pending table shrunk", LogFields{"table_size": h.table.size()})
	}
}

func (h *outgoingQoSHandler) releaseID(id uint16) {
	h.releaseSlot(id)
	h.quota.release()
	h.schedule()
}

func (h *outgoingQoSHandler) lookup(id uint16) *pendingExchange {
	if h.table == nil {
		return nil
	}
	return h.table.get(id)
}

func (h *outgoingQoSHandler) handlePuback(p *PubackPacket) {
	e := h.lookup(p.PacketID)
	switch {
	case e == nil:
		h.violation(PacketPUBACK, p.PacketID, "PUBACK contained unknown packet identifier")
		return
	case e.kind == exchangePubrel:
		h.violation(PacketPUBACK, p.PacketID, "PUBACK must not be received for a PUBREL")
		return
	case e.msg.QoS != QoS1:
		h.violation(PacketPUBACK, p.PacketID, "PUBACK must not be received for a QoS 2 PUBLISH")
		return
	}

	h.table.remove(p.PacketID)
	h.releaseID(p.PacketID)

	res := &PublishResult{Message: e.msg, PacketID: p.PacketID, Ack: p, Acknowledged: true}
	if p.ReasonCode.IsError() {
		res.Err = &PublishError{Topic: e.msg.Topic, PacketID: p.PacketID, ReasonCode: p.ReasonCode}
	}
	h.metrics.completed(QoS1, res.Err != nil, e.sentAt)

	e.flow.resolve(e.seq, res)
	e.flow.acknowledged(1)
}

func (h *outgoingQoSHandler) handlePubrec(p *PubrecPacket) {
	e := h.lookup(p.PacketID)
	switch {
	case e == nil:
		h.violation(PacketPUBREC, p.PacketID, "PUBREC contained unknown packet identifier")
		return
	case e.kind == exchangePubrel:
		h.violation(PacketPUBREC, p.PacketID, "PUBREC must not be received for a PUBREL")
		return
	case e.msg.QoS != QoS2:
		h.violation(PacketPUBREC, p.PacketID, "PUBREC must not be received for a QoS 1 PUBLISH")
		return
	}

	if p.ReasonCode.IsError() {
		h.table.remove(p.PacketID)
		h.releaseID(p.PacketID)
		h.metrics.completed(QoS2, true, e.sentAt)

		e.flow.resolve(e.seq, &PublishResult{
			Message:      e.msg,
			PacketID:     p.PacketID,
			Ack:          p,
			Acknowledged: true,
			Err:          &PublishError{Topic: e.msg.Topic, PacketID: p.PacketID, ReasonCode: p.ReasonCode},
		})
		e.flow.acknowledged(1)
		return
	}

	pubrel := &PubrelPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess}
	if h.control != nil {
		h.control.OnPubrec(e.msg, p, pubrel)
		pubrel.PacketID = p.PacketID
	}

	e.kind = exchangePubrel
	e.pubrel = pubrel
	e.counted = e.flow.qos2 == CompleteOnPubrec

	if h.writer != nil {
		if err := h.writer.writePacket(pubrel); err != nil {
			h.logger.Error("failed to encode PUBREL", LogFields{LogFieldPacketID: p.PacketID, LogFieldError: err})
		}
		if err := h.writer.flush(); err != nil {
			h.logger.Debug("failed to flush PUBREL", LogFields{LogFieldPacketID: p.PacketID, LogFieldError: err})
		}
	}

	e.flow.resolve(e.seq, &PublishResult{
		Message:      e.msg,
		PacketID:     p.PacketID,
		Ack:          p,
		Pubrel:       pubrel,
		Acknowledged: e.counted,
	})
	if e.counted {
		e.flow.acknowledged(1)
	}
}

func (h *outgoingQoSHandler) handlePubcomp(p *PubcompPacket) {
	e := h.lookup(p.PacketID)
	switch {
	case e == nil:
		h.violation(PacketPUBCOMP, p.PacketID, "PUBCOMP contained unknown packet identifier")
		return
	case e.kind != exchangePubrel:
		h.violation(PacketPUBCOMP, p.PacketID, "PUBCOMP must not be received for a PUBLISH")
		return
	}

	h.table.remove(p.PacketID)
	h.releaseID(p.PacketID)

	if p.ReasonCode.IsError() {
		h.logger.Warn("PUBCOMP reported an error", LogFields{
			LogFieldPacketID:   p.PacketID,
			LogFieldTopic:      e.msg.Topic,
			LogFieldReasonCode: p.ReasonCode.String(),
		})
	}
	h.metrics.completed(QoS2, false, e.sentAt)

	if h.control != nil {
		h.control.OnPubcomp(e.msg, e.pubrel, p)
	}
	if !e.counted {
		e.flow.acknowledged(1)
	}
}

// inflight returns the number of pending exchanges.
func (h *outgoingQoSHandler) inflight() int {
	if h.table == nil {
		return 0
	}
	return h.table.len()
}
