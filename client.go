package mqttclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// Client is an MQTT client that publishes messages with QoS 0, 1 and 2.
//
// Connection state lives on a single goroutine, the connection loop. The
// reader, keep-alive and producer goroutines hand their work to it, so
// acknowledgements, resends and flow results are processed in order.
type Client struct {
	options *clientOptions
	logger  Logger
	metrics publishMetrics

	loop     *serialExecutor
	events   *serialExecutor
	quota    *sendQuota
	outgoing *outgoingQoSHandler
	pumps    *ants.Pool
	limiter  *rate.Limiter

	servers     []string
	serverIndex atomic.Uint32

	idMu     sync.RWMutex
	clientID string

	flowsMu sync.Mutex
	flows   map[*AckFlow]struct{}

	// Owned by the connection loop.
	conn        net.Conn
	connCancel  context.CancelFunc
	writer      *connWriter
	version     ProtocolVersion
	generation  uint64
	pingSent    time.Time
	inboundQoS2 map[uint16]struct{}

	sendMaximum atomic.Uint32
	connected   atomic.Bool
	closed      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// negotiated holds what one CONNECT/CONNACK exchange settled.
type negotiated struct {
	params        connectionParams
	keepAlive     time.Duration
	maxPacketSize uint32
	connack       *ConnackPacket
}

// Dial connects to an MQTT broker and returns a client.
//
// server is a URL such as tcp://broker:1883, mqtts://broker, ws://broker/mqtt,
// quic://broker:14567 or unix:///run/mqtt.sock. WithServers adds fallbacks.
func Dial(server string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), server, opts...)
}

// DialContext connects to an MQTT broker with a context. The context
// controls the client's lifecycle: when canceled, the client closes.
func DialContext(ctx context.Context, server string, opts ...Option) (*Client, error) {
	options := applyOptions(opts...)

	var servers []string
	for _, s := range append([]string{server}, options.servers...) {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers configured")
	}

	pumps, err := ants.NewPool(options.maxFlows, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create publish worker pool: %w", err)
	}

	if options.clientID == "" {
		options.clientID = generateClientID()
	}

	c := &Client{
		options:     options,
		logger:      options.logger.WithFields(LogFields{LogFieldClientID: options.clientID}),
		metrics:     publishMetrics{metrics: options.metrics},
		loop:        newSerialExecutor(),
		events:      newSerialExecutor(),
		quota:       newSendQuota(),
		pumps:       pumps,
		limiter:     rate.NewLimiter(options.publishRate, options.publishBurst),
		servers:     servers,
		clientID:    options.clientID,
		flows:       make(map[*AckFlow]struct{}),
		inboundQoS2: make(map[uint16]struct{}),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.outgoing = newOutgoingQoSHandler(c.loop, c.quota, c.logger, options.metrics)
	c.outgoing.control = options.qos2Control
	c.outgoing.violation = c.protocolViolation
	c.metrics.resetInflight()

	connectCtx, connectCancel := context.WithTimeout(c.ctx, options.connectTimeout)
	defer connectCancel()

	if _, err := c.connect(connectCtx); err != nil {
		c.cancel()
		c.loop.stop()
		c.events.stop()
		c.pumps.Release()
		return nil, err
	}

	context.AfterFunc(c.ctx, func() {
		c.Close()
	})

	return c, nil
}

func generateClientID() string {
	return "mqttclient-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Client) nextServer() string {
	idx := c.serverIndex.Add(1) - 1
	return c.servers[idx%uint32(len(c.servers))]
}

// connect dials the next server, runs the CONNECT/CONNACK handshake and
// hands the connection to the loop. It reports whether the server resumed
// a session.
func (c *Client) connect(ctx context.Context) (bool, error) {
	server := c.nextServer()
	log := c.logger.WithFields(LogFields{LogFieldServer: server})

	conn, err := dialServer(ctx, server, c.options.dialConfig())
	if err != nil {
		log.Debug("dial failed", LogFields{LogFieldError: err})
		return false, fmt.Errorf("dial %s: %w", server, err)
	}

	r := bufio.NewReader(conn)
	n, err := c.handshake(ctx, conn, r)
	if err != nil {
		conn.Close()
		log.Debug("handshake failed", LogFields{LogFieldError: err})
		return false, err
	}

	var sendMax uint16
	attached := false
	if !c.loop.submitWait(func() {
		sendMax, attached = c.attach(conn, r, n)
	}) || !attached {
		conn.Close()
		return false, ErrClientClosed
	}

	c.metrics.connected()
	log.Info("connected", LogFields{
		"session_present": n.params.sessionPresent,
		"send_maximum":    sendMax,
		"protocol":        n.params.version.String(),
	})
	c.emit(&ConnectedEvent{
		SessionPresent: n.params.sessionPresent,
		SendMaximum:    sendMax,
		ServerProps:    &n.connack.Props,
	})

	return n.params.sessionPresent, nil
}

func (c *Client) connectPacket() *ConnectPacket {
	o := c.options
	pkt := &ConnectPacket{
		ProtocolVersion: o.protocolVersion,
		ClientID:        c.ClientID(),
		CleanStart:      o.cleanStart,
		KeepAlive:       o.keepAlive,
		Username:        o.username,
		Password:        o.password,
	}

	if o.willTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = o.willTopic
		pkt.WillPayload = o.willPayload
		pkt.WillRetain = o.willRetain
		pkt.WillQoS = o.willQoS
		if o.willProps != nil {
			pkt.WillProps = *o.willProps
		}
	}

	if o.protocolVersion != ProtocolV5 {
		return pkt
	}

	if o.sessionExpiryInterval > 0 {
		pkt.Props.Set(PropSessionExpiryInterval, o.sessionExpiryInterval)
	}
	if o.receiveMaximum > 0 && o.receiveMaximum < 65535 {
		pkt.Props.Set(PropReceiveMaximum, o.receiveMaximum)
	}
	if o.maxPacketSize > 0 {
		pkt.Props.Set(PropMaximumPacketSize, o.maxPacketSize)
	}
	for key, value := range o.userProperties {
		pkt.Props.Add(PropUserProperty, StringPair{Key: key, Value: value})
	}

	return pkt
}

func (c *Client) handshake(ctx context.Context, conn net.Conn, r *bufio.Reader) (negotiated, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	version := c.options.protocolVersion
	if _, err := WritePacket(conn, c.connectPacket(), version, 0); err != nil {
		return negotiated{}, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	pkt, _, err := ReadPacket(r, version, c.options.maxPacketSize)
	if err != nil {
		return negotiated{}, fmt.Errorf("failed to read CONNACK: %w", err)
	}

	connack, ok := pkt.(*ConnackPacket)
	if !ok {
		return negotiated{}, fmt.Errorf("%w: expected CONNACK, got %s", ErrProtocolError, pkt.Type())
	}
	if connack.ReasonCode.IsError() {
		return negotiated{}, &ConnectError{ReasonCode: connack.ReasonCode, Properties: &connack.Props}
	}

	if !stop() {
		return negotiated{}, ctx.Err()
	}
	conn.SetDeadline(time.Time{})

	return c.applyConnack(connack)
}

// applyConnack derives the connection parameters from CONNACK. Properties
// absent from the packet keep their protocol defaults.
func (c *Client) applyConnack(connack *ConnackPacket) (negotiated, error) {
	n := negotiated{
		params: connectionParams{
			version:         c.options.protocolVersion,
			maximumQoS:      QoS2,
			retainAvailable: true,
			sessionPresent:  connack.SessionPresent,
		},
		keepAlive:     time.Duration(c.options.keepAlive) * time.Second,
		maxPacketSize: MaxPacketSizeProtocol,
		connack:       connack,
	}

	if n.params.version != ProtocolV5 {
		return n, nil
	}

	props := &connack.Props

	if id := props.GetString(PropAssignedClientIdentifier); id != "" {
		c.idMu.Lock()
		c.clientID = id
		c.idMu.Unlock()
	}

	if props.Has(PropServerKeepAlive) {
		n.keepAlive = time.Duration(props.GetUint16(PropServerKeepAlive)) * time.Second
	}

	if props.Has(PropMaximumPacketSize) {
		size := props.GetUint32(PropMaximumPacketSize)
		if size == 0 || size > MaxPacketSizeProtocol {
			return n, fmt.Errorf("%w: server sent invalid Maximum Packet Size %d", ErrProtocolError, size)
		}
		n.maxPacketSize = size
	}

	if props.Has(PropReceiveMaximum) {
		recv := props.GetUint16(PropReceiveMaximum)
		if recv == 0 {
			return n, fmt.Errorf("%w: server sent Receive Maximum 0", ErrProtocolError)
		}
		n.params.receiveMaximum = recv
	}

	n.params.topicAliasMaximum = props.GetUint16(PropTopicAliasMaximum)

	if props.Has(PropMaximumQoS) {
		maxQoS := props.GetByte(PropMaximumQoS)
		if maxQoS > QoS1 {
			return n, fmt.Errorf("%w: server sent invalid Maximum QoS %d", ErrProtocolError, maxQoS)
		}
		n.params.maximumQoS = maxQoS
	}
	if props.Has(PropRetainAvailable) {
		n.params.retainAvailable = props.GetByte(PropRetainAvailable) == 1
	}

	return n, nil
}

// attach makes conn the current connection. It runs on the loop.
func (c *Client) attach(conn net.Conn, r *bufio.Reader, n negotiated) (uint16, bool) {
	if c.closed.Load() {
		return 0, false
	}

	c.generation++
	gen := c.generation

	connCtx, cancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = cancel
	c.version = n.params.version
	c.pingSent = time.Time{}
	c.writer = &connWriter{
		conn:      conn,
		version:   n.params.version,
		maxSize:   n.maxPacketSize,
		timeout:   c.options.writeTimeout,
		lastWrite: time.Now(),
	}
	if !n.params.sessionPresent {
		clear(c.inboundQoS2)
	}

	sendMax := c.outgoing.onConnected(c.writer, n.params)
	c.sendMaximum.Store(uint32(sendMax))
	c.connected.Store(true)

	go c.readLoop(r, n.params.version, gen)
	if n.keepAlive > 0 {
		go c.keepAliveLoop(connCtx, gen, n.keepAlive)
	}

	return sendMax, true
}

// detach drops the current connection. Pending exchanges stay with the
// outgoing handler. It runs on the loop.
func (c *Client) detach() {
	if c.conn == nil {
		return
	}
	c.connCancel()
	c.conn.Close()
	c.conn = nil
	c.writer = nil
	c.connected.Store(false)
	c.outgoing.onDisconnected()
}

func (c *Client) current(gen uint64) bool {
	return gen == c.generation && c.writer != nil
}

func (c *Client) readLoop(r *bufio.Reader, version ProtocolVersion, gen uint64) {
	for {
		pkt, _, err := ReadPacket(r, version, c.options.maxPacketSize)
		if err != nil {
			c.loop.execute(func() {
				c.readFailed(gen, err)
			})
			return
		}

		if !c.loop.execute(func() {
			c.handlePacket(gen, pkt)
		}) {
			return
		}
	}
}

func (c *Client) handlePacket(gen uint64, pkt Packet) {
	if !c.current(gen) {
		return
	}

	switch p := pkt.(type) {
	case *PubackPacket:
		c.outgoing.handlePuback(p)
	case *PubrecPacket:
		c.outgoing.handlePubrec(p)
	case *PubcompPacket:
		c.outgoing.handlePubcomp(p)
	case *PublishPacket:
		c.handleInboundPublish(p)
	case *PubrelPacket:
		c.handleInboundPubrel(p)
	case *PingrespPacket:
		c.pingSent = time.Time{}
	case *DisconnectPacket:
		c.handleDisconnect(p)
	default:
		c.protocolViolation(pkt.Type(), 0, fmt.Sprintf("unexpected %s packet", pkt.Type()))
	}
}

// handleInboundPublish completes the receiver side of the handshake. The
// client has no subscriptions, so the message itself is dropped.
func (c *Client) handleInboundPublish(p *PublishPacket) {
	c.logger.Debug("dropping inbound message", LogFields{
		LogFieldTopic:    p.Topic,
		LogFieldQoS:      p.QoS,
		LogFieldPacketID: p.PacketID,
	})

	switch p.QoS {
	case QoS1:
		c.reply(&PubackPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess})
	case QoS2:
		c.inboundQoS2[p.PacketID] = struct{}{}
		c.reply(&PubrecPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess})
	}
}

func (c *Client) handleInboundPubrel(p *PubrelPacket) {
	code := ReasonSuccess
	if _, ok := c.inboundQoS2[p.PacketID]; !ok {
		code = ReasonPacketIDNotFound
	}
	delete(c.inboundQoS2, p.PacketID)
	c.reply(&PubcompPacket{PacketID: p.PacketID, ReasonCode: code})
}

func (c *Client) reply(pkt Packet) {
	if err := c.writer.writePacket(pkt); err != nil {
		c.logger.Error("failed to encode reply", LogFields{LogFieldPacketType: pkt.Type().String(), LogFieldError: err})
		return
	}
	if err := c.writer.flush(); err != nil {
		c.logger.Debug("failed to flush reply", LogFields{LogFieldPacketType: pkt.Type().String(), LogFieldError: err})
	}
}

func (c *Client) handleDisconnect(p *DisconnectPacket) {
	ev := &DisconnectError{
		ReasonCode:   p.ReasonCode,
		ReasonString: p.ReasonString(),
		Remote:       true,
	}
	c.logger.Warn("server disconnected", LogFields{
		LogFieldReasonCode: p.ReasonCode.String(),
		"reason":           ev.ReasonString,
	})

	c.detach()
	c.emit(ev)
	c.afterLoss(ev)
}

// protocolViolation closes the connection with PROTOCOL_ERROR. It runs on
// the loop.
func (c *Client) protocolViolation(packetType PacketType, packetID uint16, reason string) {
	if c.writer == nil {
		return
	}

	c.logger.Warn("protocol violation", LogFields{
		LogFieldPacketType: packetType.String(),
		LogFieldPacketID:   packetID,
		"reason":           reason,
	})
	c.metrics.protocolError()

	pkt := &DisconnectPacket{ReasonCode: ReasonProtocolError}
	if c.version == ProtocolV5 {
		pkt.Props.Set(PropReasonString, reason)
	}
	c.reply(pkt)

	ev := &ProtocolViolationError{PacketType: packetType, PacketID: packetID, Reason: reason}
	c.detach()
	c.emit(ev)
	c.afterLoss(ev)
}

func (c *Client) readFailed(gen uint64, err error) {
	if !c.current(gen) {
		return
	}

	if code := disconnectReason(err); code != ReasonSuccess {
		c.metrics.protocolError()
		c.logger.Warn("invalid packet from server", LogFields{
			LogFieldReasonCode: code.String(),
			LogFieldError:      err,
		})
		c.reply(&DisconnectPacket{ReasonCode: code})
	}

	c.lost(err)
}

// lost reports a dropped connection. It runs on the loop.
func (c *Client) lost(cause error) {
	c.logger.Warn("connection lost", LogFields{LogFieldError: cause})
	c.detach()
	c.emit(&ConnectionLostError{Cause: cause})
	c.afterLoss(cause)
}

func (c *Client) afterLoss(cause error) {
	if c.closed.Load() {
		return
	}
	if c.options.autoReconnect {
		go c.reconnectLoop(cause)
		return
	}
	go c.shutdown(ReasonSuccess, &ConnectionLostError{Cause: cause}, false)
}

// disconnectReason maps a read error to the DISCONNECT reason code sent
// before closing. Transport errors map to ReasonSuccess: nothing is sent.
func disconnectReason(err error) ReasonCode {
	switch {
	case errors.Is(err, ErrPacketTooLarge):
		return ReasonPacketTooLarge
	case errors.Is(err, ErrUnknownPacketType),
		errors.Is(err, ErrInvalidPacketType),
		errors.Is(err, ErrProtocolError):
		return ReasonProtocolError
	case errors.Is(err, ErrMalformedPacket),
		errors.Is(err, ErrInvalidPacketFlags),
		errors.Is(err, ErrInvalidReasonCode),
		errors.Is(err, ErrInvalidQoS),
		errors.Is(err, ErrPacketIDRequired),
		errors.Is(err, ErrVarintTooLarge),
		errors.Is(err, ErrVarintMalformed),
		errors.Is(err, ErrRemainingLengthTooLarge),
		errors.Is(err, ErrUnknownPropertyID),
		errors.Is(err, ErrInvalidPropertyType),
		errors.Is(err, ErrInvalidConnackFlags):
		return ReasonMalformedPacket
	}
	return ReasonSuccess
}

func (c *Client) reconnectLoop(cause error) {
	stop := make(chan struct{})
	var stopOnce sync.Once
	cancelReconnect := func() {
		stopOnce.Do(func() { close(stop) })
	}

	backoff := c.options.reconnectBackoff

	for attempt := 1; ; attempt++ {
		if c.closed.Load() {
			return
		}

		if c.options.maxReconnects > 0 && attempt > c.options.maxReconnects {
			c.emit(ErrReconnectFailed)
			c.shutdown(ReasonSuccess, &ConnectionLostError{Cause: cause}, false)
			return
		}

		c.emit(&ReconnectEvent{
			Attempt:     attempt,
			MaxAttempts: c.options.maxReconnects,
			Delay:       backoff,
			cancel:      cancelReconnect,
		})

		timer := time.NewTimer(backoff)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			c.shutdown(ReasonSuccess, ErrReconnectFailed, false)
			return
		case <-timer.C:
		}

		connectCtx, connectCancel := context.WithTimeout(c.ctx, c.options.connectTimeout)
		_, err := c.connect(connectCtx)
		connectCancel()

		if err == nil || errors.Is(err, ErrClientClosed) {
			return
		}

		cause = err
		c.logger.Debug("reconnect attempt failed", LogFields{"attempt": attempt, LogFieldError: err})

		if c.options.backoffStrategy != nil {
			backoff = c.options.backoffStrategy(attempt, backoff, err)
		} else {
			backoff *= 2
		}
		if backoff > c.options.maxBackoff {
			backoff = c.options.maxBackoff
		}
	}
}

// Close disconnects with reason Success and fails every pending publish
// with ErrClientClosed.
func (c *Client) Close() error {
	return c.CloseWithCode(ReasonSuccess)
}

// CloseWithCode disconnects with the given reason code.
func (c *Client) CloseWithCode(code ReasonCode) error {
	c.shutdown(code, ErrClientClosed, true)
	return nil
}

// shutdown stops the client once. Queued and pending publishes and all
// running flows fail with cause.
func (c *Client) shutdown(code ReasonCode, cause error, local bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.cancel()

	c.loop.submitWait(func() {
		if local && c.writer != nil {
			c.reply(&DisconnectPacket{ReasonCode: code})
		}
		c.detach()
		c.outgoing.shutdown(cause)

		c.flowsMu.Lock()
		flows := make([]*AckFlow, 0, len(c.flows))
		for f := range c.flows {
			flows = append(flows, f)
		}
		c.flowsMu.Unlock()

		for _, f := range flows {
			f.abort(cause)
		}
		c.loop.stop()
	})

	c.pumps.Release()
	c.metrics.resetInflight()
	close(c.done)

	if local {
		c.logger.Info("disconnected", LogFields{LogFieldReasonCode: code.String()})
		c.emit(&DisconnectError{ReasonCode: code})
	}
	c.events.stop()
}

func (c *Client) removeFlow(f *AckFlow) {
	c.flowsMu.Lock()
	delete(c.flows, f)
	c.flowsMu.Unlock()
}

// emit delivers an event to the OnEvent handler. Events are delivered in
// order on their own goroutine.
func (c *Client) emit(event error) {
	handler := c.options.onEvent
	if handler == nil {
		return
	}
	c.events.execute(func() {
		handler(c, event)
	})
}

// IsConnected reports whether a connection is currently attached.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the client identifier, as assigned by the server when
// it assigned one.
func (c *Client) ClientID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.clientID
}

// SendMaximum returns the number of QoS 1 and 2 publishes that may be
// unacknowledged at once on the current connection.
func (c *Client) SendMaximum() uint16 {
	return uint16(c.sendMaximum.Load())
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// connWriter buffers the packets written during one loop task and sends
// them with a single Write on flush. A failed write closes the connection,
// which makes the reader report the loss.
type connWriter struct {
	conn      net.Conn
	buf       []byte
	version   ProtocolVersion
	maxSize   uint32
	timeout   time.Duration
	lastWrite time.Time
	err       error
}

func (w *connWriter) writePacket(pkt Packet) error {
	buf, err := appendPacket(w.buf, pkt, w.version, w.maxSize)
	if err != nil {
		return err
	}
	w.buf = buf
	return nil
}

func (w *connWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	if len(w.buf) == 0 {
		return nil
	}

	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err := w.conn.Write(w.buf)

	if cap(w.buf) > maxPooledBuffer {
		w.buf = nil
	} else {
		w.buf = w.buf[:0]
	}

	if err != nil {
		w.err = err
		w.conn.Close()
		return err
	}
	w.lastWrite = time.Now()
	return nil
}
