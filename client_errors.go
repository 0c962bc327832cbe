package mqttclient

import (
	"errors"
	"time"
)

// EventHandler receives lifecycle events. Events are errors so that they
// can be matched with errors.Is and unpacked with errors.As.
type EventHandler func(client *Client, event error)

// Lifecycle sentinels.
var (
	ErrConnected       = errors.New("connected")
	ErrDisconnected    = errors.New("disconnected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrReconnecting    = errors.New("reconnecting")
	ErrReconnectFailed = errors.New("reconnect failed")
)

// Protocol sentinels.
var (
	ErrProtocolError    = errors.New("protocol error")
	ErrServerDisconnect = errors.New("server disconnect")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
	ErrAuthFailed       = errors.New("authentication failed")
)

// Publish sentinels.
var (
	ErrPublishFailed      = errors.New("publish failed")
	ErrClientClosed       = errors.New("client closed")
	ErrNotConnected       = errors.New("not connected")
	ErrQoSNotSupported    = errors.New("QoS not supported by server")
	ErrRetainNotSupported = errors.New("retain not supported by server")

	// ErrPacketIDExhausted means no packet identifier was free although a
	// send slot was. It indicates broken bookkeeping.
	ErrPacketIDExhausted = errors.New("no packet identifier available")

	ErrInvalidDemand = errors.New("demand must be positive")
	ErrFlowCancelled = errors.New("publish flow cancelled")
	ErrTooManyFlows  = errors.New("too many concurrent publish flows")
)

// ConnectedEvent is emitted after every successful CONNACK.
type ConnectedEvent struct {
	SessionPresent bool
	SendMaximum    uint16
	ServerProps    *Properties
}

func (e *ConnectedEvent) Error() string { return ErrConnected.Error() }
func (e *ConnectedEvent) Unwrap() error { return ErrConnected }

// DisconnectError reports a DISCONNECT, sent by the client or received
// from the server.
type DisconnectError struct {
	ReasonCode   ReasonCode
	ReasonString string
	Remote       bool
}

func (e *DisconnectError) Error() string {
	msg := "disconnected: "
	if e.Remote {
		msg = "server disconnect: "
	}
	msg += e.ReasonCode.String()
	if e.ReasonString != "" {
		msg += " (" + e.ReasonString + ")"
	}
	return msg
}

func (e *DisconnectError) Unwrap() error {
	if e.Remote {
		return ErrServerDisconnect
	}
	return ErrDisconnected
}

// ProtocolViolationError is emitted when the server broke the
// acknowledgement protocol. The client closed the connection with
// PROTOCOL_ERROR.
type ProtocolViolationError struct {
	PacketType PacketType
	PacketID   uint16
	Reason     string
}

func (e *ProtocolViolationError) Error() string {
	return "protocol error: " + e.Reason
}

func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolError }

// ReasonCode returns the reason code sent in the DISCONNECT.
func (e *ProtocolViolationError) ReasonCode() ReasonCode { return ReasonProtocolError }

// ReconnectEvent is emitted before each reconnection attempt.
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	cancel      func()
}

func (e *ReconnectEvent) Error() string { return ErrReconnecting.Error() }
func (e *ReconnectEvent) Unwrap() error { return ErrReconnecting }

// Cancel stops further reconnection attempts.
func (e *ReconnectEvent) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// PublishError is the result error of a publish the server rejected with an
// error reason code.
type PublishError struct {
	Topic      string
	PacketID   uint16
	ReasonCode ReasonCode
}

func (e *PublishError) Error() string {
	return "publish failed: " + e.ReasonCode.String()
}

func (e *PublishError) Unwrap() error { return ErrPublishFailed }

// ConnectionLostError is emitted when the connection dropped without a
// DISCONNECT.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return ErrConnectionLost }

// ConnectError is returned when the server refused the connection.
type ConnectError struct {
	ReasonCode ReasonCode
	Properties *Properties
}

func (e *ConnectError) Error() string {
	return "connect failed: " + e.ReasonCode.String()
}

func (e *ConnectError) Unwrap() error {
	if e.ReasonCode == ReasonBadUserNameOrPassword || e.ReasonCode == ReasonNotAuthorized {
		return ErrAuthFailed
	}
	return ErrProtocolError
}
