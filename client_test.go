package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates a mock MQTT server that accepts one connection.
func mockServer(t *testing.T, handler func(net.Conn)) (string, func()) {
	t.Helper()
	return mockServerN(t, 1, func(_ int, conn net.Conn) { handler(conn) })
}

// mockServerN accepts n connections in turn and passes each to handler
// with its index.
func mockServerN(t *testing.T, n int, handler func(int, net.Conn)) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for i := range n {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			handler(i, conn)
			conn.Close()
		}
	}()

	cleanup := func() {
		listener.Close()
		wg.Wait()
	}

	return listener.Addr().String(), cleanup
}

// sendConnack sends a CONNACK; setProps may add v5 properties.
func sendConnack(conn net.Conn, version ProtocolVersion, sessionPresent bool, reasonCode ReasonCode, setProps ...func(*Properties)) error {
	pkt := &ConnackPacket{
		SessionPresent: sessionPresent,
		ReasonCode:     reasonCode,
	}
	for _, set := range setProps {
		set(&pkt.Props)
	}
	_, err := WritePacket(conn, pkt, version, 0)
	return err
}

// readConnect reads a CONNECT packet from the connection.
func readConnect(t *testing.T, conn net.Conn) *ConnectPacket {
	t.Helper()

	pkt := readServerPacket(t, conn, ProtocolV5)
	connectPkt, ok := pkt.(*ConnectPacket)
	require.True(t, ok, "expected CONNECT packet, got %T", pkt)

	return connectPkt
}

func readServerPacket(t *testing.T, conn net.Conn, version ProtocolVersion) Packet {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	pkt, _, err := ReadPacket(conn, version, 0)
	require.NoError(t, err)
	return pkt
}

func writeServerPacket(t *testing.T, conn net.Conn, pkt Packet, version ProtocolVersion) {
	t.Helper()
	_, err := WritePacket(conn, pkt, version, 0)
	require.NoError(t, err)
}

// ackingBroker accepts the connection and acknowledges every publish.
// Received packets are copied to received when it is not nil.
func ackingBroker(t *testing.T, version ProtocolVersion, received chan<- Packet, setProps ...func(*Properties)) func(net.Conn) {
	return func(conn net.Conn) {
		readConnect(t, conn)
		if !assert.NoError(t, sendConnack(conn, version, false, ReasonSuccess, setProps...)) {
			return
		}
		serveAcks(conn, version, received)
	}
}

func serveAcks(conn net.Conn, version ProtocolVersion, received chan<- Packet) {
	for {
		pkt, _, err := ReadPacket(conn, version, 0)
		if err != nil {
			return
		}
		if received != nil {
			received <- pkt
		}

		var reply Packet
		switch p := pkt.(type) {
		case *PublishPacket:
			switch p.QoS {
			case QoS1:
				reply = &PubackPacket{PacketID: p.PacketID}
			case QoS2:
				reply = &PubrecPacket{PacketID: p.PacketID}
			}
		case *PubrelPacket:
			reply = &PubcompPacket{PacketID: p.PacketID}
		case *PingreqPacket:
			reply = &PingrespPacket{}
		case *DisconnectPacket:
			return
		}

		if reply != nil {
			if _, err := WritePacket(conn, reply, version, 0); err != nil {
				return
			}
		}
	}
}

type eventRecorder struct {
	ch chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan error, 64)}
}

func (r *eventRecorder) option() Option {
	return OnEvent(func(_ *Client, ev error) { r.ch <- ev })
}

// wait returns the first event matching target.
func (r *eventRecorder) wait(t *testing.T, target error) error {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if errors.Is(ev, target) {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %v event", target)
			return nil
		}
	}
}

func waitClientDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not shut down")
	}
}

func TestDialSuccess(t *testing.T) {
	connects := make(chan *ConnectPacket, 1)
	disconnects := make(chan Packet, 1)

	addr, cleanup := mockServer(t, func(conn net.Conn) {
		connects <- readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
		disconnects <- readServerPacket(t, conn, ProtocolV5)
	})
	defer cleanup()

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr,
		WithClientID("test-client"),
		WithKeepAlive(30),
		WithCredentials("user", "secret"),
		WithReceiveMaximum(100),
		WithUserProperties(map[string]string{"site": "lab"}),
		events.option(),
	)
	require.NoError(t, err)

	connect := <-connects
	assert.Equal(t, "test-client", connect.ClientID)
	assert.Equal(t, uint16(30), connect.KeepAlive)
	assert.True(t, connect.CleanStart)
	assert.Equal(t, "user", connect.Username)
	assert.Equal(t, []byte("secret"), connect.Password)
	assert.Equal(t, uint16(100), connect.Props.GetUint16(PropReceiveMaximum))
	assert.Equal(t, []StringPair{{Key: "site", Value: "lab"}}, connect.Props.GetStringPairs(PropUserProperty))

	assert.True(t, client.IsConnected())
	assert.Equal(t, "test-client", client.ClientID())
	assert.Equal(t, uint16(65535-reservedPacketIDs), client.SendMaximum())

	var connected *ConnectedEvent
	require.ErrorAs(t, events.wait(t, ErrConnected), &connected)
	assert.False(t, connected.SessionPresent)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	disconnect, ok := (<-disconnects).(*DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonSuccess, disconnect.ReasonCode)

	waitClientDone(t, client)
	assert.False(t, client.IsConnected())

	var disconnected *DisconnectError
	require.ErrorAs(t, events.wait(t, ErrDisconnected), &disconnected)
	assert.False(t, disconnected.Remote)
}

func TestDialGeneratesClientID(t *testing.T) {
	connects := make(chan *ConnectPacket, 1)
	addr, cleanup := mockServer(t, func(conn net.Conn) {
		connects <- readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
		serveAcks(conn, ProtocolV5, nil)
	})
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)
	defer client.Close()

	id := (<-connects).ClientID
	assert.Regexp(t, `^mqttclient-[0-9a-f]{32}$`, id)
	assert.Equal(t, id, client.ClientID())
}

func TestDialAppliesConnack(t *testing.T) {
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, nil, func(p *Properties) {
		p.Set(PropAssignedClientIdentifier, "assigned-1")
		p.Set(PropReceiveMaximum, uint16(5))
	}))
	defer cleanup()

	client, err := Dial("tcp://"+addr, WithClientID(""))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "assigned-1", client.ClientID())
	assert.Equal(t, uint16(5), client.SendMaximum())
}

func TestDialInvalidConnackProperties(t *testing.T) {
	tests := []struct {
		name string
		set  func(*Properties)
	}{
		{"receive maximum zero", func(p *Properties) { p.Set(PropReceiveMaximum, uint16(0)) }},
		{"maximum qos 2", func(p *Properties) { p.Set(PropMaximumQoS, byte(2)) }},
		{"maximum packet size zero", func(p *Properties) { p.Set(PropMaximumPacketSize, uint32(0)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, cleanup := mockServer(t, func(conn net.Conn) {
				readConnect(t, conn)
				sendConnack(conn, ProtocolV5, false, ReasonSuccess, tt.set)
			})
			defer cleanup()

			_, err := Dial("tcp://" + addr)
			assert.ErrorIs(t, err, ErrProtocolError)
		})
	}
}

func TestDialRefused(t *testing.T) {
	t.Run("v5 bad credentials", func(t *testing.T) {
		addr, cleanup := mockServer(t, func(conn net.Conn) {
			readConnect(t, conn)
			sendConnack(conn, ProtocolV5, false, ReasonBadUserNameOrPassword)
		})
		defer cleanup()

		_, err := Dial("tcp://"+addr, WithCredentials("user", "wrong"))
		require.Error(t, err)

		var connErr *ConnectError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, ReasonBadUserNameOrPassword, connErr.ReasonCode)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("v311 server unavailable", func(t *testing.T) {
		addr, cleanup := mockServer(t, func(conn net.Conn) {
			readConnect(t, conn)
			sendConnack(conn, ProtocolV311, false, ReasonServerUnavailable)
		})
		defer cleanup()

		_, err := Dial("tcp://"+addr, WithProtocolVersion(ProtocolV311))

		var connErr *ConnectError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, ReasonServerUnavailable, connErr.ReasonCode)
	})

	t.Run("not a CONNACK", func(t *testing.T) {
		addr, cleanup := mockServer(t, func(conn net.Conn) {
			readConnect(t, conn)
			writeServerPacket(t, conn, &PingrespPacket{}, ProtocolV5)
		})
		defer cleanup()

		_, err := Dial("tcp://" + addr)
		assert.ErrorIs(t, err, ErrProtocolError)
	})
}

func TestDialErrors(t *testing.T) {
	t.Run("no servers", func(t *testing.T) {
		_, err := Dial(" ")
		assert.ErrorContains(t, err, "no servers configured")
	})

	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		_, err = Dial("tcp://"+addr, WithConnectTimeout(time.Second))
		assert.ErrorContains(t, err, "dial tcp://"+addr)
	})

	t.Run("connack timeout", func(t *testing.T) {
		addr, cleanup := mockServer(t, func(conn net.Conn) {
			readConnect(t, conn)
			time.Sleep(300 * time.Millisecond)
		})
		defer cleanup()

		start := time.Now()
		_, err := Dial("tcp://"+addr, WithConnectTimeout(100*time.Millisecond))
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 300*time.Millisecond)
	})

	t.Run("context cancelled", func(t *testing.T) {
		addr, cleanup := mockServer(t, func(conn net.Conn) {
			readConnect(t, conn)
			time.Sleep(300 * time.Millisecond)
		})
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := DialContext(ctx, "tcp://"+addr)
		assert.Error(t, err)
	})
}

func TestReconnectUsesFallbackServer(t *testing.T) {
	first, cleanupFirst := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
	})
	defer cleanupFirst()

	connects := make(chan *ConnectPacket, 1)
	second, cleanupSecond := mockServer(t, func(conn net.Conn) {
		connects <- readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
		serveAcks(conn, ProtocolV5, nil)
	})
	defer cleanupSecond()

	events := newEventRecorder()
	client, err := Dial("tcp://"+first,
		WithServers("tcp://"+second),
		WithClientID("fallback"),
		WithAutoReconnect(true),
		WithReconnectBackoff(10*time.Millisecond),
		events.option(),
	)
	require.NoError(t, err)
	defer client.Close()

	events.wait(t, ErrConnected)
	events.wait(t, ErrConnected)

	select {
	case connect := <-connects:
		assert.Equal(t, "fallback", connect.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("second server not used")
	}

	_, err = client.Publish(t.Context(), &Message{Topic: "a", QoS: QoS1})
	assert.NoError(t, err)
}

func TestContextCancelClosesClient(t *testing.T) {
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, nil))
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	client, err := DialContext(ctx, "tcp://"+addr)
	require.NoError(t, err)

	cancel()
	waitClientDone(t, client)
}

func TestPublish(t *testing.T) {
	for _, version := range []ProtocolVersion{ProtocolV311, ProtocolV5} {
		for _, qos := range []byte{QoS0, QoS1, QoS2} {
			t.Run(fmt.Sprintf("%s qos %d", version, qos), func(t *testing.T) {
				received := make(chan Packet, 16)
				addr, cleanup := mockServer(t, ackingBroker(t, version, received))
				defer cleanup()

				client, err := Dial("tcp://"+addr, WithProtocolVersion(version))
				require.NoError(t, err)
				defer client.Close()

				msg := &Message{Topic: "sensors/temp", Payload: []byte("21.5"), QoS: qos}
				result, err := client.Publish(t.Context(), msg)
				require.NoError(t, err)
				require.NotNil(t, result)
				assert.Same(t, msg, result.Message)
				assert.True(t, result.Acknowledged)

				pub, ok := (<-received).(*PublishPacket)
				require.True(t, ok)
				assert.Equal(t, "sensors/temp", pub.Topic)
				assert.Equal(t, []byte("21.5"), pub.Payload)
				assert.Equal(t, qos, pub.QoS)
				assert.False(t, pub.DUP)

				switch qos {
				case QoS0:
					assert.Zero(t, pub.PacketID)
					assert.Nil(t, result.Ack)
				case QoS1:
					assert.Equal(t, uint16(1), result.PacketID)
					assert.IsType(t, &PubackPacket{}, result.Ack)
				case QoS2:
					assert.IsType(t, &PubrecPacket{}, result.Ack)
					require.NotNil(t, result.Pubrel)
					rel, ok := (<-received).(*PubrelPacket)
					require.True(t, ok)
					assert.Equal(t, pub.PacketID, rel.PacketID)
				}
			})
		}
	}
}

func TestPublishRejectedByServer(t *testing.T) {
	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))

		pub := readServerPacket(t, conn, ProtocolV5).(*PublishPacket)
		writeServerPacket(t, conn, &PubackPacket{PacketID: pub.PacketID, ReasonCode: ReasonNotAuthorized}, ProtocolV5)
		serveAcks(conn, ProtocolV5, nil)
	})
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Publish(t.Context(), &Message{Topic: "secret", QoS: QoS1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, ReasonNotAuthorized, pubErr.ReasonCode)
	assert.Equal(t, "secret", pubErr.Topic)
	require.NotNil(t, result)
	assert.True(t, result.Acknowledged)
	assert.Same(t, result.Err, err)

	// The packet identifier is free again.
	result, err = client.Publish(t.Context(), &Message{Topic: "open", QoS: QoS1})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), result.PacketID)
}

func TestPublishValidation(t *testing.T) {
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, nil, func(p *Properties) {
		p.Set(PropMaximumQoS, byte(1))
		p.Set(PropRetainAvailable, byte(0))
	}))
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Publish(t.Context(), &Message{Topic: "a/#"})
	assert.ErrorIs(t, err, ErrInvalidTopicName)

	_, err = client.Publish(t.Context(), &Message{Topic: "a", QoS: QoS2})
	assert.ErrorIs(t, err, ErrQoSNotSupported)

	_, err = client.Publish(t.Context(), &Message{Topic: "a", Retain: true})
	assert.ErrorIs(t, err, ErrRetainNotSupported)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = client.Publish(ctx, &Message{Topic: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProtocolViolationDisconnects(t *testing.T) {
	disconnects := make(chan *DisconnectPacket, 1)

	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))

		writeServerPacket(t, conn, &PubackPacket{PacketID: 99}, ProtocolV5)

		if d, ok := readServerPacket(t, conn, ProtocolV5).(*DisconnectPacket); ok {
			disconnects <- d
		}
	})
	defer cleanup()

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr, events.option())
	require.NoError(t, err)

	select {
	case d := <-disconnects:
		assert.Equal(t, ReasonProtocolError, d.ReasonCode)
		assert.Equal(t, "PUBACK contained unknown packet identifier", d.ReasonString())
	case <-time.After(5 * time.Second):
		t.Fatal("no DISCONNECT")
	}

	var violation *ProtocolViolationError
	require.ErrorAs(t, events.wait(t, ErrProtocolError), &violation)
	assert.Equal(t, PacketPUBACK, violation.PacketType)
	assert.Equal(t, uint16(99), violation.PacketID)

	waitClientDone(t, client)
}

func TestServerDisconnect(t *testing.T) {
	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))

		d := &DisconnectPacket{ReasonCode: ReasonServerShuttingDown}
		d.Props.Set(PropReasonString, "maintenance")
		writeServerPacket(t, conn, d, ProtocolV5)
	})
	defer cleanup()

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr, events.option())
	require.NoError(t, err)

	var disconnect *DisconnectError
	require.ErrorAs(t, events.wait(t, ErrServerDisconnect), &disconnect)
	assert.True(t, disconnect.Remote)
	assert.Equal(t, ReasonServerShuttingDown, disconnect.ReasonCode)
	assert.Equal(t, "maintenance", disconnect.ReasonString)

	waitClientDone(t, client)
}

func TestMalformedPacketFromServer(t *testing.T) {
	disconnects := make(chan *DisconnectPacket, 1)

	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))

		// PUBACK with an invalid reason code.
		conn.Write([]byte{0x40, 0x03, 0x00, 0x01, 0x01})

		if d, ok := readServerPacket(t, conn, ProtocolV5).(*DisconnectPacket); ok {
			disconnects <- d
		}
	})
	defer cleanup()

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr, events.option())
	require.NoError(t, err)

	select {
	case d := <-disconnects:
		assert.Equal(t, ReasonMalformedPacket, d.ReasonCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no DISCONNECT")
	}

	events.wait(t, ErrConnectionLost)
	waitClientDone(t, client)
}

func TestInboundPublishIsAcknowledged(t *testing.T) {
	replies := make(chan Packet, 4)

	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))

		writeServerPacket(t, conn, &PublishPacket{Topic: "in", QoS: QoS1, PacketID: 7}, ProtocolV5)
		replies <- readServerPacket(t, conn, ProtocolV5)

		writeServerPacket(t, conn, &PublishPacket{Topic: "in", QoS: QoS2, PacketID: 8}, ProtocolV5)
		replies <- readServerPacket(t, conn, ProtocolV5)

		writeServerPacket(t, conn, &PubrelPacket{PacketID: 8}, ProtocolV5)
		replies <- readServerPacket(t, conn, ProtocolV5)

		writeServerPacket(t, conn, &PubrelPacket{PacketID: 8}, ProtocolV5)
		replies <- readServerPacket(t, conn, ProtocolV5)

		serveAcks(conn, ProtocolV5, nil)
	})
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)
	defer client.Close()

	recv := func() Packet {
		select {
		case p := <-replies:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("no reply")
			return nil
		}
	}

	assert.Equal(t, &PubackPacket{PacketID: 7, ReasonCode: ReasonSuccess}, recv())
	assert.Equal(t, &PubrecPacket{PacketID: 8, ReasonCode: ReasonSuccess}, recv())
	assert.Equal(t, &PubcompPacket{PacketID: 8, ReasonCode: ReasonSuccess}, recv())
	assert.Equal(t, &PubcompPacket{PacketID: 8, ReasonCode: ReasonPacketIDNotFound}, recv())
}

func TestKeepAlive(t *testing.T) {
	received := make(chan Packet, 8)
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, received))
	defer cleanup()

	client, err := Dial("tcp://"+addr, WithKeepAlive(1))
	require.NoError(t, err)
	defer client.Close()

	select {
	case pkt := <-received:
		assert.IsType(t, &PingreqPacket{}, pkt)
	case <-time.After(3 * time.Second):
		t.Fatal("no PINGREQ")
	}
	assert.True(t, client.IsConnected())
}

func TestKeepAliveTimeout(t *testing.T) {
	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
		// Read without answering PINGREQ.
		for {
			if _, _, err := ReadPacket(conn, ProtocolV5, 0); err != nil {
				return
			}
		}
	})
	defer cleanup()

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr, WithKeepAlive(1), events.option())
	require.NoError(t, err)

	lost := events.wait(t, ErrConnectionLost)
	assert.ErrorIs(t, lost.(*ConnectionLostError).Cause, ErrKeepAliveTimeout)
	waitClientDone(t, client)
}

func TestCloseFailsPendingPublishes(t *testing.T) {
	published := make(chan struct{})

	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))

		// Never acknowledge.
		for {
			pkt, _, err := ReadPacket(conn, ProtocolV5, 0)
			if err != nil {
				return
			}
			if _, ok := pkt.(*PublishPacket); ok {
				close(published)
			}
		}
	})
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Publish(context.Background(), &Message{Topic: "a", QoS: QoS1})
		errs <- err
	}()

	<-published
	require.NoError(t, client.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not fail")
	}

	_, err = client.PublishFlow(SliceSource(&Message{Topic: "a"}), nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestReconnectResendsPending(t *testing.T) {
	resent := make(chan *PublishPacket, 1)
	var firstID uint16

	addr, cleanup := mockServerN(t, 2, func(i int, conn net.Conn) {
		readConnect(t, conn)

		if i == 0 {
			assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
			pub := readServerPacket(t, conn, ProtocolV5).(*PublishPacket)
			firstID = pub.PacketID
			// Drop the connection before acknowledging.
			return
		}

		assert.NoError(t, sendConnack(conn, ProtocolV5, true, ReasonSuccess))
		pub := readServerPacket(t, conn, ProtocolV5).(*PublishPacket)
		resent <- pub
		writeServerPacket(t, conn, &PubackPacket{PacketID: pub.PacketID}, ProtocolV5)
		serveAcks(conn, ProtocolV5, nil)
	})
	defer cleanup()

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr,
		WithAutoReconnect(true),
		WithReconnectBackoff(10*time.Millisecond),
		WithCleanStart(false),
		events.option(),
	)
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Publish(t.Context(), &Message{Topic: "a", Payload: []byte("x"), QoS: QoS1})
	require.NoError(t, err)
	assert.True(t, result.Acknowledged)

	pub := <-resent
	assert.True(t, pub.DUP)
	assert.Equal(t, firstID, pub.PacketID)
	assert.Equal(t, []byte("x"), pub.Payload)

	events.wait(t, ErrConnectionLost)
	var reconnect *ReconnectEvent
	require.ErrorAs(t, events.wait(t, ErrReconnecting), &reconnect)
	assert.Equal(t, 1, reconnect.Attempt)

	var connected *ConnectedEvent
	require.ErrorAs(t, events.wait(t, ErrConnected), &connected)
	assert.True(t, connected.SessionPresent)
}

func TestReconnectGivesUp(t *testing.T) {
	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
	})

	events := newEventRecorder()
	client, err := Dial("tcp://"+addr,
		WithAutoReconnect(true),
		WithMaxReconnects(2),
		WithReconnectBackoff(10*time.Millisecond),
		WithConnectTimeout(200*time.Millisecond),
		events.option(),
	)
	require.NoError(t, err)
	cleanup()

	events.wait(t, ErrReconnectFailed)
	waitClientDone(t, client)
}

func TestReconnectCancel(t *testing.T) {
	addr, cleanup := mockServer(t, func(conn net.Conn) {
		readConnect(t, conn)
		assert.NoError(t, sendConnack(conn, ProtocolV5, false, ReasonSuccess))
	})
	defer cleanup()

	client, err := Dial("tcp://"+addr,
		WithAutoReconnect(true),
		WithReconnectBackoff(time.Hour),
		OnEvent(func(_ *Client, ev error) {
			var reconnect *ReconnectEvent
			if errors.As(ev, &reconnect) {
				reconnect.Cancel()
			}
		}),
	)
	require.NoError(t, err)

	waitClientDone(t, client)
}

func TestPublishFlow(t *testing.T) {
	received := make(chan Packet, 32)
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, received, func(p *Properties) {
		p.Set(PropReceiveMaximum, uint16(2))
	}))
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)
	defer client.Close()

	msgs := make([]*Message, 5)
	for i := range msgs {
		msgs[i] = &Message{Topic: fmt.Sprintf("t/%d", i), QoS: byte(i % 3)}
	}

	rec := &resultRecorder{}
	flow, err := client.PublishFlow(SliceSource(msgs...), rec)
	require.NoError(t, err)
	waitDone(t, flow)

	assert.NoError(t, flow.Err())
	assert.Equal(t, int64(5), flow.Published())
	assert.Equal(t, int64(5), flow.Acknowledged())
	assert.Equal(t, []string{"t/0", "t/1", "t/2", "t/3", "t/4"}, rec.topics())
	assert.Equal(t, 1, rec.completions())

	for _, pkt := range drain(received) {
		if p, ok := pkt.(*PublishPacket); ok && p.QoS > QoS0 {
			assert.LessOrEqual(t, p.PacketID, uint16(2))
		}
	}
}

func drain(ch <-chan Packet) []Packet {
	var out []Packet
	for {
		select {
		case p := <-ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestPublishFlowLimits(t *testing.T) {
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, nil))
	defer cleanup()

	client, err := Dial("tcp://"+addr, WithMaxPublishFlows(1))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.PublishFlow(nil, nil)
	assert.Error(t, err)

	ch := make(chan *Message)
	first, err := client.PublishFlow(ChannelSource(ch), nil)
	require.NoError(t, err)

	_, err = client.PublishFlow(SliceSource(&Message{Topic: "a"}), nil)
	assert.ErrorIs(t, err, ErrTooManyFlows)

	ch <- &Message{Topic: "a", QoS: QoS1}
	close(ch)
	waitDone(t, first)
	assert.NoError(t, first.Err())
	assert.Equal(t, int64(1), first.Acknowledged())
}

func TestPublishFlowCancelOnClose(t *testing.T) {
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, nil))
	defer cleanup()

	client, err := Dial("tcp://" + addr)
	require.NoError(t, err)

	flow, err := client.PublishFlow(ChannelSource(make(chan *Message)), nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	waitDone(t, flow)
	assert.ErrorIs(t, flow.Err(), ErrClientClosed)
}

func TestPublishMetricsThroughClient(t *testing.T) {
	addr, cleanup := mockServer(t, ackingBroker(t, ProtocolV5, nil))
	defer cleanup()

	metrics := NewMemoryMetrics()
	client, err := Dial("tcp://"+addr, WithMetrics(metrics))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Publish(t.Context(), &Message{Topic: "a", QoS: QoS1})
	require.NoError(t, err)

	assert.Equal(t, float64(1), metrics.CounterValue(MetricConnects, nil))
	assert.Equal(t, float64(1), metrics.CounterValue(MetricPublishSent, MetricLabels{LabelQoS: "1"}))
	assert.Equal(t, float64(1), metrics.CounterValue(MetricPublishAcked, MetricLabels{LabelQoS: "1"}))
	assert.Equal(t, float64(0), metrics.GaugeValue(MetricInflight, nil))
}
