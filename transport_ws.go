package mqttclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the subprotocol negotiated for MQTT over WebSocket.
const WebSocketSubprotocol = "mqtt"

// wsConn presents a WebSocket connection as a byte stream. MQTT packets may
// span or share binary frames, so reads are served from the current frame.
type wsConn struct {
	conn    *websocket.Conn
	frame   []byte
	readPos int
}

func (c *wsConn) Read(p []byte) (int, error) {
	for c.readPos >= len(c.frame) {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, fmt.Errorf("%w: non-binary WebSocket frame", ErrMalformedPacket)
		}
		c.frame = data
		c.readPos = 0
	}

	n := copy(p, c.frame[c.readPos:])
	c.readPos += n
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error         { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func dialWebSocket(ctx context.Context, server string, cfg dialConfig) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{WebSocketSubprotocol},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 30 * time.Second,
		TLSClientConfig:  cfg.tlsConfig,
	}

	pd, err := proxyFor(server, cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration: %w", err)
	}
	if pd != nil {
		dialer.NetDialContext = pd.DialContext
	}

	conn, resp, err := dialer.DialContext(ctx, server, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	return &wsConn{conn: conn}, nil
}
