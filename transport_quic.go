package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN identifier offered on QUIC connections.
const QUICProtocol = "mqtt"

// quicConn carries the MQTT session on a single bidirectional stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		c.closeErr = c.conn.CloseWithError(0, "")
	})
	return c.closeErr
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func quicTLSConfig(cfg *tls.Config, serverName string) *tls.Config {
	if cfg == nil {
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{QUICProtocol},
			ServerName: serverName,
		}
	}

	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{QUICProtocol}
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = serverName
	}
	return cfg
}

func dialQUIC(ctx context.Context, host string, tlsConfig *tls.Config) (net.Conn, error) {
	serverName, _, err := net.SplitHostPort(host)
	if err != nil {
		return nil, fmt.Errorf("invalid QUIC address %q: %w", host, err)
	}

	conn, err := quic.DialAddr(ctx, host, quicTLSConfig(tlsConfig, serverName), &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("QUIC stream: %w", err)
	}

	return &quicConn{conn: conn, stream: stream}, nil
}
