package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrUnsupportedScheme is returned for server URLs with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported server scheme")

var defaultPorts = map[string]string{
	"tcp":   "1883",
	"mqtt":  "1883",
	"tls":   "8883",
	"ssl":   "8883",
	"mqtts": "8883",
	"ws":    "80",
	"wss":   "443",
	"quic":  "14567",
}

// dialConfig is the part of the client options used to open connections.
type dialConfig struct {
	tlsConfig    *tls.Config
	proxy        *ProxyConfig
	proxyFromEnv bool
}

// dialServer opens a connection to server, a URL such as
// tcp://broker:1883, mqtts://broker, ws://broker/mqtt, quic://broker:14567
// or unix:///run/broker.sock.
func dialServer(ctx context.Context, server string, cfg dialConfig) (net.Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", server, err)
	}

	host := u.Host
	if port, ok := defaultPorts[u.Scheme]; ok && u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), port)
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		return dialTCP(ctx, host, server, cfg)

	case "tls", "ssl", "mqtts":
		conn, err := dialTCP(ctx, host, server, cfg)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, clientTLSConfig(cfg.tlsConfig, u.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	case "ws", "wss":
		return dialWebSocket(ctx, server, cfg)

	case "quic":
		return dialQUIC(ctx, host, cfg.tlsConfig)

	case "unix":
		return dialUnix(ctx, u)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func dialTCP(ctx context.Context, host, server string, cfg dialConfig) (net.Conn, error) {
	pd, err := proxyFor(server, cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration: %w", err)
	}
	if pd != nil {
		return pd.DialContext(ctx, "tcp", host)
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", host)
}

func proxyFor(server string, cfg dialConfig) (*ProxyDialer, error) {
	if cfg.proxy != nil {
		return NewProxyDialer(cfg.proxy.URL, cfg.proxy.Username, cfg.proxy.Password)
	}
	if !cfg.proxyFromEnv {
		return nil, nil
	}

	u, err := ProxyFromEnvironment(server)
	if err != nil || u == nil {
		return nil, err
	}
	return NewProxyDialer(u.String(), "", "")
}

func clientTLSConfig(cfg *tls.Config, serverName string) *tls.Config {
	if cfg == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	return cfg
}
