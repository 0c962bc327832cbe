package mqttclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyConfig routes TCP based connections through a proxy.
type ProxyConfig struct {
	// URL is http://host:port (HTTP CONNECT) or socks5://host:port.
	URL      string
	Username string
	Password string
}

// ProxyDialer dials through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer parses proxyURL. Credentials embedded in the URL are used
// when username is empty.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %q", u.Scheme)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{proxyURL: u, username: username, password: password}, nil
}

// DialContext connects to addr through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL.Scheme == "socks5" || d.proxyURL.Scheme == "socks5h" {
		return d.dialSOCKS5(ctx, network, addr)
	}
	return d.dialConnect(ctx, addr)
}

func (d *ProxyDialer) proxyAddr(defaultPort string) string {
	if d.proxyURL.Port() != "" {
		return d.proxyURL.Host
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), defaultPort)
}

func (d *ProxyDialer) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	port := "8080"
	if d.proxyURL.Scheme == "https" {
		port = "443"
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr(port))
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT: %s", resp.Status)
	}

	return conn, nil
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr("1080"), auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dialer: %w", err)
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}

	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment picks a proxy for server from HTTPS_PROXY (secure
// schemes), HTTP_PROXY and NO_PROXY, in upper or lower case. It returns
// nil when no proxy applies.
func ProxyFromEnvironment(server string) (*url.URL, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, nil
	}

	if bypassProxy(u.Hostname(), getenv("NO_PROXY")) {
		return nil, nil
	}

	var raw string
	switch u.Scheme {
	case "tls", "ssl", "mqtts", "wss", "https":
		raw = getenv("HTTPS_PROXY")
	}
	if raw == "" {
		raw = getenv("HTTP_PROXY")
	}
	if raw == "" {
		return nil, nil
	}

	return url.Parse(raw)
}

func getenv(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}

func bypassProxy(host, noProxy string) bool {
	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.TrimSpace(pattern)
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(host, pattern) || host == pattern[1:] {
				return true
			}
		case host == pattern || strings.HasSuffix(host, "."+pattern):
			return true
		}
	}
	return false
}
