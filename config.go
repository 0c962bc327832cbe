package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from a config file.
const (
	EnvUsername = "MQTTCLIENT_USERNAME"
	EnvPassword = "MQTTCLIENT_PASSWORD"
)

// ClientConfig is the file form of the client options.
//
//	server: mqtts://broker.example.com
//	client_id: sensor-17
//	protocol_version: 5
//	keep_alive: 30
//	reconnect:
//	  enabled: true
//	  initial_delay: 1s
//	  max_delay: 30s
//	publish:
//	  rate: 500
//	  burst: 50
type ClientConfig struct {
	Server                string            `yaml:"server"`
	Servers               []string          `yaml:"servers"`
	ClientID              string            `yaml:"client_id"`
	Username              string            `yaml:"username"`
	Password              string            `yaml:"password"`
	ProtocolVersion       int               `yaml:"protocol_version"`
	KeepAlive             uint16            `yaml:"keep_alive"`
	CleanStart            bool              `yaml:"clean_start"`
	SessionExpiryInterval uint32            `yaml:"session_expiry_interval"`
	ReceiveMaximum        uint16            `yaml:"receive_maximum"`
	MaxPacketSize         uint32            `yaml:"max_packet_size"`
	ConnectTimeout        time.Duration     `yaml:"connect_timeout"`
	WriteTimeout          time.Duration     `yaml:"write_timeout"`
	UserProperties        map[string]string `yaml:"user_properties"`
	TLS                   TLSFileConfig     `yaml:"tls"`
	Proxy                 ProxyFileConfig   `yaml:"proxy"`
	Reconnect             ReconnectConfig   `yaml:"reconnect"`
	Publish               PublishConfig     `yaml:"publish"`
}

// TLSFileConfig points at PEM files for TLS connections.
type TLSFileConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ProxyFileConfig selects a proxy.
type ProxyFileConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Environment bool   `yaml:"environment"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// PublishConfig limits publishing.
type PublishConfig struct {
	// Rate is the number of messages per second over all flows; 0 is
	// unlimited.
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
	MaxFlows int     `yaml:"max_flows"`
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ProtocolVersion: int(ProtocolV5),
		KeepAlive:       60,
		CleanStart:      true,
		ReceiveMaximum:  65535,
		MaxPacketSize:   MaxPacketSizeDefault,
		ConnectTimeout:  10 * time.Second,
		WriteTimeout:    5 * time.Second,
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			MaxAttempts:  10,
		},
		Publish: PublishConfig{
			MaxFlows: 1024,
		},
	}
}

// LoadConfig reads a YAML config file. Defaults are applied first, then
// the file, then environment overrides; the result is validated.
func LoadConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data like LoadConfig.
func ParseConfig(data []byte) (*ClientConfig, error) {
	cfg := defaultClientConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
}

// Validate checks the config for values the client cannot use.
func (c *ClientConfig) Validate() error {
	if c.Server == "" && len(c.Servers) == 0 {
		return errors.New("server is required")
	}

	switch ProtocolVersion(c.ProtocolVersion) {
	case ProtocolV311, ProtocolV5:
	default:
		return fmt.Errorf("protocol_version must be 4 or 5, got %d", c.ProtocolVersion)
	}

	if c.MaxPacketSize > MaxPacketSizeProtocol {
		return fmt.Errorf("max_packet_size exceeds %d", MaxPacketSizeProtocol)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.Publish.Rate < 0 {
		return errors.New("publish.rate must not be negative")
	}
	if c.Reconnect.Enabled && c.Reconnect.InitialDelay <= 0 {
		return errors.New("reconnect.initial_delay must be positive")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}

	return nil
}

// DialServer returns the server to pass to Dial.
func (c *ClientConfig) DialServer() string {
	if c.Server != "" {
		return c.Server
	}
	return c.Servers[0]
}

// Options converts the config into client options.
func (c *ClientConfig) Options() ([]Option, error) {
	opts := []Option{
		WithProtocolVersion(ProtocolVersion(c.ProtocolVersion)),
		WithKeepAlive(c.KeepAlive),
		WithCleanStart(c.CleanStart),
		WithSessionExpiryInterval(c.SessionExpiryInterval),
		WithReceiveMaximum(c.ReceiveMaximum),
		WithMaxPacketSize(c.MaxPacketSize),
		WithConnectTimeout(c.ConnectTimeout),
		WithWriteTimeout(c.WriteTimeout),
		WithAutoReconnect(c.Reconnect.Enabled),
		WithReconnectBackoff(c.Reconnect.InitialDelay),
		WithMaxBackoff(c.Reconnect.MaxDelay),
		WithMaxReconnects(c.Reconnect.MaxAttempts),
		WithPublishRateLimit(c.Publish.Rate, c.Publish.Burst),
		WithMaxPublishFlows(c.Publish.MaxFlows),
	}

	if c.ClientID != "" {
		opts = append(opts, WithClientID(c.ClientID))
	}
	if c.Username != "" || c.Password != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if len(c.UserProperties) > 0 {
		opts = append(opts, WithUserProperties(c.UserProperties))
	}

	servers := c.Servers
	if c.Server == "" && len(servers) > 0 {
		servers = servers[1:]
	}
	if len(servers) > 0 {
		opts = append(opts, WithServers(servers...))
	}

	switch {
	case c.Proxy.URL != "":
		opts = append(opts, WithProxy(&ProxyConfig{
			URL:      c.Proxy.URL,
			Username: c.Proxy.Username,
			Password: c.Proxy.Password,
		}))
	case c.Proxy.Environment:
		opts = append(opts, WithProxyFromEnvironment())
	}

	tlsConfig, err := c.TLS.load()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, WithTLS(tlsConfig))
	}

	return opts, nil
}

func (t TLSFileConfig) load() (*tls.Config, error) {
	if t == (TLSFileConfig{}) {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
