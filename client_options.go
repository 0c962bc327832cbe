package mqttclient

import (
	"crypto/tls"
	"time"

	"golang.org/x/time/rate"
)

// BackoffStrategy computes the delay before reconnect attempt (1-based),
// given the previous delay and the error of the last attempt.
type BackoffStrategy func(attempt int, currentBackoff time.Duration, err error) time.Duration

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	clientID        string
	username        string
	password        []byte
	keepAlive       uint16
	cleanStart      bool
	protocolVersion ProtocolVersion

	// Transport
	tlsConfig    *tls.Config
	proxy        *ProxyConfig
	proxyFromEnv bool
	servers      []string

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	// Will message
	willTopic   string
	willPayload []byte
	willRetain  bool
	willQoS     byte
	willProps   *Properties

	// Auto reconnect settings
	autoReconnect    bool
	maxReconnects    int
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	backoffStrategy  BackoffStrategy

	onEvent EventHandler
	logger  Logger
	metrics Metrics

	// Limits
	maxPacketSize uint32
	publishRate   rate.Limit
	publishBurst  int
	maxFlows      int

	// Properties for CONNECT packet
	sessionExpiryInterval uint32
	receiveMaximum        uint16
	userProperties        map[string]string

	qos2Control OutgoingQoS2Control
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:        60,
		cleanStart:       true,
		protocolVersion:  ProtocolV5,
		connectTimeout:   10 * time.Second,
		writeTimeout:     5 * time.Second,
		maxReconnects:    10,
		reconnectBackoff: 1 * time.Second,
		maxBackoff:       60 * time.Second,
		maxPacketSize:    MaxPacketSizeDefault,
		receiveMaximum:   65535,
		publishRate:      rate.Inf,
		maxFlows:         1024,
		logger:           NewNoOpLogger(),
		metrics:          NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClientID sets the client identifier. When empty, a random one is
// generated.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables
// PINGREQ.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanStart sets whether to start with a clean session.
func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithProtocolVersion selects MQTT 3.1.1 or 5.0. Default: ProtocolV5.
func WithProtocolVersion(v ProtocolVersion) Option {
	return func(o *clientOptions) {
		if v == ProtocolV311 || v == ProtocolV5 {
			o.protocolVersion = v
		}
	}
}

// WithTLS sets the TLS configuration for tls, ws and quic servers.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes TCP and WebSocket connections through proxy.
func WithProxy(proxy *ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = proxy
	}
}

// WithProxyFromEnvironment picks a proxy from HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithServers adds fallback servers. Connection attempts go round-robin
// over the dialed server and these.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithConnectTimeout sets the timeout for dialing and the CONNACK.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the timeout for flushing buffered packets.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss.
// Pending publishes survive the reconnect and are sent again.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts.
// Use -1 for unlimited attempts.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithReconnectBackoff sets the initial backoff duration between reconnection attempts.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration between reconnection attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxBackoff = d
	}
}

// WithBackoffStrategy sets a custom backoff strategy for reconnection attempts.
// If not set, uses exponential backoff (doubling) up to maxBackoff.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// WithWill sets the Will message published by the server if the client
// disconnects unexpectedly.
func WithWill(topic string, payload []byte, retain bool, qos byte) Option {
	return func(o *clientOptions) {
		o.willTopic = topic
		o.willPayload = payload
		o.willRetain = retain
		o.willQoS = qos
	}
}

// WithWillProps sets the properties for the Will message.
func WithWillProps(props *Properties) Option {
	return func(o *clientOptions) {
		o.willProps = props
	}
}

// WithMaxPacketSize sets the maximum packet size the client will accept.
// Values exceeding MaxPacketSizeProtocol are clamped to the protocol maximum.
//
// Default: MaxPacketSizeDefault (4MB)
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > MaxPacketSizeProtocol {
			size = MaxPacketSizeProtocol
		}
		o.maxPacketSize = size
	}
}

// WithSessionExpiryInterval sets the session expiry interval in seconds.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

// WithReceiveMaximum sets the Receive Maximum sent in CONNECT.
func WithReceiveMaximum(maxValue uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = maxValue
	}
}

// WithUserProperties sets user properties for the CONNECT packet.
func WithUserProperties(props map[string]string) Option {
	return func(o *clientOptions) {
		o.userProperties = props
	}
}

// WithLogger sets the logger. Default: NoOpLogger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector. Default: NoOpMetrics.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithPublishRateLimit limits the messages taken from all publish sources
// together to perSecond, with bursts of up to burst messages.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		if perSecond <= 0 {
			o.publishRate = rate.Inf
			return
		}
		o.publishRate = rate.Limit(perSecond)
		o.publishBurst = max(burst, 1)
	}
}

// WithMaxPublishFlows bounds the number of publish flows running at once.
// PublishFlow fails with ErrTooManyFlows beyond it.
func WithMaxPublishFlows(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxFlows = n
		}
	}
}

// WithQoS2Control installs hooks for the PUBREL/PUBCOMP half of outgoing
// QoS 2 exchanges.
func WithQoS2Control(control OutgoingQoS2Control) Option {
	return func(o *clientOptions) {
		o.qos2Control = control
	}
}

// OnEvent sets the event handler for client lifecycle events and errors.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func (o *clientOptions) dialConfig() dialConfig {
	return dialConfig{
		tlsConfig:    o.tlsConfig,
		proxy:        o.proxy,
		proxyFromEnv: o.proxyFromEnv,
	}
}
