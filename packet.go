package mqttclient

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ProtocolVersion is the MQTT protocol level sent in CONNECT.
type ProtocolVersion byte

const (
	// ProtocolV311 is MQTT 3.1.1.
	ProtocolV311 ProtocolVersion = 4
	// ProtocolV5 is MQTT 5.0.
	ProtocolV5 ProtocolVersion = 5
)

// String returns the version name.
func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV311:
		return "3.1.1"
	case ProtocolV5:
		return "5.0"
	default:
		return fmt.Sprintf("unknown(%d)", byte(v))
	}
}

// QoS levels.
const (
	QoS0 byte = 0
	QoS1 byte = 1
	QoS2 byte = 2
)

// Packet size limits.
const (
	MaxPacketSizeDefault  uint32 = 4 * 1024 * 1024
	MaxPacketSizeProtocol uint32 = maxVarint + 5
)

// Packet is an MQTT control packet handled by the codec.
type Packet interface {
	// Type returns the control packet type.
	Type() PacketType

	flags() byte
	encodeBody(e *encoder, version ProtocolVersion) error
	decodeBody(d *decoder, flags byte, version ProtocolVersion) error
}

// Message errors.
var (
	ErrInvalidQoS     = errors.New("invalid QoS level")
	ErrInvalidPayload = errors.New("payload is not valid UTF-8")
)

// TopicAliasUsage controls whether an outgoing publish may use a topic
// alias. Aliases are only sent on MQTT 5.0 connections whose broker
// advertised a Topic Alias Maximum.
type TopicAliasUsage byte

const (
	// TopicAliasNo never uses an alias.
	TopicAliasNo TopicAliasUsage = iota
	// TopicAliasYes uses an existing alias or allocates a free one.
	TopicAliasYes
	// TopicAliasPreferred behaves like TopicAliasYes but evicts the least
	// recently used mapping when every alias is taken.
	TopicAliasPreferred
)

// Message is an application message to publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// PayloadFormat is 1 when the payload is UTF-8 text.
	PayloadFormat   byte
	MessageExpiry   uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []StringPair

	// TopicAlias selects topic alias usage for this message.
	TopicAlias TopicAliasUsage
}

// Validate checks the message before it is accepted for publishing.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidTopicName)
	}

	if err := ValidateTopicName(m.Topic); err != nil {
		return err
	}

	if m.QoS > QoS2 {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, m.QoS)
	}

	if m.PayloadFormat == 1 && !utf8.Valid(m.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.CorrelationData != nil {
		c.CorrelationData = append([]byte(nil), m.CorrelationData...)
	}
	if m.UserProperties != nil {
		c.UserProperties = append([]StringPair(nil), m.UserProperties...)
	}
	return &c
}

// properties converts the message metadata to PUBLISH properties.
func (m *Message) properties() Properties {
	var p Properties

	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}
	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}
	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}
	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}
	for _, up := range m.UserProperties {
		p.Add(PropUserProperty, up)
	}

	return p
}
