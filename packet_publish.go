package mqttclient

import "errors"

// ErrPacketIDRequired is returned when a QoS 1 or 2 PUBLISH carries packet
// identifier 0.
var ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")

// PublishPacket is an MQTT PUBLISH packet.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16
	Props    Properties
}

// Type returns PacketPUBLISH.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

func (p *PublishPacket) flags() byte {
	var f byte
	if p.DUP {
		f |= 0x08
	}
	f |= (p.QoS & 0x03) << 1
	if p.Retain {
		f |= 0x01
	}
	return f
}

func (p *PublishPacket) encodeBody(e *encoder, version ProtocolVersion) error {
	if p.QoS > QoS2 {
		return ErrInvalidQoS
	}

	// An empty topic is only legal together with a topic alias.
	if p.Topic == "" && (version != ProtocolV5 || !p.Props.Has(PropTopicAlias)) {
		return ErrInvalidTopicName
	}

	if err := e.string(p.Topic); err != nil {
		return err
	}

	if p.QoS > QoS0 {
		if p.PacketID == 0 {
			return ErrPacketIDRequired
		}
		e.uint16(p.PacketID)
	}

	if version == ProtocolV5 {
		if err := p.Props.encode(e); err != nil {
			return err
		}
	}

	e.raw(p.Payload)
	return nil
}

func (p *PublishPacket) decodeBody(d *decoder, flags byte, version ProtocolVersion) error {
	p.DUP = flags&0x08 != 0
	p.QoS = (flags >> 1) & 0x03
	p.Retain = flags&0x01 != 0

	var err error
	if p.Topic, err = d.string(); err != nil {
		return err
	}

	if p.QoS > QoS0 {
		if p.PacketID, err = d.uint16(); err != nil {
			return err
		}
		if p.PacketID == 0 {
			return ErrPacketIDRequired
		}
	}

	if version == ProtocolV5 {
		if err := p.Props.decode(d); err != nil {
			return err
		}
	}

	p.Payload = d.rest()
	return nil
}

// newPublishPacket builds the wire form of a message.
func newPublishPacket(msg *Message, version ProtocolVersion) *PublishPacket {
	pkt := &PublishPacket{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	}
	if version == ProtocolV5 {
		pkt.Props = msg.properties()
	}
	return pkt
}

// Message converts a received PUBLISH into a Message.
func (p *PublishPacket) Message() *Message {
	msg := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}

	msg.PayloadFormat = p.Props.GetByte(PropPayloadFormatIndicator)
	msg.MessageExpiry = p.Props.GetUint32(PropMessageExpiryInterval)
	msg.ContentType = p.Props.GetString(PropContentType)
	msg.ResponseTopic = p.Props.GetString(PropResponseTopic)
	msg.CorrelationData = p.Props.GetBinary(PropCorrelationData)
	msg.UserProperties = p.Props.GetStringPairs(PropUserProperty)

	return msg
}
