package mqttclient

import (
	"errors"
	"fmt"
)

// ErrInvalidReasonCode is returned when an acknowledgement carries a reason
// code that is not allowed for its packet type.
var ErrInvalidReasonCode = errors.New("invalid reason code")

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// PubrecPacket is the first acknowledgement of a QoS 2 PUBLISH.
type PubrecPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// PubrelPacket releases a QoS 2 PUBLISH after PUBREC.
type PubrelPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns PacketPUBACK.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// Type returns PacketPUBREC.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// Type returns PacketPUBREL.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// Type returns PacketPUBCOMP.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

func (p *PubackPacket) flags() byte  { return 0 }
func (p *PubrecPacket) flags() byte  { return 0 }
func (p *PubrelPacket) flags() byte  { return 0x02 }
func (p *PubcompPacket) flags() byte { return 0 }

func (p *PubackPacket) encodeBody(e *encoder, v ProtocolVersion) error {
	return encodeAck(e, v, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubrecPacket) encodeBody(e *encoder, v ProtocolVersion) error {
	return encodeAck(e, v, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubrelPacket) encodeBody(e *encoder, v ProtocolVersion) error {
	return encodeAck(e, v, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubcompPacket) encodeBody(e *encoder, v ProtocolVersion) error {
	return encodeAck(e, v, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubackPacket) decodeBody(d *decoder, _ byte, v ProtocolVersion) error {
	return decodeAck(d, v, PacketPUBACK, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubrecPacket) decodeBody(d *decoder, _ byte, v ProtocolVersion) error {
	return decodeAck(d, v, PacketPUBREC, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubrelPacket) decodeBody(d *decoder, _ byte, v ProtocolVersion) error {
	return decodeAck(d, v, PacketPUBREL, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubcompPacket) decodeBody(d *decoder, _ byte, v ProtocolVersion) error {
	return decodeAck(d, v, PacketPUBCOMP, &p.PacketID, &p.ReasonCode, &p.Props)
}

// encodeAck writes the shared PUBACK/PUBREC/PUBREL/PUBCOMP body. The reason
// code and properties are omitted when they carry defaults, and never
// written for MQTT 3.1.1.
func encodeAck(e *encoder, v ProtocolVersion, id uint16, rc ReasonCode, props *Properties) error {
	if id == 0 {
		return ErrPacketIDRequired
	}
	e.uint16(id)

	if v != ProtocolV5 {
		return nil
	}

	if props.Len() == 0 {
		if rc != ReasonSuccess {
			e.byte(byte(rc))
		}
		return nil
	}

	e.byte(byte(rc))
	return props.encode(e)
}

func decodeAck(d *decoder, v ProtocolVersion, t PacketType, id *uint16, rc *ReasonCode, props *Properties) error {
	var err error
	if *id, err = d.uint16(); err != nil {
		return err
	}
	if *id == 0 {
		return ErrPacketIDRequired
	}

	*rc = ReasonSuccess
	if v != ProtocolV5 || d.remaining() == 0 {
		return nil
	}

	b, err := d.byte()
	if err != nil {
		return err
	}
	*rc = ReasonCode(b)

	valid := rc.validForPublishAck()
	if t == PacketPUBREL || t == PacketPUBCOMP {
		valid = rc.validForRelease()
	}
	if !valid {
		return fmt.Errorf("%w: %s 0x%02X", ErrInvalidReasonCode, t, b)
	}

	if d.remaining() == 0 {
		return nil
	}
	return props.decode(d)
}
