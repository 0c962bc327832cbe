package mqttclient

// ConnackPacket is the broker's answer to CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Props          Properties
}

// Type returns PacketCONNACK.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

func (p *ConnackPacket) flags() byte { return 0 }

func (p *ConnackPacket) encodeBody(e *encoder, version ProtocolVersion) error {
	var ack byte
	if p.SessionPresent {
		ack = 0x01
	}
	e.byte(ack)

	if version != ProtocolV5 {
		e.byte(connackV3FromReason(p.ReasonCode))
		return nil
	}

	e.byte(byte(p.ReasonCode))
	return p.Props.encode(e)
}

func (p *ConnackPacket) decodeBody(d *decoder, _ byte, version ProtocolVersion) error {
	ack, err := d.byte()
	if err != nil {
		return err
	}
	if ack&0xFE != 0 {
		return ErrInvalidConnackFlags
	}
	p.SessionPresent = ack&0x01 != 0

	code, err := d.byte()
	if err != nil {
		return err
	}

	if version != ProtocolV5 {
		p.ReasonCode = reasonFromConnackV3(code)
		return nil
	}

	p.ReasonCode = ReasonCode(code)
	if d.remaining() == 0 {
		return nil
	}
	return p.Props.decode(d)
}
