package mqttclient

// DisconnectPacket closes the connection. On MQTT 3.1.1 it has no body.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns PacketDISCONNECT.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

func (p *DisconnectPacket) flags() byte { return 0 }

func (p *DisconnectPacket) encodeBody(e *encoder, version ProtocolVersion) error {
	if version != ProtocolV5 {
		return nil
	}
	if p.ReasonCode == ReasonSuccess && p.Props.Len() == 0 {
		return nil
	}

	e.byte(byte(p.ReasonCode))
	if p.Props.Len() == 0 {
		return nil
	}
	return p.Props.encode(e)
}

func (p *DisconnectPacket) decodeBody(d *decoder, _ byte, version ProtocolVersion) error {
	p.ReasonCode = ReasonSuccess
	if version != ProtocolV5 || d.remaining() == 0 {
		return nil
	}

	b, err := d.byte()
	if err != nil {
		return err
	}
	p.ReasonCode = ReasonCode(b)

	if d.remaining() == 0 {
		return nil
	}
	return p.Props.decode(d)
}

// ReasonString returns the Reason String property, if any.
func (p *DisconnectPacket) ReasonString() string {
	return p.Props.GetString(PropReasonString)
}
