package mqttclient

// PingreqPacket is sent by the client to keep the connection alive.
type PingreqPacket struct{}

// PingrespPacket answers a PINGREQ.
type PingrespPacket struct{}

// Type returns PacketPINGREQ.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// Type returns PacketPINGRESP.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

func (p *PingreqPacket) flags() byte  { return 0 }
func (p *PingrespPacket) flags() byte { return 0 }

func (p *PingreqPacket) encodeBody(*encoder, ProtocolVersion) error  { return nil }
func (p *PingrespPacket) encodeBody(*encoder, ProtocolVersion) error { return nil }

func (p *PingreqPacket) decodeBody(d *decoder, _ byte, _ ProtocolVersion) error {
	if d.remaining() != 0 {
		return ErrMalformedPacket
	}
	return nil
}

func (p *PingrespPacket) decodeBody(d *decoder, _ byte, _ ProtocolVersion) error {
	if d.remaining() != 0 {
		return ErrMalformedPacket
	}
	return nil
}
