package mqttclient

import (
	"errors"
	"fmt"
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName = errors.New("invalid protocol name")
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags = errors.New("invalid connect flags")
	ErrInvalidConnackFlags = errors.New("invalid connack flags")
)

const protocolName = "MQTT"

const (
	connectFlagCleanStart byte = 0x02
	connectFlagWill       byte = 0x04
	connectFlagWillRetain byte = 0x20
	connectFlagPassword   byte = 0x40
	connectFlagUsername   byte = 0x80
)

const connectFlagWillQoSShift = 3

// ConnectPacket is the first packet sent by the client.
type ConnectPacket struct {
	// ProtocolVersion is the protocol level. The codec version argument is
	// used when it is zero.
	ProtocolVersion ProtocolVersion
	ClientID        string
	CleanStart      bool
	KeepAlive       uint16
	Username        string
	Password        []byte
	Props           Properties

	WillFlag    bool
	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool
	WillProps   Properties
}

// Type returns PacketCONNECT.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) flags() byte { return 0 }

func (p *ConnectPacket) encodeBody(e *encoder, version ProtocolVersion) error {
	if p.ProtocolVersion != 0 {
		version = p.ProtocolVersion
	}
	if version != ProtocolV311 && version != ProtocolV5 {
		return fmt.Errorf("%w: %d", ErrUnsupportedProtocol, version)
	}

	if err := e.string(protocolName); err != nil {
		return err
	}
	e.byte(byte(version))

	var flags byte
	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.WillFlag {
		if p.WillQoS > QoS2 {
			return ErrInvalidQoS
		}
		flags |= connectFlagWill | p.WillQoS<<connectFlagWillQoSShift
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	if p.Password != nil {
		flags |= connectFlagPassword
	}
	e.byte(flags)
	e.uint16(p.KeepAlive)

	if version == ProtocolV5 {
		if err := p.Props.encode(e); err != nil {
			return err
		}
	}

	if err := e.string(p.ClientID); err != nil {
		return err
	}

	if p.WillFlag {
		if version == ProtocolV5 {
			if err := p.WillProps.encode(e); err != nil {
				return err
			}
		}
		if err := e.string(p.WillTopic); err != nil {
			return err
		}
		if err := e.binary(p.WillPayload); err != nil {
			return err
		}
	}

	if p.Username != "" {
		if err := e.string(p.Username); err != nil {
			return err
		}
	}
	if p.Password != nil {
		if err := e.binary(p.Password); err != nil {
			return err
		}
	}

	return nil
}

// decodeBody reads a CONNECT; the protocol level in the packet wins over
// the codec version so that test brokers can accept either.
func (p *ConnectPacket) decodeBody(d *decoder, _ byte, _ ProtocolVersion) error {
	name, err := d.string()
	if err != nil {
		return err
	}
	if name != protocolName {
		return fmt.Errorf("%w: %q", ErrInvalidProtocolName, name)
	}

	level, err := d.byte()
	if err != nil {
		return err
	}
	p.ProtocolVersion = ProtocolVersion(level)
	if p.ProtocolVersion != ProtocolV311 && p.ProtocolVersion != ProtocolV5 {
		return fmt.Errorf("%w: %d", ErrUnsupportedProtocol, level)
	}

	flags, err := d.byte()
	if err != nil {
		return err
	}
	if flags&0x01 != 0 {
		return ErrInvalidConnectFlags
	}
	p.CleanStart = flags&connectFlagCleanStart != 0
	p.WillFlag = flags&connectFlagWill != 0
	p.WillQoS = (flags >> connectFlagWillQoSShift) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	if p.KeepAlive, err = d.uint16(); err != nil {
		return err
	}

	if p.ProtocolVersion == ProtocolV5 {
		if err := p.Props.decode(d); err != nil {
			return err
		}
	}

	if p.ClientID, err = d.string(); err != nil {
		return err
	}

	if p.WillFlag {
		if p.ProtocolVersion == ProtocolV5 {
			if err := p.WillProps.decode(d); err != nil {
				return err
			}
		}
		if p.WillTopic, err = d.string(); err != nil {
			return err
		}
		if p.WillPayload, err = d.binary(); err != nil {
			return err
		}
	}

	if flags&connectFlagUsername != 0 {
		if p.Username, err = d.string(); err != nil {
			return err
		}
	}
	if flags&connectFlagPassword != 0 {
		if p.Password, err = d.binary(); err != nil {
			return err
		}
	}

	return nil
}
