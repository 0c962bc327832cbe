package mqttclient

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrPacketTooLarge    = errors.New("packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("unknown packet type")
)

func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacketType, t)
	}
}

// ReadPacket reads one complete packet from r. Packets whose total size
// exceeds maxSize fail with ErrPacketTooLarge; zero disables the check.
// The number of bytes consumed is returned in every case.
func ReadPacket(r io.Reader, version ProtocolVersion, maxSize uint32) (Packet, int, error) {
	header, n, err := readFixedHeader(byteReader(r))
	if err != nil {
		return nil, n, err
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, n, fmt.Errorf("%s: %w", header.PacketType, err)
	}

	if maxSize > 0 && uint64(header.Size())+uint64(header.RemainingLength) > uint64(maxSize) {
		return nil, n, ErrPacketTooLarge
	}

	body := getBodyBuffer(int(header.RemainingLength))
	defer putBodyBuffer(body)

	rn, err := io.ReadFull(r, body.data)
	n += rn
	if err != nil {
		return nil, n, err
	}

	pkt, err := newPacket(header.PacketType)
	if err != nil {
		return nil, n, err
	}

	d := &decoder{data: body.data}
	if err := pkt.decodeBody(d, header.Flags, version); err != nil {
		return nil, n, fmt.Errorf("decode %s: %w", header.PacketType, err)
	}
	if d.remaining() != 0 {
		return nil, n, fmt.Errorf("decode %s: %w: trailing bytes", header.PacketType, ErrMalformedPacket)
	}

	return pkt, n, nil
}

// WritePacket encodes pkt for the given protocol version and writes it to w
// in a single Write call.
func WritePacket(w io.Writer, pkt Packet, version ProtocolVersion, maxSize uint32) (int, error) {
	e := getEncoder()
	defer putEncoder(e)

	buf, err := appendPacket(e.buf[:0], pkt, version, maxSize)
	e.buf = buf
	if err != nil {
		return 0, err
	}

	return w.Write(buf)
}

// appendPacket appends the encoded packet to dst.
func appendPacket(dst []byte, pkt Packet, version ProtocolVersion, maxSize uint32) ([]byte, error) {
	body := getEncoder()
	defer putEncoder(body)

	if err := pkt.encodeBody(body, version); err != nil {
		return dst, fmt.Errorf("encode %s: %w", pkt.Type(), err)
	}

	if body.len() > maxVarint {
		return dst, ErrRemainingLengthTooLarge
	}

	header := FixedHeader{
		PacketType:      pkt.Type(),
		Flags:           pkt.flags(),
		RemainingLength: uint32(body.len()),
	}

	if maxSize > 0 && uint64(header.Size()+body.len()) > uint64(maxSize) {
		return dst, ErrPacketTooLarge
	}

	e := encoder{buf: dst}
	if err := header.appendTo(&e); err != nil {
		return dst, err
	}
	e.raw(body.buf)

	return e.buf, nil
}
