package mqttclient

import (
	"errors"
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
	PacketAUTH        PacketType = 15
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
	PacketAUTH:        "AUTH",
}

// String returns the name of the packet type.
func (p PacketType) String() string {
	if p.Valid() {
		return packetTypeNames[p]
	}
	return "UNKNOWN"
}

// Valid returns true if the packet type is defined by the protocol.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketAUTH
}

// Fixed header errors.
var (
	ErrInvalidPacketType       = errors.New("invalid packet type")
	ErrInvalidPacketFlags      = errors.New("invalid packet flags")
	ErrRemainingLengthTooLarge = errors.New("remaining length too large")
)

// FixedHeader is the first part of every MQTT control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// Size returns the encoded size of the fixed header in bytes.
func (h FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags checks the reserved flag bits for the packet type.
func (h FixedHeader) ValidateFlags() error {
	switch h.PacketType {
	case PacketPUBLISH:
		if (h.Flags>>1)&0x03 > QoS2 {
			return ErrInvalidPacketFlags
		}
		return nil
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		if h.Flags != 0x02 {
			return ErrInvalidPacketFlags
		}
		return nil
	default:
		if !h.PacketType.Valid() {
			return ErrInvalidPacketType
		}
		if h.Flags != 0 {
			return ErrInvalidPacketFlags
		}
		return nil
	}
}

func (h FixedHeader) appendTo(e *encoder) error {
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}

	e.byte(byte(h.PacketType)<<4 | h.Flags&0x0F)
	return e.varint(h.RemainingLength)
}

// readFixedHeader decodes a fixed header from a byte stream.
func readFixedHeader(r io.ByteReader) (FixedHeader, int, error) {
	var h FixedHeader

	first, err := r.ReadByte()
	if err != nil {
		return h, 0, err
	}

	h.PacketType = PacketType(first >> 4)
	h.Flags = first & 0x0F
	if !h.PacketType.Valid() {
		return h, 1, ErrInvalidPacketType
	}

	length, n, err := readVarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, 1 + n, err
	}
	h.RemainingLength = length

	return h, 1 + n, nil
}

// byteReader returns r as an io.ByteReader, wrapping it in a small buffer
// when needed.
func byteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return &singleByteReader{r: r}
}

// singleByteReader reads exactly one byte per call so that no data beyond
// the fixed header is consumed from the underlying reader.
type singleByteReader struct {
	r   io.Reader
	buf [1]byte
}

func (s *singleByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(s.r, s.buf[:]); err != nil {
		return 0, err
	}
	return s.buf[0], nil
}
