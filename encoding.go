package mqttclient

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
	ErrMalformedPacket    = errors.New("malformed packet")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

// encoder appends MQTT data types to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) varint(v uint32) error {
	if v > maxVarint {
		return ErrVarintTooLarge
	}

	for {
		b := byte(v & varintValueMask)
		v >>= 7
		if v > 0 {
			b |= varintContinueBit
		}
		e.buf = append(e.buf, b)
		if v == 0 {
			return nil
		}
	}
}

func (e *encoder) string(s string) error {
	if err := validateUTF8String(s); err != nil {
		return err
	}

	e.uint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
	return nil
}

func (e *encoder) binary(b []byte) error {
	if len(b) > maxUint16 {
		return ErrBinaryTooLong
	}

	e.uint16(uint16(len(b)))
	e.buf = append(e.buf, b...)
	return nil
}

func (e *encoder) len() int {
	return len(e.buf)
}

func validateUTF8String(s string) error {
	if len(s) > maxUint16 {
		return ErrStringTooLong
	}

	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	for i := range len(s) {
		if s[i] == 0 {
			return ErrStringContainsNull
		}
	}

	return nil
}

// decoder reads MQTT data types from the body of a single packet.
// Reading past the end of the body reports ErrMalformedPacket.
type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, ErrMalformedPacket
	}

	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) byte() (byte, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) uint16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) varint() (uint32, error) {
	var value uint32
	var shift uint

	for i := 0; i < 4; i++ {
		b, err := d.byte()
		if err != nil {
			return 0, err
		}

		value |= uint32(b&varintValueMask) << shift
		if b&varintContinueBit == 0 {
			return value, nil
		}
		shift += 7
	}

	return 0, ErrVarintMalformed
}

func (d *decoder) string() (string, error) {
	n, err := d.uint16()
	if err != nil {
		return "", err
	}

	b, err := d.next(int(n))
	if err != nil {
		return "", err
	}

	s := string(b)
	if err := validateUTF8String(s); err != nil {
		return "", err
	}
	return s, nil
}

func (d *decoder) binary() ([]byte, error) {
	n, err := d.uint16()
	if err != nil {
		return nil, err
	}

	b, err := d.next(int(n))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// rest returns a copy of the unread bytes.
func (d *decoder) rest() []byte {
	if d.remaining() == 0 {
		return nil
	}

	out := make([]byte, d.remaining())
	copy(out, d.data[d.pos:])
	d.pos = len(d.data)
	return out
}

// readVarint reads a variable byte integer from a stream, one byte at a time.
func readVarint(r io.ByteReader) (uint32, int, error) {
	var value uint32
	var shift uint

	for i := 1; i <= 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, i - 1, err
		}

		value |= uint32(b&varintValueMask) << shift
		if b&varintContinueBit == 0 {
			return value, i, nil
		}
		shift += 7
	}

	return 0, 4, ErrVarintMalformed
}

// varintSize returns the number of bytes needed to encode a variable byte integer.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
