package mqttclient

import (
	"errors"
	"fmt"
)

// PropertyID identifies an MQTT 5.0 property.
type PropertyID byte

// Property identifiers.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

type propertyKind byte

const (
	kindByte propertyKind = iota + 1
	kindUint16
	kindUint32
	kindVarint
	kindString
	kindBinary
	kindStringPair
)

var propertyKinds = map[PropertyID]propertyKind{
	PropPayloadFormatIndicator:   kindByte,
	PropMessageExpiryInterval:    kindUint32,
	PropContentType:              kindString,
	PropResponseTopic:            kindString,
	PropCorrelationData:          kindBinary,
	PropSubscriptionIdentifier:   kindVarint,
	PropSessionExpiryInterval:    kindUint32,
	PropAssignedClientIdentifier: kindString,
	PropServerKeepAlive:          kindUint16,
	PropAuthenticationMethod:     kindString,
	PropAuthenticationData:       kindBinary,
	PropRequestProblemInfo:       kindByte,
	PropWillDelayInterval:        kindUint32,
	PropRequestResponseInfo:      kindByte,
	PropResponseInformation:      kindString,
	PropServerReference:          kindString,
	PropReasonString:             kindString,
	PropReceiveMaximum:           kindUint16,
	PropTopicAliasMaximum:        kindUint16,
	PropTopicAlias:               kindUint16,
	PropMaximumQoS:               kindByte,
	PropRetainAvailable:          kindByte,
	PropUserProperty:             kindStringPair,
	PropMaximumPacketSize:        kindUint32,
	PropWildcardSubAvailable:     kindByte,
	PropSubscriptionIDAvailable:  kindByte,
	PropSharedSubAvailable:       kindByte,
}

// Property errors.
var (
	ErrUnknownPropertyID   = errors.New("unknown property identifier")
	ErrInvalidPropertyType = errors.New("invalid property value type")
)

// StringPair is a UTF-8 key/value pair, used by user properties.
type StringPair struct {
	Key   string
	Value string
}

// Property is a single property identifier and its value. The dynamic type
// of Value depends on the identifier: byte, uint16, uint32 (four byte and
// variable byte integers), string, []byte or StringPair.
type Property struct {
	ID    PropertyID
	Value any
}

// Properties is an ordered list of MQTT 5.0 properties.
// The zero value is an empty list ready to use.
type Properties struct {
	items []Property
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// All returns the properties in wire order.
func (p *Properties) All() []Property {
	if p == nil {
		return nil
	}
	return p.items
}

// Has reports whether a property with the given identifier is present.
func (p *Properties) Has(id PropertyID) bool {
	return p.Get(id) != nil
}

// Get returns the first value for id, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for _, item := range p.items {
		if item.ID == id {
			return item.Value
		}
	}
	return nil
}

// Set replaces the value of a single-valued property.
func (p *Properties) Set(id PropertyID, value any) {
	for i := range p.items {
		if p.items[i].ID == id {
			p.items[i].Value = value
			return
		}
	}
	p.items = append(p.items, Property{ID: id, Value: value})
}

// Add appends a value for a property that may appear more than once.
func (p *Properties) Add(id PropertyID, value any) {
	p.items = append(p.items, Property{ID: id, Value: value})
}

// Delete removes every value for id.
func (p *Properties) Delete(id PropertyID) {
	if p == nil {
		return
	}
	kept := p.items[:0]
	for _, item := range p.items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	p.items = kept
}

// GetByte returns a byte property or 0.
func (p *Properties) GetByte(id PropertyID) byte {
	v, _ := p.Get(id).(byte)
	return v
}

// GetUint16 returns a two byte integer property or 0.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	v, _ := p.Get(id).(uint16)
	return v
}

// GetUint32 returns a four byte or variable byte integer property or 0.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	v, _ := p.Get(id).(uint32)
	return v
}

// GetString returns a string property or "".
func (p *Properties) GetString(id PropertyID) string {
	v, _ := p.Get(id).(string)
	return v
}

// GetBinary returns a binary property or nil.
func (p *Properties) GetBinary(id PropertyID) []byte {
	v, _ := p.Get(id).([]byte)
	return v
}

// GetStringPairs returns every string pair value for id.
func (p *Properties) GetStringPairs(id PropertyID) []StringPair {
	if p == nil {
		return nil
	}
	var out []StringPair
	for _, item := range p.items {
		if sp, ok := item.Value.(StringPair); ok && item.ID == id {
			out = append(out, sp)
		}
	}
	return out
}

// GetVarints returns every variable byte integer value for id.
func (p *Properties) GetVarints(id PropertyID) []uint32 {
	if p == nil {
		return nil
	}
	var out []uint32
	for _, item := range p.items {
		if v, ok := item.Value.(uint32); ok && item.ID == id {
			out = append(out, v)
		}
	}
	return out
}

// encode appends the property length and the properties.
func (p *Properties) encode(e *encoder) error {
	var body encoder
	for _, item := range p.All() {
		if err := item.encode(&body); err != nil {
			return err
		}
	}

	if err := e.varint(uint32(body.len())); err != nil {
		return err
	}
	e.raw(body.buf)
	return nil
}

func (item Property) encode(e *encoder) error {
	kind, ok := propertyKinds[item.ID]
	if !ok {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownPropertyID, byte(item.ID))
	}

	e.byte(byte(item.ID))

	switch kind {
	case kindByte:
		v, ok := item.Value.(byte)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		e.byte(v)
	case kindUint16:
		v, ok := item.Value.(uint16)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		e.uint16(v)
	case kindUint32:
		v, ok := item.Value.(uint32)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		e.uint32(v)
	case kindVarint:
		v, ok := item.Value.(uint32)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		return e.varint(v)
	case kindString:
		v, ok := item.Value.(string)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		return e.string(v)
	case kindBinary:
		v, ok := item.Value.([]byte)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		return e.binary(v)
	case kindStringPair:
		v, ok := item.Value.(StringPair)
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrInvalidPropertyType, byte(item.ID))
		}
		if err := e.string(v.Key); err != nil {
			return err
		}
		return e.string(v.Value)
	}

	return nil
}

// decode reads a property length followed by that many bytes of properties.
func (p *Properties) decode(d *decoder) error {
	length, err := d.varint()
	if err != nil {
		return err
	}

	raw, err := d.next(int(length))
	if err != nil {
		return err
	}

	pd := &decoder{data: raw}
	for pd.remaining() > 0 {
		idByte, err := pd.byte()
		if err != nil {
			return err
		}

		id := PropertyID(idByte)
		kind, ok := propertyKinds[id]
		if !ok {
			return fmt.Errorf("%w: 0x%02X", ErrUnknownPropertyID, idByte)
		}

		var value any
		switch kind {
		case kindByte:
			value, err = pd.byte()
		case kindUint16:
			value, err = pd.uint16()
		case kindUint32:
			value, err = pd.uint32()
		case kindVarint:
			value, err = pd.varint()
		case kindString:
			value, err = pd.string()
		case kindBinary:
			value, err = pd.binary()
		case kindStringPair:
			var sp StringPair
			if sp.Key, err = pd.string(); err == nil {
				sp.Value, err = pd.string()
			}
			value = sp
		}
		if err != nil {
			return err
		}

		p.items = append(p.items, Property{ID: id, Value: value})
	}

	return nil
}
