// Package tlv encodes the typed fields of handshake frames.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// HeaderLen is id(2) + type(1) + length(4).
const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: type mismatch")
	ErrInvalidValue     = errors.New("tlv: invalid value")
)

// Type IDs.
const (
	TypeU8     uint8 = 1
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field. Unknown ids survive a decode/encode cycle.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func (f Field) AsString() (string, error) {
	if f.Type != TypeString {
		return "", fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, TypeString)
	}
	if !utf8.Valid(f.Value) {
		return "", fmt.Errorf("%w: field %d is not utf-8", ErrInvalidValue, f.ID)
	}
	return string(f.Value), nil
}

func (f Field) AsU8() (uint8, error) {
	if f.Type != TypeU8 {
		return 0, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, TypeU8)
	}
	if len(f.Value) != 1 {
		return 0, fmt.Errorf("%w: field %d u8 length %d", ErrInvalidValue, f.ID, len(f.Value))
	}
	return f.Value[0], nil
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		var hdr [HeaderLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], f.ID)
		hdr[2] = f.Type
		binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
		out = append(out, hdr[:]...)
		out = append(out, f.Value...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

// GetField returns the first field with id.
func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
