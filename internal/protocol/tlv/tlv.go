// Package tlv encodes aux-plane payloads as typed fields.
//
// A field is {id u8, type u8, len u16, value}; integers are big-endian.
// Decoders keep unknown fields so newer peers can add fields.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 4

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrFieldTooLarge    = errors.New("tlv: field value too large")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrBadLength        = errors.New("tlv: invalid value length")
)

const (
	TypeU8    uint8 = 1
	TypeU16   uint8 = 2
	TypeU32   uint8 = 3
	TypeU64   uint8 = 4
	TypeBool  uint8 = 5
	TypeBytes uint8 = 6
)

var typeSizes = map[uint8]int{
	TypeU8:   1,
	TypeU16:  2,
	TypeU32:  4,
	TypeU64:  8,
	TypeBool: 1,
}

// Field is one decoded TLV field.
type Field struct {
	ID    uint8
	Type  uint8
	Value []byte
}

func U8(id uint8, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint8, v uint16) Field {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return Field{ID: id, Type: TypeU16, Value: b}
}

func U32(id uint8, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64(id uint8, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func Bool(id uint8, v bool) Field {
	var b byte
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func Bytes(id uint8, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func EncodeField(f Field) ([]byte, error) {
	if len(f.Value) > 0xffff {
		return nil, fmt.Errorf("%w: field %d", ErrFieldTooLarge, f.ID)
	}
	buf := make([]byte, HeaderLen+len(f.Value))
	buf[0] = f.ID
	buf[1] = f.Type
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Value)))
	copy(buf[HeaderLen:], f.Value)
	return buf, nil
}

// EncodeFields concatenates fields. Values over 64 KiB are a programming
// error on this link and panic.
func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, len(fields)*(HeaderLen+4))
	for _, f := range fields {
		b, err := EncodeField(f)
		if err != nil {
			panic(err)
		}
		out = append(out, b...)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := payload[i]
		typeID := payload[i+1]
		l := int(binary.BigEndian.Uint16(payload[i+2 : i+4]))
		i += HeaderLen
		if len(payload)-i < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+l])
		i += l
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint8) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, expected)
	}
	if size, ok := typeSizes[expected]; ok && len(f.Value) != size {
		return fmt.Errorf("%w: field %d has %d bytes", ErrBadLength, f.ID, len(f.Value))
	}
	return nil
}

// Uint reads an integer field of any width.
func Uint(fields []Field, id uint8) (uint64, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	size, fixed := typeSizes[f.Type]
	if !fixed || f.Type == TypeBool {
		return 0, fmt.Errorf("%w: field %d type %d is not an integer", ErrTypeMismatch, id, f.Type)
	}
	if len(f.Value) != size {
		return 0, fmt.Errorf("%w: field %d has %d bytes", ErrBadLength, id, len(f.Value))
	}
	switch f.Type {
	case TypeU8:
		return uint64(f.Value[0]), nil
	case TypeU16:
		return uint64(binary.BigEndian.Uint16(f.Value)), nil
	case TypeU32:
		return uint64(binary.BigEndian.Uint32(f.Value)), nil
	default:
		return binary.BigEndian.Uint64(f.Value), nil
	}
}

func BoolValue(fields []Field, id uint8) (bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeBool); err != nil {
		return false, err
	}
	return f.Value[0] != 0, nil
}

func BytesValue(fields []Field, id uint8) ([]byte, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeBytes); err != nil {
		return nil, err
	}
	return f.Value, nil
}
