package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/drtio/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		U8(1, 3),
		Bytes(200, []byte{0xAA, 0xBB}), // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 200 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestUintReadsEveryWidth(t *testing.T) {
	testlog.Start(t)
	fields := []Field{U8(1, 0xfe), U16(2, 0xbeef), U32(3, 0xdeadbeef), U64(4, 1<<40), Bool(5, true)}
	want := map[uint8]uint64{1: 0xfe, 2: 0xbeef, 3: 0xdeadbeef, 4: 1 << 40}
	for id, v := range want {
		got, err := Uint(fields, id)
		if err != nil || got != v {
			t.Fatalf("field %d: got=%d err=%v want=%d", id, got, err, v)
		}
	}
	if _, err := Uint(fields, 5); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("bool should not read as uint: %v", err)
	}
	if _, err := Uint(fields, 9); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	b, err := BoolValue(fields, 5)
	if err != nil || !b {
		t.Fatalf("bool: got=%v err=%v", b, err)
	}
}

func TestUintRejectsBadLength(t *testing.T) {
	testlog.Start(t)
	fields := []Field{{ID: 1, Type: TypeU32, Value: []byte{1, 2}}}
	if _, err := Uint(fields, 1); !errors.Is(err, ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=bytes, len=5, value only 2 bytes
	payload := []byte{1, TypeBytes, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
