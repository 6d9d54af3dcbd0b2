package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/drtio/internal/protocol/tlv"
	"github.com/danmuck/drtio/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.U8(1, 3)})
	in := Frame{
		Header:  Header{Plane: PlaneAux, Type: 7, Epoch: 2, Seq: 42},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("unexpected encoded size %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	h := out.Header
	if h.Plane != PlaneAux || h.Type != 7 || h.Epoch != 2 || h.Seq != 42 || int(h.Length) != len(payload) {
		t.Fatalf("header mismatch: got=%+v", h)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestUnmarshalDetectsBitErrors(t *testing.T) {
	testlog.Start(t)
	b, err := Marshal(Frame{Header: Header{Plane: PlaneData, Type: 1, Seq: 9}, Payload: []byte{1, 2, 3, 4}}, DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(b, DefaultLimits()); err != nil {
		t.Fatalf("unmarshal clean frame: %v", err)
	}
	for _, pos := range []int{3, 9, HeaderLen + 2} {
		bad := append([]byte(nil), b...)
		bad[pos] ^= 0x10
		if _, err := Unmarshal(bad, DefaultLimits()); !errors.Is(err, ErrChecksum) {
			t.Fatalf("flip at %d: expected ErrChecksum, got %v", pos, err)
		}
	}
	bad := append([]byte(nil), b...)
	bad[0] = 0
	if _, err := Unmarshal(bad, DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	if _, err := Unmarshal(b[:len(b)-1], DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameUnknownPlane(t *testing.T) {
	testlog.Start(t)
	b, _ := Marshal(Frame{Header: Header{Plane: PlaneIdle}}, DefaultLimits())
	b[2] = 9
	if _, err := ReadFrame(bytes.NewReader(b), DefaultLimits()); !errors.Is(err, ErrBadPlane) {
		t.Fatalf("expected ErrBadPlane, got %v", err)
	}
}

func TestPayloadLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	if _, err := Marshal(Frame{Payload: make([]byte, 5)}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	b, _ := Marshal(Frame{Payload: make([]byte, 5)}, DefaultLimits())
	if _, err := ReadFrame(bytes.NewReader(b), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}
