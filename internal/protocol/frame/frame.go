// Package frame owns the link-level framing shared by the data and aux planes.
//
// Every frame is a fixed 16-byte header followed by the payload. The CRC32
// covers the first 12 header bytes and the payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	HeaderLen = 16
	Magic     = 0xD710
)

// Plane selects which link plane a frame belongs to. Idle frames carry no
// payload and keep the receiver aligned.
type Plane uint8

const (
	PlaneIdle Plane = iota
	PlaneData
	PlaneAux
)

func (p Plane) String() string {
	switch p {
	case PlaneIdle:
		return "idle"
	case PlaneData:
		return "data"
	case PlaneAux:
		return "aux"
	default:
		return fmt.Sprintf("plane(%d)", uint8(p))
	}
}

const (
	// FlagReady on idle frames advertises that the sender's link is READY.
	FlagReady uint8 = 0x01
	// FlagLocked on idle frames advertises that the sender's clock is locked.
	FlagLocked uint8 = 0x02
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadPlane        = errors.New("frame: unknown plane")
	ErrChecksum        = errors.New("frame: crc mismatch")
	ErrTruncated       = errors.New("frame: truncated payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Plane  Plane
	Type   uint8
	Epoch  uint8
	Flags  uint8
	Length uint16
	Seq    uint32
	CRC    uint32
}

// Frame is one complete wire unit.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4096}
}

// Marshal encodes f with a freshly computed length and checksum.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	if len(f.Payload) > limits.MaxPayloadBytes || len(f.Payload) > 0xffff {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	h := f.Header
	h.Length = uint16(len(f.Payload))
	putHeader(buf, h)
	copy(buf[HeaderLen:], f.Payload)
	binary.BigEndian.PutUint32(buf[12:16], checksum(buf[:12], f.Payload))
	return buf, nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	h, err := DecodeHeader(b[:HeaderLen])
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if len(b) != HeaderLen+int(h.Length) {
		return Frame{}, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncated, HeaderLen+int(h.Length), len(b))
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderLen:])
	if checksum(b[:12], payload) != h.CRC {
		return Frame{}, ErrChecksum
	}
	return Frame{Header: h, Payload: payload}, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
	}
	if checksum(hb[:12], payload) != h.CRC {
		return Frame{}, ErrChecksum
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Marshal(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// DecodeHeader parses the fixed header without checking the CRC.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != Magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Plane:  Plane(b[2]),
		Type:   b[3],
		Epoch:  b[4],
		Flags:  b[5],
		Length: binary.BigEndian.Uint16(b[6:8]),
		Seq:    binary.BigEndian.Uint32(b[8:12]),
		CRC:    binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Plane > PlaneAux {
		return Header{}, ErrBadPlane
	}
	return h, nil
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = uint8(h.Plane)
	buf[3] = h.Type
	buf[4] = h.Epoch
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], h.Length)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
}

func checksum(header []byte, payload []byte) uint32 {
	c := crc32.ChecksumIEEE(header)
	return crc32.Update(c, crc32.IEEETable, payload)
}
