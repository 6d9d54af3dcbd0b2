// Package packet defines the DRTIO packet types of the data and aux planes
// and their payload codecs. Framing lives in package frame.
//
// Data-plane packets have fixed little layouts and are never retransmitted.
// Aux-plane packets are TLV payloads validated by package schema.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/drtio/internal/rtio"
)

// Data-plane packet types, carried in the frame header type byte.
const (
	TypeWrite       uint8 = 1
	TypeReadRequest uint8 = 2
	TypeReadReply   uint8 = 3
	TypeEchoRequest uint8 = 4
	TypeEchoReply   uint8 = 5
	TypeSetTime     uint8 = 6
)

var (
	ErrUnknownType = errors.New("packet: unknown packet type")
	ErrTruncated   = errors.New("packet: truncated packet")
)

// Data is a data-plane packet.
type Data interface {
	DataType() uint8
	appendTo(b []byte) []byte
}

type Write struct {
	Channel   rtio.Channel
	Timestamp rtio.Timestamp
	Data      uint64
}

type ReadRequest struct {
	Channel  rtio.Channel
	Deadline rtio.Timestamp
	ID       uint32
}

// ReadReply answers a ReadRequest. Status carries the input outcome: zero
// means Data and Timestamp are valid.
type ReadReply struct {
	ID        uint32
	Status    rtio.Status
	Data      uint64
	Timestamp rtio.Timestamp
}

func (r ReadReply) Present() bool  { return r.Status == 0 }
func (r ReadReply) Overflow() bool { return r.Status.Has(rtio.StatusOverflow) }
func (r ReadReply) Timeout() bool  { return r.Status.Has(rtio.StatusTimeout) }

// Result converts the reply into a CRI input result.
func (r ReadReply) Result() rtio.InputResult {
	return rtio.InputResult{Status: r.Status, Data: r.Data, Timestamp: r.Timestamp}
}

type EchoRequest struct {
	ID uint32
}

type EchoReply struct {
	ID uint32
}

// SetTime loads the receiver's TSC. With Check set the receiver only
// compares its TSC against Timestamp and reports a discrepancy.
type SetTime struct {
	Timestamp uint64
	Check     bool
}

func (Write) DataType() uint8       { return TypeWrite }
func (ReadRequest) DataType() uint8 { return TypeReadRequest }
func (ReadReply) DataType() uint8   { return TypeReadReply }
func (EchoRequest) DataType() uint8 { return TypeEchoRequest }
func (EchoReply) DataType() uint8   { return TypeEchoReply }
func (SetTime) DataType() uint8     { return TypeSetTime }

var dataSizes = map[uint8]int{
	TypeWrite:       20,
	TypeReadRequest: 16,
	TypeReadReply:   22,
	TypeEchoRequest: 4,
	TypeEchoReply:   4,
	TypeSetTime:     9,
}

func (p Write) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(p.Channel))
	b = binary.BigEndian.AppendUint64(b, uint64(p.Timestamp))
	return binary.BigEndian.AppendUint64(b, p.Data)
}

func (p ReadRequest) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(p.Channel))
	b = binary.BigEndian.AppendUint64(b, uint64(p.Deadline))
	return binary.BigEndian.AppendUint32(b, p.ID)
}

func (p ReadReply) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, p.ID)
	b = binary.BigEndian.AppendUint16(b, uint16(p.Status))
	b = binary.BigEndian.AppendUint64(b, p.Data)
	return binary.BigEndian.AppendUint64(b, uint64(p.Timestamp))
}

func (p EchoRequest) appendTo(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, p.ID)
}

func (p EchoReply) appendTo(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, p.ID)
}

func (p SetTime) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, p.Timestamp)
	if p.Check {
		return append(b, 1)
	}
	return append(b, 0)
}

// EncodeData returns the frame type and payload of p.
func EncodeData(p Data) (uint8, []byte) {
	t := p.DataType()
	return t, p.appendTo(make([]byte, 0, dataSizes[t]))
}

// DecodeData parses a data-plane payload of type t.
func DecodeData(t uint8, b []byte) (Data, error) {
	size, ok := dataSizes[t]
	if !ok {
		return nil, fmt.Errorf("%w: data type %d", ErrUnknownType, t)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: type %d want %d bytes, have %d", ErrTruncated, t, size, len(b))
	}
	be := binary.BigEndian
	switch t {
	case TypeWrite:
		return Write{
			Channel:   rtio.Channel(be.Uint32(b[0:4])),
			Timestamp: rtio.Timestamp(be.Uint64(b[4:12])),
			Data:      be.Uint64(b[12:20]),
		}, nil
	case TypeReadRequest:
		return ReadRequest{
			Channel:  rtio.Channel(be.Uint32(b[0:4])),
			Deadline: rtio.Timestamp(be.Uint64(b[4:12])),
			ID:       be.Uint32(b[12:16]),
		}, nil
	case TypeReadReply:
		return ReadReply{
			ID:        be.Uint32(b[0:4]),
			Status:    rtio.Status(be.Uint16(b[4:6])),
			Data:      be.Uint64(b[6:14]),
			Timestamp: rtio.Timestamp(be.Uint64(b[14:22])),
		}, nil
	case TypeEchoRequest:
		return EchoRequest{ID: be.Uint32(b)}, nil
	case TypeEchoReply:
		return EchoReply{ID: be.Uint32(b)}, nil
	default:
		return SetTime{Timestamp: be.Uint64(b[0:8]), Check: b[8] != 0}, nil
	}
}

// DataName names a data-plane packet type for logs and metrics.
func DataName(t uint8) string {
	switch t {
	case TypeWrite:
		return "write"
	case TypeReadRequest:
		return "read_request"
	case TypeReadReply:
		return "read_reply"
	case TypeEchoRequest:
		return "echo_request"
	case TypeEchoReply:
		return "echo_reply"
	case TypeSetTime:
		return "set_time"
	default:
		return fmt.Sprintf("data(%d)", t)
	}
}
