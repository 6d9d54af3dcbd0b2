package packet

import (
	"fmt"

	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/protocol/tlv"
	"github.com/danmuck/drtio/internal/rtio"
)

// Aux is an aux-plane message.
type Aux interface {
	AuxType() uint8
	fields() []tlv.Field
}

type LinkInit struct {
	Locked bool
}

type LinkInitAck struct{}

type BufferSpaceRequest struct {
	Destination uint8
	Channel     uint16
}

type BufferSpaceReply struct {
	Count uint32
	Lane  uint8
}

type ResetRequest struct {
	Destination uint8
	Epoch       uint8
	Phy         bool
}

type ResetAck struct {
	Epoch uint8
}

type RoutingSetPath struct {
	Destination uint8
	Path        []uint8
}

type RoutingSetRank struct {
	Rank uint8
}

type RoutingAck struct{}

type ErrorQuery struct {
	Destination uint8
}

// ErrorReport carries a destination's sticky status and the channel and
// timestamp of its most recent error. Code zero means no error.
type ErrorReport struct {
	Code      rtio.Status
	Channel   uint16
	Timestamp rtio.Timestamp
}

type ErrorClear struct {
	Destination uint8
	Code        rtio.Status
}

type ErrorAck struct{}

type Nack struct {
	Reason uint8
}

func (LinkInit) AuxType() uint8           { return schema.MsgLinkInit }
func (LinkInitAck) AuxType() uint8        { return schema.MsgLinkInitAck }
func (BufferSpaceRequest) AuxType() uint8 { return schema.MsgBufferSpaceRequest }
func (BufferSpaceReply) AuxType() uint8   { return schema.MsgBufferSpaceReply }
func (ResetRequest) AuxType() uint8       { return schema.MsgResetRequest }
func (ResetAck) AuxType() uint8           { return schema.MsgResetAck }
func (RoutingSetPath) AuxType() uint8     { return schema.MsgRoutingSetPath }
func (RoutingSetRank) AuxType() uint8     { return schema.MsgRoutingSetRank }
func (RoutingAck) AuxType() uint8         { return schema.MsgRoutingAck }
func (ErrorQuery) AuxType() uint8         { return schema.MsgErrorQuery }
func (ErrorReport) AuxType() uint8        { return schema.MsgErrorReport }
func (ErrorClear) AuxType() uint8         { return schema.MsgErrorClear }
func (ErrorAck) AuxType() uint8           { return schema.MsgErrorAck }
func (Nack) AuxType() uint8               { return schema.MsgNack }

func (m LinkInit) fields() []tlv.Field {
	return []tlv.Field{tlv.Bool(schema.FieldLocked, m.Locked)}
}
func (LinkInitAck) fields() []tlv.Field { return nil }
func (m BufferSpaceRequest) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldDestination, m.Destination), tlv.U16(schema.FieldChannel, m.Channel)}
}
func (m BufferSpaceReply) fields() []tlv.Field {
	return []tlv.Field{tlv.U32(schema.FieldCount, m.Count), tlv.U8(schema.FieldLane, m.Lane)}
}
func (m ResetRequest) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U8(schema.FieldDestination, m.Destination),
		tlv.U8(schema.FieldEpoch, m.Epoch),
		tlv.Bool(schema.FieldPhy, m.Phy),
	}
}
func (m ResetAck) fields() []tlv.Field { return []tlv.Field{tlv.U8(schema.FieldEpoch, m.Epoch)} }
func (m RoutingSetPath) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldDestination, m.Destination), tlv.Bytes(schema.FieldPath, m.Path)}
}
func (m RoutingSetRank) fields() []tlv.Field { return []tlv.Field{tlv.U8(schema.FieldRank, m.Rank)} }
func (RoutingAck) fields() []tlv.Field       { return nil }
func (m ErrorQuery) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldDestination, m.Destination)}
}
func (m ErrorReport) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U16(schema.FieldCode, uint16(m.Code)),
		tlv.U16(schema.FieldChannel, m.Channel),
		tlv.U64(schema.FieldTimestamp, uint64(m.Timestamp)),
	}
}
func (m ErrorClear) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldDestination, m.Destination), tlv.U16(schema.FieldCode, uint16(m.Code))}
}
func (ErrorAck) fields() []tlv.Field { return nil }
func (m Nack) fields() []tlv.Field  { return []tlv.Field{tlv.U8(schema.FieldReason, m.Reason)} }

// EncodeAux returns the frame type and TLV payload of m.
func EncodeAux(m Aux) (uint8, []byte) {
	return m.AuxType(), tlv.EncodeFields(m.fields())
}

// DecodeAux parses and validates an aux payload of type t.
func DecodeAux(t uint8, payload []byte) (Aux, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(t, fields); err != nil {
		return nil, err
	}
	// Validate has checked presence, type and width of every field read below.
	u8 := func(id uint8) uint8 {
		v, _ := tlv.Uint(fields, id)
		return uint8(v)
	}
	u16 := func(id uint8) uint16 {
		v, _ := tlv.Uint(fields, id)
		return uint16(v)
	}
	flag := func(id uint8) bool {
		v, _ := tlv.BoolValue(fields, id)
		return v
	}
	switch t {
	case schema.MsgLinkInit:
		return LinkInit{Locked: flag(schema.FieldLocked)}, nil
	case schema.MsgLinkInitAck:
		return LinkInitAck{}, nil
	case schema.MsgBufferSpaceRequest:
		return BufferSpaceRequest{Destination: u8(schema.FieldDestination), Channel: u16(schema.FieldChannel)}, nil
	case schema.MsgBufferSpaceReply:
		n, _ := tlv.Uint(fields, schema.FieldCount)
		return BufferSpaceReply{Count: uint32(n), Lane: u8(schema.FieldLane)}, nil
	case schema.MsgResetRequest:
		return ResetRequest{
			Destination: u8(schema.FieldDestination),
			Epoch:       u8(schema.FieldEpoch),
			Phy:         flag(schema.FieldPhy),
		}, nil
	case schema.MsgResetAck:
		return ResetAck{Epoch: u8(schema.FieldEpoch)}, nil
	case schema.MsgRoutingSetPath:
		p, _ := tlv.BytesValue(fields, schema.FieldPath)
		return RoutingSetPath{Destination: u8(schema.FieldDestination), Path: p}, nil
	case schema.MsgRoutingSetRank:
		return RoutingSetRank{Rank: u8(schema.FieldRank)}, nil
	case schema.MsgRoutingAck:
		return RoutingAck{}, nil
	case schema.MsgErrorQuery:
		return ErrorQuery{Destination: u8(schema.FieldDestination)}, nil
	case schema.MsgErrorReport:
		ts, _ := tlv.Uint(fields, schema.FieldTimestamp)
		return ErrorReport{
			Code:      rtio.Status(u16(schema.FieldCode)),
			Channel:   u16(schema.FieldChannel),
			Timestamp: rtio.Timestamp(ts),
		}, nil
	case schema.MsgErrorClear:
		return ErrorClear{Destination: u8(schema.FieldDestination), Code: rtio.Status(u16(schema.FieldCode))}, nil
	case schema.MsgErrorAck:
		return ErrorAck{}, nil
	case schema.MsgNack:
		return Nack{Reason: u8(schema.FieldReason)}, nil
	}
	return nil, fmt.Errorf("%w: aux type %d", ErrUnknownType, t)
}

// RequestDestination returns the destination an aux request is addressed
// to, for requests that are routed.
func RequestDestination(m Aux) (uint8, bool) {
	switch r := m.(type) {
	case BufferSpaceRequest:
		return r.Destination, true
	case ResetRequest:
		return r.Destination, true
	case ErrorQuery:
		return r.Destination, true
	case ErrorClear:
		return r.Destination, true
	}
	return 0, false
}
