// Package schema validates aux-plane payloads against their required fields.
package schema

import (
	"fmt"

	"github.com/danmuck/drtio/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Aux message type IDs, carried in the frame header type byte.
const (
	MsgLinkInit           uint8 = 1
	MsgLinkInitAck        uint8 = 2
	MsgBufferSpaceRequest uint8 = 3
	MsgBufferSpaceReply   uint8 = 4
	MsgResetRequest       uint8 = 5
	MsgResetAck           uint8 = 6
	MsgRoutingSetPath     uint8 = 7
	MsgRoutingSetRank     uint8 = 8
	MsgRoutingAck         uint8 = 9
	MsgErrorQuery         uint8 = 10
	MsgErrorReport        uint8 = 11
	MsgErrorClear         uint8 = 12
	MsgErrorAck           uint8 = 13
	MsgNack               uint8 = 14
)

var msgNames = map[uint8]string{
	MsgLinkInit:           "link_init",
	MsgLinkInitAck:        "link_init_ack",
	MsgBufferSpaceRequest: "buffer_space_request",
	MsgBufferSpaceReply:   "buffer_space_reply",
	MsgResetRequest:       "reset_request",
	MsgResetAck:           "reset_ack",
	MsgRoutingSetPath:     "routing_set_path",
	MsgRoutingSetRank:     "routing_set_rank",
	MsgRoutingAck:         "routing_ack",
	MsgErrorQuery:         "error_query",
	MsgErrorReport:        "error_report",
	MsgErrorClear:         "error_clear",
	MsgErrorAck:           "error_ack",
	MsgNack:               "nack",
}

func MessageName(t uint8) string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("aux(%d)", t)
}

// IsReply reports whether t answers a request rather than starting one.
func IsReply(t uint8) bool {
	switch t {
	case MsgLinkInitAck, MsgBufferSpaceReply, MsgResetAck, MsgRoutingAck,
		MsgErrorReport, MsgErrorAck, MsgNack:
		return true
	}
	return false
}

// Field IDs.
const (
	FieldDestination uint8 = 1
	FieldChannel     uint8 = 2
	FieldCount       uint8 = 3
	FieldLane        uint8 = 4
	FieldEpoch       uint8 = 5
	FieldPhy         uint8 = 6
	FieldPath        uint8 = 7
	FieldRank        uint8 = 8
	FieldCode        uint8 = 9
	FieldTimestamp   uint8 = 10
	FieldReason      uint8 = 11
	FieldLocked      uint8 = 12
)

// NACK reasons.
const (
	ReasonUnknown         uint8 = 0
	ReasonDestinationDown uint8 = 1
	ReasonNoRoute         uint8 = 2
	ReasonMalformed       uint8 = 3
	ReasonUnsupported     uint8 = 4
	ReasonNotLocked       uint8 = 5
	ReasonBusy            uint8 = 6
)

func ReasonName(r uint8) string {
	switch r {
	case ReasonDestinationDown:
		return "destination_down"
	case ReasonNoRoute:
		return "no_route"
	case ReasonMalformed:
		return "malformed"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonNotLocked:
		return "not_locked"
	case ReasonBusy:
		return "busy"
	default:
		return "unknown"
	}
}

type Requirement struct {
	ID   uint8
	Type uint8
}

type ValidationError struct {
	MessageType uint8
	FieldID     uint8
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message=%s: %s", MessageName(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: message=%s field=%d: %s", MessageName(e.MessageType), e.FieldID, e.Reason)
}

var requirements = map[uint8][]Requirement{
	MsgLinkInit:    {{FieldLocked, tlv.TypeBool}},
	MsgLinkInitAck: {},
	MsgBufferSpaceRequest: {
		{FieldDestination, tlv.TypeU8},
		{FieldChannel, tlv.TypeU16},
	},
	MsgBufferSpaceReply: {
		{FieldCount, tlv.TypeU32},
		{FieldLane, tlv.TypeU8},
	},
	MsgResetRequest: {
		{FieldDestination, tlv.TypeU8},
		{FieldEpoch, tlv.TypeU8},
		{FieldPhy, tlv.TypeBool},
	},
	MsgResetAck: {{FieldEpoch, tlv.TypeU8}},
	MsgRoutingSetPath: {
		{FieldDestination, tlv.TypeU8},
		{FieldPath, tlv.TypeBytes},
	},
	MsgRoutingSetRank: {{FieldRank, tlv.TypeU8}},
	MsgRoutingAck:     {},
	MsgErrorQuery:     {{FieldDestination, tlv.TypeU8}},
	MsgErrorReport: {
		{FieldCode, tlv.TypeU16},
		{FieldChannel, tlv.TypeU16},
		{FieldTimestamp, tlv.TypeU64},
	},
	MsgErrorClear: {
		{FieldDestination, tlv.TypeU8},
		{FieldCode, tlv.TypeU16},
	},
	MsgErrorAck: {},
	MsgNack:     {{FieldReason, tlv.TypeU8}},
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint8, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint8("message_type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint8("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if err := tlv.MustType(f, req.Type); err != nil {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint8("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
