package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/drtio/internal/protocol/tlv"
	"github.com/danmuck/drtio/internal/testutil/testlog"
)

func TestValidateResetRequestRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldDestination, 2),
		tlv.U8(FieldEpoch, 5),
		tlv.Bool(FieldPhy, true),
	}
	if err := Validate(MsgResetRequest, fields); err != nil {
		t.Fatalf("validate reset request: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldDestination, 1),
		tlv.U16(FieldChannel, 4),
		tlv.Bytes(250, []byte{1}),
	}
	if err := Validate(MsgBufferSpaceRequest, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgErrorReport, []tlv.Field{tlv.U16(FieldCode, 2)})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldChannel || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	// Rank sent as a u16 instead of a u8.
	err := Validate(MsgRoutingSetRank, []tlv.Field{tlv.U16(FieldRank, 1)})
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "type mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(99, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
	if MessageName(99) != "aux(99)" || MessageName(MsgNack) != "nack" {
		t.Fatalf("unexpected message names")
	}
}

func TestReplyClassification(t *testing.T) {
	testlog.Start(t)
	for _, m := range []uint8{MsgLinkInit, MsgBufferSpaceRequest, MsgResetRequest, MsgRoutingSetPath, MsgRoutingSetRank, MsgErrorQuery, MsgErrorClear} {
		if IsReply(m) {
			t.Fatalf("%s classified as reply", MessageName(m))
		}
	}
	for _, m := range []uint8{MsgLinkInitAck, MsgBufferSpaceReply, MsgResetAck, MsgRoutingAck, MsgErrorReport, MsgErrorAck, MsgNack} {
		if !IsReply(m) {
			t.Fatalf("%s not classified as reply", MessageName(m))
		}
	}
}
