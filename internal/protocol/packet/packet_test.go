package packet

import (
	"errors"
	"testing"

	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestDataPacketsDecodeToSameValue(t *testing.T) {
	testlog.Start(t)
	cases := []Data{
		Write{Channel: rtio.NewChannel(2, 7), Timestamp: 123456, Data: 0xfeedface},
		ReadRequest{Channel: rtio.NewChannel(1, 3), Deadline: 99, ID: 17},
		ReadReply{ID: 17, Status: rtio.StatusOverflow, Data: 1, Timestamp: 2},
		EchoRequest{ID: 5},
		EchoReply{ID: 5},
		SetTime{Timestamp: 1 << 33, Check: true},
	}
	for _, in := range cases {
		typ, payload := EncodeData(in)
		require.Len(t, payload, dataSizes[typ], DataName(typ))
		out, err := DecodeData(typ, payload)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestDecodeDataErrors(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeData(77, nil)
	require.ErrorIs(t, err, ErrUnknownType)

	_, payload := EncodeData(Write{Data: 1})
	_, err = DecodeData(TypeWrite, payload[:10])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadReplyFlags(t *testing.T) {
	testlog.Start(t)
	require.True(t, ReadReply{}.Present())
	r := ReadReply{Status: rtio.StatusTimeout}
	require.True(t, r.Timeout())
	require.False(t, r.Present())
	require.False(t, r.Overflow())
	require.Equal(t, rtio.StatusTimeout, r.Result().Status)
}

func TestAuxMessagesDecodeToSameValue(t *testing.T) {
	testlog.Start(t)
	cases := []Aux{
		LinkInit{Locked: true},
		LinkInitAck{},
		BufferSpaceRequest{Destination: 3, Channel: 9},
		BufferSpaceReply{Count: 100, Lane: 2},
		ResetRequest{Destination: 1, Epoch: 4, Phy: true},
		ResetAck{Epoch: 4},
		RoutingSetPath{Destination: 2, Path: []uint8{1, 1, 0}},
		RoutingSetRank{Rank: 2},
		RoutingAck{},
		ErrorQuery{Destination: 1},
		ErrorReport{Code: rtio.StatusUnderflow, Channel: 4, Timestamp: 88},
		ErrorClear{Destination: 1, Code: rtio.StatusUnderflow},
		ErrorAck{},
		Nack{Reason: schema.ReasonDestinationDown},
	}
	for _, in := range cases {
		typ, payload := EncodeAux(in)
		out, err := DecodeAux(typ, payload)
		require.NoError(t, err, schema.MessageName(typ))
		require.Equal(t, in, out)
	}
}

func TestDecodeAuxRejectsMissingFields(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeAux(schema.MsgResetRequest, nil)
	var ve schema.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, schema.FieldDestination, ve.FieldID)

	_, err = DecodeAux(schema.MsgNack, []byte{1, 2})
	require.Error(t, err)
}

func TestRequestDestination(t *testing.T) {
	testlog.Start(t)
	d, ok := RequestDestination(ErrorQuery{Destination: 4})
	require.True(t, ok)
	require.Equal(t, uint8(4), d)
	_, ok = RequestDestination(RoutingSetRank{Rank: 1})
	require.False(t, ok)
}
