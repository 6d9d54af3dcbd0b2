package cri

import (
	"context"
	"testing"

	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/danmuck/drtio/internal/rtio/sed"
	"github.com/danmuck/drtio/internal/rtio/tsc"
	"github.com/danmuck/drtio/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) (*sed.Core, *tsc.Counter, *rtlink.Recorder) {
	t.Helper()
	cfg := sed.DefaultConfig()
	cfg.Name = t.Name()
	cfg.Channels = []sed.ChannelConfig{
		{ID: 0, Direction: sed.DirOutput, Lane: -1},
		{ID: 1, Direction: sed.DirInput, Lane: -1},
	}
	clock := tsc.New()
	rec := rtlink.NewRecorder()
	core, err := sed.New(cfg, clock, rec)
	require.NoError(t, err)
	return core, clock, rec
}

type coreWaiter struct {
	core  *sed.Core
	clock *tsc.Counter
}

func (w coreWaiter) WaitTick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.clock.Advance()
	w.core.Tick()
	return nil
}

func TestPortWriteThroughRouter(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newLocal(t)

	router := NewRouter()
	require.NoError(t, router.Load(map[uint8][]uint8{0: {0}}))
	res := &RouteResolver{Router: router, Local: LocalTarget{Core: core}}
	ic := NewInterconnect(res)
	port := ic.Port("kernel")

	port.SelectChannel(rtio.NewChannel(0, 0))
	// Not applied yet: destination unknown.
	require.Equal(t, rtio.StatusDestinationUnreachable, port.Write(rtio.At(10, 0, 3), 1))

	require.True(t, router.Apply())
	require.True(t, port.Write(rtio.At(10, 0, 3), 1).OK())
	require.Equal(t, rtio.StatusOK, port.Status())

	port.SelectChannel(rtio.NewChannel(5, 0))
	require.Equal(t, rtio.StatusDestinationUnreachable, port.Write(rtio.At(11, 0, 3), 1))
	require.Equal(t, rtio.StatusDestinationUnreachable, port.Status())

	for i := 0; i < 20; i++ {
		clock.Advance()
		core.Tick()
	}
	require.Len(t, rec.Events(), 1)
}

func TestInterconnectArbitration(t *testing.T) {
	testlog.Start(t)
	core, _, _ := newLocal(t)
	ic := NewInterconnect(StaticResolver{0: LocalTarget{Core: core}})

	dma := ic.Port("dma")
	kernel := ic.Port("kernel")
	kernel.SelectChannel(rtio.NewChannel(0, 0))
	dma.SelectChannel(rtio.NewChannel(0, 0))

	require.NoError(t, dma.Acquire())
	require.Equal(t, "dma", ic.Holder())
	require.ErrorIs(t, kernel.Acquire(), ErrHeld)
	require.Equal(t, rtio.StatusBusy, kernel.Write(rtio.At(10, 0, 3), 1))
	_, st := kernel.BufferSpace()
	require.Equal(t, rtio.StatusBusy, st)
	require.True(t, dma.Write(rtio.At(10, 0, 3), 1).OK())

	require.ErrorIs(t, kernel.Release(), ErrNotHolder)
	require.NoError(t, dma.Release())
	require.True(t, kernel.Write(rtio.At(11, 0, 3), 1).OK())
}

func TestPortReadTimeoutAndData(t *testing.T) {
	testlog.Start(t)
	core, clock, _ := newLocal(t)
	ic := NewInterconnect(StaticResolver{0: LocalTarget{Core: core}})
	port := ic.Port("kernel")
	port.SelectChannel(rtio.NewChannel(0, 1))
	w := coreWaiter{core: core, clock: clock}

	_, _, err := port.InputPoll()
	require.ErrorIs(t, err, ErrNoReadActive)

	res, err := port.Read(context.Background(), rtio.At(4, 0, 3), w)
	require.NoError(t, err)
	require.Equal(t, rtio.StatusTimeout, res.Status)
	require.Equal(t, rtio.StatusTimeout, port.Status())

	core.Capture(1, 99, 0)
	res, err = port.Read(context.Background(), rtio.At(100, 0, 3), w)
	require.NoError(t, err)
	require.True(t, res.Present())
	require.Equal(t, uint64(99), res.Data)

	port.SelectChannel(rtio.NewChannel(9, 1))
	require.Equal(t, rtio.StatusDestinationUnreachable, port.InputRequest(rtio.At(200, 0, 3)))
	res, done, err := port.InputPoll()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, rtio.StatusDestinationUnreachable, res.Status)
}

func TestPortBufferSpace(t *testing.T) {
	testlog.Start(t)
	core, _, _ := newLocal(t)
	ic := NewInterconnect(StaticResolver{0: LocalTarget{Core: core}})
	port := ic.Port("kernel")
	port.SelectChannel(rtio.NewChannel(0, 0))

	before, st := port.BufferSpace()
	require.True(t, st.OK())
	require.True(t, port.Write(rtio.At(50, 0, 3), 1).OK())
	after, _ := port.BufferSpace()
	require.Equal(t, before-1, after)
}
