package sed

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/danmuck/drtio/internal/rtio/tsc"
	"github.com/danmuck/drtio/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const testFine = 3

func ts(coarse uint64) rtio.Timestamp {
	return rtio.At(coarse, 0, testFine)
}

func newTestCore(t *testing.T, mutate func(*Config)) (*Core, *tsc.Counter, *rtlink.Recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.Lanes = 2
	cfg.LaneDepth = 4
	cfg.InputDepth = 2
	cfg.Channels = []ChannelConfig{
		{ID: 0, Direction: DirOutput, Lane: 0},
		{ID: 1, Direction: DirOutput, Lane: 1},
		{ID: 2, Direction: DirOutput, Lane: 0, Replace: true},
		{ID: 3, Direction: DirInput, Lane: -1},
		{ID: 4, Direction: DirOutput, Lane: 1, Width: 8},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	clock := tsc.New()
	rec := rtlink.NewRecorder()
	core, err := New(cfg, clock, rec)
	require.NoError(t, err)
	return core, clock, rec
}

func step(core *Core, clock *tsc.Counter, n int) {
	for i := 0; i < n; i++ {
		clock.Advance()
		core.Tick()
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.Lanes = 0
	require.ErrorIs(t, cfg.Validate(), ErrNoLanes)

	cfg = DefaultConfig()
	cfg.Channels = []ChannelConfig{{ID: 1, Direction: DirOutput}, {ID: 1, Direction: DirInput}}
	require.ErrorIs(t, cfg.Validate(), ErrDuplicateChannel)

	cfg = DefaultConfig()
	cfg.Channels = []ChannelConfig{{ID: 1, Direction: DirOutput, Lane: 99}}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidLane)

	cfg = DefaultConfig()
	cfg.Channels = []ChannelConfig{{ID: 1}}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidDirection)
}

func TestDispatchAtFixedLatency(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)

	require.True(t, core.Write(0, ts(10), 0xa).OK())
	require.True(t, core.Write(1, ts(15), 0xb).OK())
	require.True(t, core.Write(0, rtio.At(21, 5, testFine), 0xc).OK())

	step(core, clock, 30)

	evs := rec.Events()
	require.Len(t, evs, 3)
	for _, ev := range evs {
		require.Equal(t, ev.Timestamp.Coarse(testFine)+core.Latency(), ev.Cycle)
	}
	require.Equal(t, uint64(0xa), evs[0].Data)
	require.Equal(t, uint64(13), evs[0].Cycle)
	require.Equal(t, uint64(18), evs[1].Cycle)
	require.Equal(t, uint64(24), evs[2].Cycle)
	require.Equal(t, uint64(5), evs[2].Timestamp.Fine(testFine))
	require.Equal(t, rtio.StatusOK, core.Status())
}

func TestZeroLatencyDispatch(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, func(c *Config) { c.Latency = 0 })

	require.True(t, core.Write(0, ts(4), 1).OK())
	step(core, clock, 5)
	evs := rec.Events()
	require.Len(t, evs, 1)
	require.Equal(t, uint64(4), evs[0].Cycle)
}

func TestUnderflow(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)
	step(core, clock, 10)

	require.Equal(t, rtio.StatusUnderflow, core.Write(0, ts(10), 1))
	require.Equal(t, rtio.StatusUnderflow, core.Write(0, ts(3), 1))
	require.True(t, core.Status().Has(rtio.StatusUnderflow))

	info, ok := core.LastError()
	require.True(t, ok)
	require.Equal(t, uint16(0), info.Channel)
	require.Equal(t, ts(3), info.Timestamp)

	step(core, clock, 10)
	require.Empty(t, rec.Events())
	require.Equal(t, uint64(2), core.Stats().Underflows)
}

func TestSequenceErrorAndCollision(t *testing.T) {
	testlog.Start(t)
	core, _, _ := newTestCore(t, nil)

	require.True(t, core.Write(0, ts(20), 1).OK())
	require.Equal(t, rtio.StatusSequenceError, core.Write(0, ts(19), 2))
	require.Equal(t, rtio.StatusSequenceError, core.Write(0, ts(20), 3))
	require.Equal(t, rtio.StatusCollision, core.Write(0, rtio.At(20, 2, testFine), 4))
	// Other channels keep their own history.
	require.True(t, core.Write(1, ts(19), 5).OK())
	require.True(t, core.Write(0, ts(21), 6).OK())

	st := core.Status()
	require.True(t, st.Has(rtio.StatusSequenceError))
	require.True(t, st.Has(rtio.StatusCollision))

	core.ClearStatus(rtio.StatusSequenceError)
	require.Equal(t, rtio.StatusCollision, core.Status())
	core.ClearStatus(rtio.StickyMask)
	_, ok := core.LastError()
	require.False(t, ok)
}

func TestReplaceLastWriteWins(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)

	require.True(t, core.Write(2, ts(5), 1).OK())
	require.True(t, core.Write(2, ts(5), 2).OK())
	require.True(t, core.Write(2, ts(5), 3).OK())
	step(core, clock, 10)

	evs := rec.ForChannel(2)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(3), evs[0].Data)
	require.Equal(t, uint64(2), core.Stats().Replaced)

	// Already dispatched: replace no longer applies and the write underflows.
	require.Equal(t, rtio.StatusUnderflow, core.Write(2, ts(5), 4))
}

func TestReplaceTargetsQueuedEvent(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, func(c *Config) { c.Latency = 8 })

	require.True(t, core.Write(2, ts(20), 1).OK())
	require.True(t, core.Write(2, ts(30), 1).OK())
	step(core, clock, 20)
	// ts(20) sits in the delay line; ts(30) is still queued.
	require.Equal(t, rtio.StatusSequenceError, core.Write(2, ts(25), 2))
	require.True(t, core.Write(2, ts(30), 2).OK())

	step(core, clock, 20)
	evs := rec.ForChannel(2)
	require.Len(t, evs, 2)
	require.Equal(t, uint64(1), evs[0].Data)
	require.Equal(t, uint64(2), evs[1].Data)
	require.Equal(t, uint64(38), evs[1].Cycle)
}

func TestBusyWhenLaneFull(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)

	for i := uint64(0); i < 4; i++ {
		require.True(t, core.Write(0, ts(10+i), i).OK())
	}
	require.Equal(t, rtio.StatusBusy, core.Write(0, ts(20), 9))
	require.True(t, core.Write(1, ts(20), 9).OK())

	space, st := core.BufferSpace(0)
	require.True(t, st.OK())
	require.Equal(t, 0, space)

	step(core, clock, 11)
	space, _ = core.BufferSpace(0)
	require.Equal(t, 2, space)
	// Busy did not advance the channel history.
	require.True(t, core.Write(0, ts(20), 9).OK())

	step(core, clock, 20)
	require.Len(t, rec.ForChannel(0), 5)
}

func TestBufferSpaceStable(t *testing.T) {
	testlog.Start(t)
	core, _, _ := newTestCore(t, nil)

	require.True(t, core.Write(0, ts(10), 1).OK())
	a, _ := core.BufferSpace(0)
	b, _ := core.BufferSpace(0)
	require.Equal(t, a, b)
	require.Equal(t, 3, a)

	// Channel 2 shares lane 0.
	c, _ := core.BufferSpace(2)
	require.Equal(t, a, c)

	_, st := core.BufferSpace(3)
	require.Equal(t, rtio.StatusDestinationUnreachable, st)
}

func TestWidthMasksData(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)

	require.True(t, core.Write(4, ts(2), 0x1ff).OK())
	step(core, clock, 6)
	require.Equal(t, uint64(0xff), rec.ForChannel(4)[0].Data)
}

func TestUnknownChannel(t *testing.T) {
	testlog.Start(t)
	core, _, _ := newTestCore(t, nil)

	require.Equal(t, rtio.StatusDestinationUnreachable, core.Write(77, ts(10), 1))
	require.Equal(t, rtio.StatusDestinationUnreachable, core.Write(3, ts(10), 1))
	require.Equal(t, rtio.StatusOK, core.Status())
}

func TestInputCaptureOverflowTimeout(t *testing.T) {
	testlog.Start(t)
	core, clock, _ := newTestCore(t, nil)
	step(core, clock, 5)

	core.Capture(3, 7, 2)
	res, done := core.TryRead(3, ts(100))
	require.True(t, done)
	require.True(t, res.Present())
	require.Equal(t, uint64(7), res.Data)
	require.Equal(t, rtio.At(5, 2, testFine), res.Timestamp)

	_, done = core.TryRead(3, ts(100))
	require.False(t, done)

	core.Capture(3, 1, 0)
	core.Capture(3, 2, 0)
	core.Capture(3, 3, 0)

	res, _ = core.TryRead(3, ts(100))
	require.Equal(t, rtio.StatusOverflow, res.Status)
	res, _ = core.TryRead(3, ts(100))
	require.Equal(t, uint64(1), res.Data)
	res, _ = core.TryRead(3, ts(100))
	require.Equal(t, uint64(2), res.Data)

	res, done = core.TryRead(3, ts(5))
	require.True(t, done)
	require.Equal(t, rtio.StatusTimeout, res.Status)
	require.True(t, core.Status().Has(rtio.StatusOverflow))
}

func TestLoopbackCapturesDispatchedOutput(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Channels = []ChannelConfig{
		{ID: 0, Direction: DirOutput, Lane: -1},
		{ID: 1, Direction: DirInput, Lane: -1},
	}
	clock := tsc.New()
	lb := &rtlink.Loopback{Map: map[uint16]uint16{0: 1}}
	core, err := New(cfg, clock, lb)
	require.NoError(t, err)
	lb.Sink = core

	require.True(t, core.Write(0, ts(4), 42).OK())
	step(core, clock, 4+int(cfg.Latency))

	res, done := core.TryRead(1, ts(100))
	require.True(t, done)
	require.Equal(t, uint64(42), res.Data)
	require.Equal(t, uint64(4+cfg.Latency), res.Timestamp.Coarse(cfg.FineBits))
}

type tickWaiter struct {
	core  *Core
	clock *tsc.Counter
	calls int
}

func (w *tickWaiter) WaitTick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.calls++
	w.clock.Advance()
	w.core.Tick()
	return nil
}

func TestReadBlocksUntilDeadline(t *testing.T) {
	testlog.Start(t)
	core, clock, _ := newTestCore(t, nil)
	w := &tickWaiter{core: core, clock: clock}

	res, err := core.Read(context.Background(), 3, ts(6), w)
	require.NoError(t, err)
	require.Equal(t, rtio.StatusTimeout, res.Status)
	require.Equal(t, 6, w.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = core.Read(ctx, 3, ts(100), w)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestResetClearsState(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)

	require.True(t, core.Write(0, ts(10), 1).OK())
	require.Equal(t, rtio.StatusUnderflow, core.Write(1, ts(0), 1))
	core.Capture(3, 1, 0)
	core.SetTime(100)
	require.NotZero(t, clock.Correction())

	core.Reset(true)
	require.Equal(t, rtio.StatusOK, core.Status())
	require.Equal(t, 0, core.Pending())
	require.Zero(t, clock.Correction())
	require.Equal(t, 1, rec.Resets())
	_, done := core.TryRead(3, ts(100))
	require.False(t, done)

	// History cleared: an earlier timestamp is accepted again.
	require.True(t, core.Write(0, ts(5), 1).OK())
	core.Reset(false)
	require.Equal(t, 1, rec.Resets())
}

func TestSetTimeUnderflowsOverdueEvents(t *testing.T) {
	testlog.Start(t)
	core, clock, rec := newTestCore(t, nil)

	require.True(t, core.Write(0, ts(10), 1).OK())
	require.True(t, core.Write(1, ts(50), 2).OK())
	core.SetTime(20)
	require.Equal(t, uint64(20), core.Now())

	step(core, clock, 40)
	evs := rec.Events()
	require.Len(t, evs, 1)
	require.Equal(t, uint64(53), evs[0].Cycle)
	require.True(t, core.Status().Has(rtio.StatusUnderflow))
}
