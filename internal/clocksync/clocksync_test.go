package clocksync

import (
	"math"
	"testing"

	"github.com/danmuck/drtio/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestDDMTDResolution(t *testing.T) {
	testlog.Start(t)
	d := NewDDMTD(64, 4, 8, 0, 1)
	for i := 0; i < 200; i++ {
		phase := float64(i) / 200
		est := d.Measure(phase)
		require.LessOrEqual(t, math.Abs(wrap(est-phase)), d.Resolution()+1e-9, "phase %v estimated %v", phase, est)
	}
}

func TestDDMTDDeglitchUnderJitter(t *testing.T) {
	testlog.Start(t)
	d := NewDDMTD(128, 8, 16, 0.002, 3)
	for _, phase := range []float64{0.1, 0.33, 0.5, 0.77, 0.95} {
		est := d.Measure(phase)
		require.LessOrEqual(t, math.Abs(wrap(est-phase)), 3*d.Resolution(), "phase %v estimated %v", phase, est)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Mode = "free"
	require.ErrorIs(t, cfg.Validate(), ErrBadMode)

	cfg = DefaultConfig()
	cfg.Target = 0.02
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.N = 2
	require.Error(t, cfg.Validate())
}

func runUntilLocked(t *testing.T, l *Loop, max int) int {
	t.Helper()
	for i := 0; i < max; i++ {
		if l.Locked() {
			return i
		}
		l.Step()
	}
	require.True(t, l.Locked(), "no lock after %d cycles, phase %v", max, l.Phase())
	return max
}

func TestPLLAcquiresAndTracksDrift(t *testing.T) {
	testlog.Start(t)
	for _, start := range []float64{0, 0.2, 0.49, 0.8, 0.97} {
		cfg := DefaultConfig()
		cfg.InitialPhase = start
		cfg.Drift = 0.0002
		l, err := NewLoop(cfg)
		require.NoError(t, err)

		runUntilLocked(t, l, 2000)
		require.LessOrEqual(t, math.Abs(wrap(l.Phase()-cfg.Target)), cfg.Tolerance+l.det.Resolution())

		// Once locked the synchroniser never samples inside the window.
		l.ClearSelfTestError()
		for i := 0; i < 5000; i++ {
			l.Step()
		}
		require.True(t, l.Locked())
		require.False(t, l.SelfTestError())
		require.NoError(t, l.Err())
	}
}

func TestOneShotShiftsOnceThenValidates(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Mode = ModeOneShot
	cfg.InitialPhase = 0.3
	l, err := NewLoop(cfg)
	require.NoError(t, err)

	runUntilLocked(t, l, 2000)
	require.Equal(t, uint64(1), l.Stats().Adjustments)

	for i := 0; i < 1000; i++ {
		l.Step()
	}
	require.True(t, l.Locked())
	require.Equal(t, uint64(1), l.Stats().Adjustments)
}

func TestSelfTestMismatchIsStickyAndUnlocks(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Mode = ModeOneShot
	cfg.InitialPhase = 0.5
	l, err := NewLoop(cfg)
	require.NoError(t, err)
	runUntilLocked(t, l, 2000)
	require.False(t, l.SelfTestError())

	// Move the recovered edge onto the sampling edge.
	l.Perturb(wrap(-l.Phase()))
	l.Step()
	require.True(t, l.SelfTestError())
	require.False(t, l.Locked())
	require.ErrorIs(t, l.Err(), ErrSelfTest)
	require.Equal(t, uint64(1), l.Stats().Unlocks)

	// Correction re-engages and lock returns; the flag stays until cleared.
	runUntilLocked(t, l, 2000)
	require.True(t, l.SelfTestError())
	l.ClearSelfTestError()
	require.NoError(t, l.Err())
}

func TestUnlockLimitTrips(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.InitialPhase = 0.5
	cfg.MaxUnlocks = 2
	l, err := NewLoop(cfg)
	require.NoError(t, err)

	var trips []error
	l.OnUnlockLimit(func(err error) { trips = append(trips, err) })

	for i := 0; i < cfg.MaxUnlocks; i++ {
		runUntilLocked(t, l, 2000)
		l.Perturb(wrap(-l.Phase()))
		l.Step()
		require.False(t, l.Locked())
	}
	require.Len(t, trips, 1)
	require.ErrorIs(t, trips[0], ErrUnlockLimit)
	require.True(t, l.Tripped())
	require.ErrorIs(t, l.Err(), ErrUnlockLimit)

	l.Relock()
	require.False(t, l.Tripped())
	runUntilLocked(t, l, 2000)
}

func TestStableLockResetsUnlockRun(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.InitialPhase = 0.5
	cfg.MaxUnlocks = 2
	cfg.StableAfter = 100
	l, err := NewLoop(cfg)
	require.NoError(t, err)
	tripped := false
	l.OnUnlockLimit(func(error) { tripped = true })

	for i := 0; i < 4; i++ {
		runUntilLocked(t, l, 2000)
		for j := 0; j < 200; j++ {
			l.Step()
		}
		l.Perturb(wrap(-l.Phase()))
		l.Step()
	}
	require.False(t, tripped)
	require.Equal(t, uint64(4), l.Stats().Unlocks)
}
