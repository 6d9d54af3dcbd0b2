package clocksync

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/danmuck/drtio/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode selects how the phase shifter is driven.
type Mode string

const (
	// ModePLL runs a continuous PI loop on the phase shifter.
	ModePLL Mode = "pll"
	// ModeOneShot measures once, shifts, then only validates.
	ModeOneShot Mode = "oneshot"
)

var (
	ErrBadMode       = errors.New("clocksync: unknown mode")
	ErrSelfTest      = errors.New("clocksync: synchroniser self-test mismatch")
	ErrUnlockLimit   = errors.New("clocksync: too many consecutive unlocks")
	errBadResolution = errors.New("clocksync: helper ratio must be at least 4")
)

// Config sizes the loop. Durations are local coarse cycles.
type Config struct {
	Node string
	Mode Mode
	// N is the DDMTD helper ratio; phase resolution is 1/N.
	N        int
	Periods  int
	Deglitch int
	Jitter   float64
	// MeasureEvery is the number of cycles between phase measurements.
	MeasureEvery uint64
	// Target is the desired recovered phase, away from the sampling edge.
	Target    float64
	Tolerance float64
	Kp        float64
	Ki        float64
	// LockCount consecutive in-tolerance measurements declare lock.
	LockCount int
	// Window is the full width of the synchroniser setup/hold window,
	// centred on the sampling edge at phase 0.
	Window float64
	// MaxUnlocks consecutive losses of lock trip the unlock limit.
	MaxUnlocks int
	// StableAfter cycles of continuous lock reset the unlock run.
	StableAfter uint64
	// Drift is the recovered clock phase wander per cycle.
	Drift float64
	// InitialPhase is the raw recovered phase at start; negative draws one.
	InitialPhase float64
	Seed         int64
}

func DefaultConfig() Config {
	return Config{
		Node:         "node",
		Mode:         ModePLL,
		N:            64,
		Periods:      4,
		Deglitch:     8,
		MeasureEvery: 16,
		Target:       0.5,
		Tolerance:    2.0 / 64,
		Kp:           0.5,
		Ki:           0.05,
		LockCount:    4,
		Window:       0.1,
		MaxUnlocks:   3,
		StableAfter:  1024,
		InitialPhase: -1,
		Seed:         1,
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePLL, ModeOneShot:
	default:
		return fmt.Errorf("%w: %q", ErrBadMode, c.Mode)
	}
	if c.N < 4 {
		return errBadResolution
	}
	if c.MeasureEvery == 0 {
		return errors.New("clocksync: measure interval must be positive")
	}
	if c.LockCount <= 0 {
		return errors.New("clocksync: lock count must be positive")
	}
	if c.Tolerance <= 0 || c.Tolerance >= 0.5 {
		return fmt.Errorf("clocksync: tolerance %v outside (0, 0.5)", c.Tolerance)
	}
	if c.Window < 0 || c.Window >= 1 {
		return fmt.Errorf("clocksync: window %v outside [0, 1)", c.Window)
	}
	if d := math.Abs(wrap(c.Target)); d <= c.Window/2+c.Tolerance {
		return fmt.Errorf("clocksync: target %v within the setup/hold window", c.Target)
	}
	return nil
}

// Stats are monotone loop counters.
type Stats struct {
	Measurements       uint64  `json:"measurements"`
	Adjustments        uint64  `json:"adjustments"`
	Locks              uint64  `json:"locks"`
	Unlocks            uint64  `json:"unlocks"`
	SelfTestMismatches uint64  `json:"self_test_mismatches"`
	LastError          float64 `json:"last_error"`
}

// Loop aligns one recovered clock. It implements link.ClockGate.
// Step and the accessors run on the owning dispatch loop.
type Loop struct {
	cfg Config
	det *DDMTD
	log zerolog.Logger

	raw      float64
	shift    float64
	integ    float64
	now      uint64
	inTol    int
	locked   bool
	lockedAt uint64
	settled  bool
	unlocks  int
	sticky   bool
	tripped  bool

	onTrip func(error)
	stats  Stats
}

func NewLoop(cfg Config) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	raw := cfg.InitialPhase
	if raw < 0 {
		raw = rng.Float64()
	}
	return &Loop{
		cfg: cfg,
		det: NewDDMTD(cfg.N, cfg.Periods, cfg.Deglitch, cfg.Jitter, rng.Int63()),
		log: log.Logger.With().Str("node", cfg.Node).Str("component", "clocksync").Logger(),
		raw: frac(raw),
	}, nil
}

// OnUnlockLimit registers fn to run once when MaxUnlocks consecutive losses
// of lock occur. The owner uses it to force the uplink down.
func (l *Loop) OnUnlockLimit(fn func(error)) {
	l.onTrip = fn
}

func (l *Loop) Config() Config { return l.cfg }

func (l *Loop) Locked() bool { return l.locked }

// Phase is the effective recovered phase seen by the synchroniser.
func (l *Loop) Phase() float64 { return frac(l.raw + l.shift) }

func (l *Loop) Shift() float64 { return frac(l.shift) }

func (l *Loop) Stats() Stats { return l.stats }

// SelfTestError reports the sticky self-test flag.
func (l *Loop) SelfTestError() bool { return l.sticky }

func (l *Loop) ClearSelfTestError() { l.sticky = false }

// Err summarises the error state: the unlock limit, then the sticky
// self-test flag.
func (l *Loop) Err() error {
	switch {
	case l.tripped:
		return fmt.Errorf("%w: %d", ErrUnlockLimit, l.unlocks)
	case l.sticky:
		return ErrSelfTest
	}
	return nil
}

// Tripped reports whether the unlock limit has been reached since the last
// Relock.
func (l *Loop) Tripped() bool { return l.tripped }

// Perturb moves the raw recovered phase, as a re-lock of the link CDR would.
func (l *Loop) Perturb(delta float64) {
	l.raw = frac(l.raw + delta)
}

// Relock restarts acquisition after the owner handled a trip.
func (l *Loop) Relock() {
	l.tripped = false
	l.unlocks = 0
	l.inTol = 0
	l.integ = 0
	l.settled = false
	l.locked = false
}

// Step advances the loop by one cycle: drift, self-test sample and, every
// MeasureEvery cycles, one phase measurement and correction.
func (l *Loop) Step() {
	l.now++
	if l.cfg.Drift != 0 {
		l.raw = frac(l.raw + l.cfg.Drift)
	}

	if l.selfTestMismatch() {
		l.stats.SelfTestMismatches++
		observability.RecordClockError(l.cfg.Node, "self_test")
		if !l.sticky {
			l.log.Warn().Float64("phase", l.Phase()).Msg("clocksync.Loop.Step self-test mismatch")
		}
		l.sticky = true
		l.settled = false
		if l.locked {
			l.unlock("self-test")
		}
	}

	if l.locked && !l.tripped && l.unlocks > 0 && l.now-l.lockedAt >= l.cfg.StableAfter {
		l.unlocks = 0
	}

	if l.now%l.cfg.MeasureEvery == 0 {
		l.measure()
	}
}

// selfTestMismatch samples the toggle pattern through the synchroniser.
// The sample is unreliable inside the window around the sampling edge.
func (l *Loop) selfTestMismatch() bool {
	if l.cfg.Window == 0 {
		return false
	}
	return math.Abs(wrap(l.Phase())) < l.cfg.Window/2
}

func (l *Loop) measure() {
	est := l.det.Measure(l.Phase())
	e := wrap(l.cfg.Target - est)
	l.stats.Measurements++
	l.stats.LastError = e

	switch l.cfg.Mode {
	case ModePLL:
		l.integ += e
		l.adjust(l.cfg.Kp*e + l.cfg.Ki*l.integ)
	case ModeOneShot:
		if !l.settled {
			l.adjust(e)
			l.settled = true
			// The correction is validated by the next measurement.
			l.inTol = 0
			return
		}
	}

	if math.Abs(e) <= l.cfg.Tolerance {
		l.inTol++
		if !l.locked && l.inTol >= l.cfg.LockCount {
			l.locked = true
			l.lockedAt = l.now
			l.stats.Locks++
			l.log.Info().Float64("phase", l.Phase()).Float64("error", e).Msg("clocksync.Loop.measure locked")
		}
		return
	}
	l.inTol = 0
	if l.cfg.Mode == ModeOneShot {
		l.settled = false
	}
	if l.locked {
		l.unlock("phase error")
	}
}

func (l *Loop) adjust(delta float64) {
	if delta == 0 {
		return
	}
	l.shift = frac(l.shift + delta)
	l.stats.Adjustments++
}

func (l *Loop) unlock(reason string) {
	l.locked = false
	l.inTol = 0
	l.unlocks++
	l.stats.Unlocks++
	observability.RecordClockError(l.cfg.Node, "unlock")
	l.log.Warn().Str("reason", reason).Int("run", l.unlocks).Msg("clocksync.Loop.unlock")
	if l.cfg.MaxUnlocks > 0 && l.unlocks >= l.cfg.MaxUnlocks && !l.tripped {
		l.tripped = true
		err := fmt.Errorf("%w: %d (%s)", ErrUnlockLimit, l.unlocks, reason)
		if l.onTrip != nil {
			l.onTrip(err)
		}
	}
}
