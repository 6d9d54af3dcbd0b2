// Package sed implements the RTIO core: staggered event dispatch for outputs
// and timestamped capture for inputs.
//
// Ownership boundary:
// - per-channel submission checks (underflow, sequence, collision, replace)
// - lane queues and the fixed-latency delay line
// - input FIFOs and sticky client-error bits
//
// Every output event reaches its PHY exactly Latency cycles after the coarse
// cycle of its timestamp. Tick must be called once per coarse cycle, after the
// core's TSC advanced.
package sed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/drtio/internal/observability"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/danmuck/drtio/internal/rtio/tsc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoLanes          = errors.New("sed: at least one lane required")
	ErrInvalidLaneDepth = errors.New("sed: lane depth must be positive")
	ErrDuplicateChannel = errors.New("sed: duplicate channel")
	ErrInvalidLane      = errors.New("sed: channel lane out of range")
	ErrInvalidDirection = errors.New("sed: channel has no direction")
	ErrFineBits         = errors.New("sed: fine bits out of range")
)

type Direction uint8

const (
	DirOutput Direction = 1 << iota
	DirInput
	DirBoth = DirOutput | DirInput
)

func (d Direction) String() string {
	switch d {
	case DirOutput:
		return "output"
	case DirInput:
		return "input"
	case DirBoth:
		return "inout"
	default:
		return "none"
	}
}

// ChannelConfig is the static description of one local channel.
type ChannelConfig struct {
	ID        uint16
	Direction Direction
	// Lane binds the channel to a lane; negative means ID % Lanes.
	Lane int
	// Width is the payload width in bits; data above it is masked. 0 means 64.
	Width uint
	// Replace lets a write at the same timestamp supersede a queued event.
	Replace bool
	// InputDepth overrides Config.InputDepth when positive.
	InputDepth int
}

// Config sizes a core. Latency is the fixed number of cycles between the
// coarse cycle of a timestamp and the PHY observing the event.
type Config struct {
	Name       string
	Lanes      int
	LaneDepth  int
	Latency    uint64
	FineBits   uint
	InputDepth int
	Channels   []ChannelConfig
}

func DefaultConfig() Config {
	return Config{
		Name:       "rtio",
		Lanes:      8,
		LaneDepth:  128,
		Latency:    3,
		FineBits:   3,
		InputDepth: 64,
	}
}

func (c Config) Validate() error {
	if c.Lanes <= 0 {
		return ErrNoLanes
	}
	if c.LaneDepth <= 0 {
		return ErrInvalidLaneDepth
	}
	if c.FineBits > 16 {
		return ErrFineBits
	}
	seen := make(map[uint16]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if _, ok := seen[ch.ID]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateChannel, ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if ch.Direction&DirBoth == 0 {
			return fmt.Errorf("%w: %d", ErrInvalidDirection, ch.ID)
		}
		if ch.Lane >= c.Lanes {
			return fmt.Errorf("%w: channel=%d lane=%d", ErrInvalidLane, ch.ID, ch.Lane)
		}
	}
	return nil
}

// ErrorInfo describes the most recent sticky client error.
type ErrorInfo struct {
	Status    rtio.Status
	Channel   uint16
	Timestamp rtio.Timestamp
}

// Stats are monotone counters of core activity.
type Stats struct {
	Written        uint64
	Replaced       uint64
	Dispatched     uint64
	Underflows     uint64
	SequenceErrors uint64
	Collisions     uint64
	Busy           uint64
	Captured       uint64
	InputOverflows uint64
	Resets         uint64
}

type channelState struct {
	cfg     ChannelConfig
	lane    int
	mask    uint64
	last    rtio.Timestamp
	hasLast bool
	input   *inputFIFO
}

type inputFIFO struct {
	events   []rtlink.InputEvent
	depth    int
	overflow bool
}

type delayed struct {
	emit uint64
	ev   entry
}

// Core is one RTIO core bound to a TSC and a PHY.
type Core struct {
	mu       sync.Mutex
	cfg      Config
	clock    *tsc.Counter
	phy      rtlink.OutputPHY
	channels map[uint16]*channelState
	lanes    []*lane
	delay    []delayed
	seq      uint64
	sticky   rtio.Status
	lastErr  ErrorInfo
	stats    Stats
	log      zerolog.Logger
}

func New(cfg Config, clock *tsc.Counter, phy rtlink.OutputPHY) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = tsc.New()
	}
	c := &Core{
		cfg:      cfg,
		clock:    clock,
		phy:      phy,
		channels: make(map[uint16]*channelState, len(cfg.Channels)),
		lanes:    make([]*lane, cfg.Lanes),
		log:      log.Logger.With().Str("core", cfg.Name).Logger(),
	}
	for i := range c.lanes {
		c.lanes[i] = newLane(cfg.LaneDepth)
	}
	for _, ch := range cfg.Channels {
		st := &channelState{cfg: ch, lane: ch.Lane, mask: ^uint64(0)}
		if st.lane < 0 {
			st.lane = int(ch.ID) % cfg.Lanes
		}
		if ch.Width > 0 && ch.Width < 64 {
			st.mask = uint64(1)<<ch.Width - 1
		}
		if ch.Direction&DirInput != 0 {
			depth := cfg.InputDepth
			if ch.InputDepth > 0 {
				depth = ch.InputDepth
			}
			if depth <= 0 {
				depth = 1
			}
			st.input = &inputFIFO{events: make([]rtlink.InputEvent, 0, depth), depth: depth}
		}
		c.channels[ch.ID] = st
	}
	return c, nil
}

func (c *Core) Config() Config {
	return c.cfg
}

// Clock exposes the TSC this core dispatches against.
func (c *Core) Clock() *tsc.Counter {
	return c.clock
}

// Now returns the current coarse cycle.
func (c *Core) Now() uint64 {
	return c.clock.Now()
}

// Latency is the documented fixed dispatch latency in cycles.
func (c *Core) Latency() uint64 {
	return c.cfg.Latency
}

func (c *Core) FineBits() uint {
	return c.cfg.FineBits
}

// Write submits one output event. It never blocks; a full lane reports Busy.
func (c *Core) Write(ch uint16, ts rtio.Timestamp, data uint64) rtio.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.channels[ch]
	if !ok || st.cfg.Direction&DirOutput == 0 {
		return rtio.StatusDestinationUnreachable
	}
	data &= st.mask

	if ts.Coarse(c.cfg.FineBits) <= c.clock.Now() {
		c.stats.Underflows++
		return c.raise(rtio.StatusUnderflow, ch, ts)
	}

	if st.hasLast {
		switch {
		case ts < st.last:
			c.stats.SequenceErrors++
			return c.raise(rtio.StatusSequenceError, ch, ts)
		case ts == st.last:
			if st.cfg.Replace {
				if e := c.lanes[st.lane].find(ch, ts); e != nil {
					e.data = data
					c.stats.Replaced++
					return rtio.StatusOK
				}
			}
			c.stats.SequenceErrors++
			return c.raise(rtio.StatusSequenceError, ch, ts)
		case ts.Coarse(c.cfg.FineBits) == st.last.Coarse(c.cfg.FineBits):
			c.stats.Collisions++
			return c.raise(rtio.StatusCollision, ch, ts)
		}
	}

	c.seq++
	if !c.lanes[st.lane].push(entry{channel: ch, timestamp: ts, data: data, seq: c.seq}) {
		c.stats.Busy++
		return c.raise(rtio.StatusBusy, ch, ts)
	}
	st.last = ts
	st.hasLast = true
	c.stats.Written++
	return rtio.StatusOK
}

// raise records a sticky client error and returns it as the write status.
// Caller holds c.mu.
func (c *Core) raise(s rtio.Status, ch uint16, ts rtio.Timestamp) rtio.Status {
	c.sticky |= s
	c.lastErr = ErrorInfo{Status: s, Channel: ch, Timestamp: ts}
	observability.RecordStatus(c.cfg.Name, s.Names())
	c.log.Debug().
		Str("status", s.String()).
		Uint16("channel", ch).
		Uint64("timestamp", uint64(ts)).
		Uint64("now", c.clock.Now()).
		Msg("sed.Core.raise")
	return s
}

// Tick runs one dispatch cycle at the current TSC value. PHY callbacks run
// after the core lock is released so a PHY may feed inputs back.
func (c *Core) Tick() {
	c.mu.Lock()
	now := c.clock.Now()
	var out []rtlink.OutputEvent

	n := 0
	for n < len(c.delay) && c.delay[n].emit <= now {
		d := c.delay[n]
		n++
		if d.emit < now {
			// TSC jumped forward past the emission cycle.
			c.stats.Underflows++
			c.raise(rtio.StatusUnderflow, d.ev.channel, d.ev.timestamp)
			continue
		}
		out = c.emit(out, d.ev, now)
	}
	if n > 0 {
		c.delay = append(c.delay[:0], c.delay[n:]...)
	}

	for _, l := range c.lanes {
		for {
			h, ok := l.head()
			if !ok {
				break
			}
			due := h.timestamp.Coarse(c.cfg.FineBits)
			if due > now {
				break
			}
			l.pop()
			if due < now {
				c.stats.Underflows++
				c.raise(rtio.StatusUnderflow, h.channel, h.timestamp)
				continue
			}
			if c.cfg.Latency == 0 {
				out = c.emit(out, h, now)
				continue
			}
			c.delay = append(c.delay, delayed{emit: now + c.cfg.Latency, ev: h})
		}
	}
	c.mu.Unlock()

	observability.RecordDispatch(c.cfg.Name, len(out))
	if c.phy == nil {
		return
	}
	for _, ev := range out {
		c.phy.Output(ev)
	}
}

func (c *Core) emit(out []rtlink.OutputEvent, e entry, now uint64) []rtlink.OutputEvent {
	c.stats.Dispatched++
	return append(out, rtlink.OutputEvent{
		Channel:   e.channel,
		Data:      e.data,
		Timestamp: e.timestamp,
		Cycle:     now,
	})
}

// Pending returns the number of queued and in-flight output events.
func (c *Core) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.delay)
	for _, l := range c.lanes {
		n += len(l.items)
	}
	return n
}

// BufferSpace returns the free slots of the lane ch is bound to. The lane is
// shared with other channels, so the value is a lower bound for ch.
func (c *Core) BufferSpace(ch uint16) (int, rtio.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[ch]
	if !ok || st.cfg.Direction&DirOutput == 0 {
		return 0, rtio.StatusDestinationUnreachable
	}
	return c.lanes[st.lane].free(), rtio.StatusOK
}

// Lane returns the lane index ch is bound to.
func (c *Core) Lane(ch uint16) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[ch]
	if !ok {
		return 0, false
	}
	return st.lane, true
}

// Capture timestamps an input event on arrival and queues it.
func (c *Core) Capture(ch uint16, data uint64, fine uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[ch]
	if !ok || st.input == nil {
		c.log.Debug().Uint16("channel", ch).Msg("sed.Core.Capture dropped non-input channel")
		return
	}
	in := st.input
	if len(in.events) >= in.depth {
		in.overflow = true
		c.stats.InputOverflows++
		c.raise(rtio.StatusOverflow, ch, rtio.At(c.clock.Now(), fine, c.cfg.FineBits))
		return
	}
	in.events = append(in.events, rtlink.InputEvent{
		Data:      data & st.mask,
		Timestamp: rtio.At(c.clock.Now(), fine, c.cfg.FineBits),
	})
	c.stats.Captured++
}

// TryRead returns the next input of ch. done is false while no event is
// available and the deadline has not passed. A pending overflow is reported
// once, before any further event.
func (c *Core) TryRead(ch uint16, deadline rtio.Timestamp) (rtio.InputResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[ch]
	if !ok || st.input == nil {
		return rtio.InputResult{Status: rtio.StatusDestinationUnreachable}, true
	}
	in := st.input
	if in.overflow {
		in.overflow = false
		return rtio.InputResult{Status: rtio.StatusOverflow}, true
	}
	if len(in.events) > 0 {
		ev := in.events[0]
		copy(in.events, in.events[1:])
		in.events = in.events[:len(in.events)-1]
		return rtio.InputResult{Data: ev.Data, Timestamp: ev.Timestamp}, true
	}
	if c.clock.Now() >= deadline.Coarse(c.cfg.FineBits) {
		return rtio.InputResult{Status: rtio.StatusTimeout}, true
	}
	return rtio.InputResult{}, false
}

// Read blocks until an input of ch is available, the deadline passes or ctx
// ends. w is signalled by whoever drives Tick.
func (c *Core) Read(ctx context.Context, ch uint16, deadline rtio.Timestamp, w rtio.Waiter) (rtio.InputResult, error) {
	for {
		res, done := c.TryRead(ch, deadline)
		if done {
			return res, nil
		}
		if err := w.WaitTick(ctx); err != nil {
			return rtio.InputResult{}, err
		}
	}
}

// Status returns the sticky client-error bits.
func (c *Core) Status() rtio.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sticky
}

// LastError returns the most recent sticky error and whether one is set.
func (c *Core) LastError() (ErrorInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr, c.sticky != 0
}

// ClearStatus acknowledges the given sticky bits.
func (c *Core) ClearStatus(mask rtio.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sticky &^= mask
	if c.sticky == 0 {
		c.lastErr = ErrorInfo{}
	}
}

func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reset drops all queued and in-flight events, input FIFOs, sticky bits and
// per-channel history, and clears the TSC correction. phy also resets PHYs.
func (c *Core) Reset(phy bool) {
	c.mu.Lock()
	for _, l := range c.lanes {
		l.clear()
	}
	c.delay = c.delay[:0]
	for _, st := range c.channels {
		st.hasLast = false
		st.last = 0
		if st.input != nil {
			st.input.events = st.input.events[:0]
			st.input.overflow = false
		}
	}
	c.sticky = 0
	c.lastErr = ErrorInfo{}
	c.clock.ClearCorrection()
	c.stats.Resets++
	c.mu.Unlock()

	if phy {
		if r, ok := c.phy.(rtlink.Resetter); ok {
			r.ResetPHY()
		}
	}
	c.log.Info().Bool("phy", phy).Uint64("now", c.clock.Now()).Msg("sed.Core.Reset")
}

// SetTime sets the TSC with dispatch quiesced. Events already queued keep
// their timestamps; those that became overdue underflow on the next Tick.
func (c *Core) SetTime(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.clock.Now()
	c.clock.Set(v)
	c.log.Debug().Uint64("from", prev).Uint64("to", v).Msg("sed.Core.SetTime")
}
