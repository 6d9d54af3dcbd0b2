// Package rtlink defines the uniform event contract between the RTIO core and
// device PHYs. Device drivers live below it and only see these shapes.
package rtlink

import (
	"sync"

	"github.com/danmuck/drtio/internal/rtio"
)

// OutputEvent is what a PHY receives when the core dispatches an event.
// Cycle is the coarse cycle of the local TSC at which the PHY saw it.
type OutputEvent struct {
	Channel   uint16
	Data      uint64
	Timestamp rtio.Timestamp
	Cycle     uint64
}

// InputEvent is what a PHY hands to the core. Timestamp is filled by the core
// on arrival; Overflow is reported by the core when the channel FIFO spilled.
type InputEvent struct {
	Data      uint64
	Timestamp rtio.Timestamp
	Overflow  bool
}

// OutputPHY consumes dispatched output events.
type OutputPHY interface {
	Output(ev OutputEvent)
}

// InputSink is implemented by the core; PHYs push captured inputs into it.
// fine is the sub-cycle arrival position.
type InputSink interface {
	Capture(channel uint16, data uint64, fine uint64)
}

// Resetter is implemented by PHYs that support reset_phy.
type Resetter interface {
	ResetPHY()
}

// Recorder is an OutputPHY that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []OutputEvent
	resets int
}

func NewRecorder() *Recorder {
	return &Recorder{events: make([]OutputEvent, 0, 16)}
}

func (r *Recorder) Output(ev OutputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in dispatch order.
func (r *Recorder) Events() []OutputEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutputEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ForChannel returns the recorded events of one channel.
func (r *Recorder) ForChannel(ch uint16) []OutputEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutputEvent, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Channel == ch {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}

func (r *Recorder) ResetPHY() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *Recorder) Resets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

// Loopback wires output channels back to input channels of the same core,
// like a cable between two TTL connectors. Unmapped channels fall through to
// Next when it is set.
type Loopback struct {
	Sink InputSink
	Map  map[uint16]uint16
	Next OutputPHY
}

func (l *Loopback) Output(ev OutputEvent) {
	if in, ok := l.Map[ev.Channel]; ok && l.Sink != nil {
		l.Sink.Capture(in, ev.Data, 0)
	}
	if l.Next != nil {
		l.Next.Output(ev)
	}
}

func (l *Loopback) ResetPHY() {
	if r, ok := l.Next.(Resetter); ok {
		r.ResetPHY()
	}
}
