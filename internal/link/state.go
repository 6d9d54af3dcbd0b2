// Package link implements one end of a DRTIO serial link: framing onto a
// transport, the bring-up state machine, the clock-domain handoff of received
// frames, the unacknowledged data plane and the acknowledged aux plane.
//
// Ownership boundary:
// - link state (DOWN, ALIGNING, UP, READY) and its transitions
// - rx handoff buffer and per-link counters
// - aux request/response matching, retries and the duplicate reply cache
//
// An Endpoint is driven by Tick once per local cycle from the owning node's
// dispatch loop; it is not safe for concurrent use except where noted.
package link

import "fmt"

type State uint8

const (
	StateDown State = iota
	StateAligning
	StateUp
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateAligning:
		return "aligning"
	case StateUp:
		return "up"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// End tells which side of a link an endpoint sits on. A downlink faces a
// satellite further from the master and initiates LINK_INIT; an uplink faces
// the master and recovers its clock from the link.
type End uint8

const (
	EndDownlink End = iota
	EndUplink
)

func (e End) String() string {
	if e == EndUplink {
		return "uplink"
	}
	return "downlink"
}

// ClockGate reports whether the local clock is phase-locked to the link.
type ClockGate interface {
	Locked() bool
}

// AlwaysLocked is a ClockGate for ends that do not recover a clock.
type AlwaysLocked struct{}

func (AlwaysLocked) Locked() bool { return true }
