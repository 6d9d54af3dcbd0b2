package rtio

import "strings"

// Status is the CRI status bitmask. Zero means success.
type Status uint16

const (
	StatusBusy Status = 1 << iota
	StatusUnderflow
	StatusSequenceError
	StatusCollision
	StatusDestinationUnreachable
	StatusOverflow
	StatusTimeout
)

// StatusOK is the empty bitmask.
const StatusOK Status = 0

// StickyMask holds the bits a core keeps until they are acknowledged.
const StickyMask = StatusUnderflow | StatusSequenceError | StatusCollision | StatusBusy | StatusOverflow

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusBusy, "busy"},
	{StatusUnderflow, "underflow"},
	{StatusSequenceError, "sequence_error"},
	{StatusCollision, "collision"},
	{StatusDestinationUnreachable, "destination_unreachable"},
	{StatusOverflow, "overflow"},
	{StatusTimeout, "timeout"},
}

func (s Status) OK() bool {
	return s == 0
}

func (s Status) Has(bit Status) bool {
	return s&bit != 0
}

// Names lists the set bits in declaration order.
func (s Status) Names() []string {
	out := make([]string, 0, 2)
	for _, n := range statusNames {
		if s&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	return strings.Join(s.Names(), "|")
}

// InputResult is the outcome of one input read.
type InputResult struct {
	Status    Status
	Data      uint64
	Timestamp Timestamp
}

// Present reports whether the result carries an input event.
func (r InputResult) Present() bool {
	return r.Status == 0
}
