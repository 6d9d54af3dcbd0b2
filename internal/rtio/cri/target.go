// Package cri implements the common real-time interface: the client-facing
// port, the interconnect shared by several ports and destination routing.
//
// Ownership boundary:
// - channel selection and per-port status
// - arbitration between ports (acquire/release)
// - destination → target resolution through the routing table
package cri

import (
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/sed"
)

// Target is one place a destination's events can be delivered to: the local
// core or a downstream link.
type Target interface {
	Write(ch uint16, ts rtio.Timestamp, data uint64) rtio.Status
	BufferSpace(ch uint16) (int, rtio.Status)
	StartRead(ch uint16, deadline rtio.Timestamp) ReadTicket
}

// ReadTicket is a pending input request. Poll reports done once the read has
// a result.
type ReadTicket interface {
	Poll() (rtio.InputResult, bool)
}

// Resolver maps a destination number to its target.
type Resolver interface {
	Resolve(destination uint8) (Target, rtio.Status)
}

// LocalTarget delivers to a core on this node.
type LocalTarget struct {
	Core *sed.Core
}

func (l LocalTarget) Write(ch uint16, ts rtio.Timestamp, data uint64) rtio.Status {
	return l.Core.Write(ch, ts, data)
}

func (l LocalTarget) BufferSpace(ch uint16) (int, rtio.Status) {
	return l.Core.BufferSpace(ch)
}

func (l LocalTarget) StartRead(ch uint16, deadline rtio.Timestamp) ReadTicket {
	return &localTicket{core: l.Core, ch: ch, deadline: deadline}
}

type localTicket struct {
	core     *sed.Core
	ch       uint16
	deadline rtio.Timestamp
	res      rtio.InputResult
	done     bool
}

func (t *localTicket) Poll() (rtio.InputResult, bool) {
	if !t.done {
		t.res, t.done = t.core.TryRead(t.ch, t.deadline)
	}
	return t.res, t.done
}

// DoneTicket is an already-completed read.
type DoneTicket rtio.InputResult

func (d DoneTicket) Poll() (rtio.InputResult, bool) {
	return rtio.InputResult(d), true
}

// StaticResolver resolves from a fixed map; used by single-node setups.
type StaticResolver map[uint8]Target

func (s StaticResolver) Resolve(destination uint8) (Target, rtio.Status) {
	t, ok := s[destination]
	if !ok {
		return nil, rtio.StatusDestinationUnreachable
	}
	return t, rtio.StatusOK
}

// Downstream is implemented by link targets that carry traffic for several
// destinations. The resolver binds the destination before handing it out.
type Downstream interface {
	ForDestination(destination uint8) Target
}

// RouteResolver resolves through a Router at a fixed rank. Hop 0 is the local
// target; hop k is Links[k-1].
type RouteResolver struct {
	Router *Router
	Rank   uint8
	Local  Target
	Links  []Target
}

func (r *RouteResolver) Resolve(destination uint8) (Target, rtio.Status) {
	hop, ok := r.Router.Hop(destination, r.Rank)
	if !ok {
		return nil, rtio.StatusDestinationUnreachable
	}
	if hop == 0 {
		if r.Local == nil {
			return nil, rtio.StatusDestinationUnreachable
		}
		return r.Local, rtio.StatusOK
	}
	idx := int(hop) - 1
	if idx >= len(r.Links) || r.Links[idx] == nil {
		return nil, rtio.StatusDestinationUnreachable
	}
	if d, ok := r.Links[idx].(Downstream); ok {
		return d.ForDestination(destination), rtio.StatusOK
	}
	return r.Links[idx], rtio.StatusOK
}
