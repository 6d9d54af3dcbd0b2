package cri

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/drtio/internal/rtio"
)

var (
	ErrHeld         = errors.New("cri: interconnect held by another port")
	ErrNotHolder    = errors.New("cri: port does not hold the interconnect")
	ErrNoReadActive = errors.New("cri: no input request outstanding")
)

// Interconnect arbitrates CRI ports in front of one resolver. While a port
// holds it, every other port gets Busy; nothing is dropped silently.
type Interconnect struct {
	mu       sync.Mutex
	resolver Resolver
	holder   *Port
}

func NewInterconnect(resolver Resolver) *Interconnect {
	return &Interconnect{resolver: resolver}
}

// Port opens a new client port.
func (ic *Interconnect) Port(name string) *Port {
	return &Port{ic: ic, name: name}
}

// Acquire gives p exclusive use of the interconnect.
func (ic *Interconnect) Acquire(p *Port) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.holder != nil && ic.holder != p {
		return ErrHeld
	}
	ic.holder = p
	return nil
}

func (ic *Interconnect) Release(p *Port) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.holder != p {
		return ErrNotHolder
	}
	ic.holder = nil
	return nil
}

// Holder returns the name of the holding port, or "".
func (ic *Interconnect) Holder() string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.holder == nil {
		return ""
	}
	return ic.holder.name
}

// route resolves ch for p, honouring arbitration.
func (ic *Interconnect) route(p *Port, ch rtio.Channel) (Target, rtio.Status) {
	ic.mu.Lock()
	held := ic.holder != nil && ic.holder != p
	ic.mu.Unlock()
	if held {
		return nil, rtio.StatusBusy
	}
	return ic.resolver.Resolve(ch.Destination())
}

// Port is one client's CRI surface. A port is used by a single goroutine.
type Port struct {
	ic      *Interconnect
	name    string
	channel rtio.Channel
	status  rtio.Status
	ticket  ReadTicket
}

func (p *Port) Name() string {
	return p.name
}

func (p *Port) Acquire() error {
	return p.ic.Acquire(p)
}

func (p *Port) Release() error {
	return p.ic.Release(p)
}

// SelectChannel sets the routed channel used by subsequent operations.
func (p *Port) SelectChannel(ch rtio.Channel) {
	p.channel = ch
}

func (p *Port) Channel() rtio.Channel {
	return p.channel
}

// Status returns the status of the last operation.
func (p *Port) Status() rtio.Status {
	return p.status
}

func (p *Port) Write(ts rtio.Timestamp, data uint64) rtio.Status {
	t, st := p.ic.route(p, p.channel)
	if st.OK() {
		st = t.Write(p.channel.Local(), ts, data)
	}
	p.status = st
	return st
}

// BufferSpace reports the free slots at the selected channel's destination.
func (p *Port) BufferSpace() (int, rtio.Status) {
	t, st := p.ic.route(p, p.channel)
	if !st.OK() {
		p.status = st
		return 0, st
	}
	n, st := t.BufferSpace(p.channel.Local())
	p.status = st
	return n, st
}

// InputRequest starts a read of the selected channel that completes by
// deadline at the latest.
func (p *Port) InputRequest(deadline rtio.Timestamp) rtio.Status {
	t, st := p.ic.route(p, p.channel)
	if !st.OK() {
		p.ticket = DoneTicket(rtio.InputResult{Status: st})
		p.status = st
		return st
	}
	p.ticket = t.StartRead(p.channel.Local(), deadline)
	p.status = rtio.StatusOK
	return rtio.StatusOK
}

// InputPoll checks the outstanding input request.
func (p *Port) InputPoll() (rtio.InputResult, bool, error) {
	if p.ticket == nil {
		return rtio.InputResult{}, false, ErrNoReadActive
	}
	res, done := p.ticket.Poll()
	if done {
		p.ticket = nil
		p.status = res.Status
	}
	return res, done, nil
}

// Read issues an input request and waits for its result.
func (p *Port) Read(ctx context.Context, deadline rtio.Timestamp, w rtio.Waiter) (rtio.InputResult, error) {
	p.InputRequest(deadline)
	for {
		res, done, err := p.InputPoll()
		if err != nil {
			return rtio.InputResult{}, err
		}
		if done {
			return res, nil
		}
		if err := w.WaitTick(ctx); err != nil {
			p.ticket = nil
			return rtio.InputResult{}, err
		}
	}
}
