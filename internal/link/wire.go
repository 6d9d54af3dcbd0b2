package link

import (
	"errors"
	"math/rand"
	"sync"
)

var ErrClosed = errors.New("link: transport closed")

// Transport carries whole frames between two link ends.
type Transport interface {
	// Send queues one encoded frame towards the peer.
	Send(b []byte) error
	// Receive appends the frames delivered so far to dst and returns it.
	// It never blocks.
	Receive(dst [][]byte) [][]byte
	Close() error
}

// WireConfig shapes a simulated wire.
type WireConfig struct {
	// Delay is the propagation delay in wire cycles; values below 1 become 1.
	Delay uint64
	// BitErrorRate is the probability that a frame gets one flipped bit.
	BitErrorRate float64
	Seed         int64
}

// SimWire is a full-duplex simulated cable with a fixed propagation delay.
// The wire has its own cycle counter advanced by Tick.
type SimWire struct {
	mu    sync.Mutex
	cfg   WireConfig
	now   uint64
	cut   bool
	rng   *rand.Rand
	ends  [2]*WireEnd
	flips uint64
}

type inflight struct {
	arrive uint64
	raw    []byte
}

// WireEnd is one side of a SimWire and implements Transport.
type WireEnd struct {
	w      *SimWire
	side   int
	queue  []inflight // frames travelling towards this end
	closed bool
}

func NewSimWire(cfg WireConfig) *SimWire {
	if cfg.Delay < 1 {
		cfg.Delay = 1
	}
	w := &SimWire{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	w.ends[0] = &WireEnd{w: w, side: 0}
	w.ends[1] = &WireEnd{w: w, side: 1}
	return w
}

// A is the end usually attached to the node closer to the master.
func (w *SimWire) A() *WireEnd { return w.ends[0] }

func (w *SimWire) B() *WireEnd { return w.ends[1] }

// Tick advances the wire by one cycle.
func (w *SimWire) Tick() {
	w.mu.Lock()
	w.now++
	w.mu.Unlock()
}

func (w *SimWire) Delay() uint64 {
	return w.cfg.Delay
}

// Cut breaks the cable: frames in flight and frames sent while cut are lost.
func (w *SimWire) Cut() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cut = true
	for _, e := range w.ends {
		e.queue = e.queue[:0]
	}
}

func (w *SimWire) Restore() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cut = false
}

func (w *SimWire) IsCut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cut
}

// SetBitErrorRate changes the corruption probability for new frames.
func (w *SimWire) SetBitErrorRate(p float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg.BitErrorRate = p
}

// Flips returns the number of frames corrupted so far.
func (w *SimWire) Flips() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flips
}

func (e *WireEnd) peer() *WireEnd {
	return e.w.ends[1-e.side]
}

func (e *WireEnd) Send(b []byte) error {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if w.cut {
		return nil
	}
	raw := append([]byte(nil), b...)
	if w.cfg.BitErrorRate > 0 && len(raw) > 0 && w.rng.Float64() < w.cfg.BitErrorRate {
		bit := w.rng.Intn(len(raw) * 8)
		raw[bit/8] ^= 1 << (bit % 8)
		w.flips++
	}
	p := e.peer()
	p.queue = append(p.queue, inflight{arrive: w.now + w.cfg.Delay, raw: raw})
	return nil
}

func (e *WireEnd) Receive(dst [][]byte) [][]byte {
	w := e.w
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for n < len(e.queue) && e.queue[n].arrive <= w.now {
		dst = append(dst, e.queue[n].raw)
		n++
	}
	if n > 0 {
		copy(e.queue, e.queue[n:])
		e.queue = e.queue[:len(e.queue)-n]
	}
	return dst
}

func (e *WireEnd) Close() error {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	e.closed = true
	return nil
}
