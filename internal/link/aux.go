package link

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/protocol/session"
)

var (
	ErrAuxTimeout = errors.New("link: aux request timed out")
	ErrAuxNack    = errors.New("link: aux request refused")
	ErrLinkDown   = errors.New("link: not ready")
)

// AuxDone receives the outcome of one aux request. It runs on the dispatch
// path inside Endpoint.Tick.
type AuxDone func(reply packet.Aux, err error)

type auxCall struct {
	seq     uint32
	typ     uint8
	payload []byte
	done    AuxDone
}

// requester runs stop-and-wait aux requests: one outstanding at a time,
// retried after a timeout until the retry budget is spent.
type requester struct {
	cfg     session.Config
	outbox  *session.Outbox
	active  *auxCall
	queue   []*auxCall
	nextSeq uint32
	rng     *rand.Rand
}

func newRequester(cfg session.Config, seed int64) *requester {
	var rng *rand.Rand
	if cfg.Backoff.Jitter {
		rng = rand.New(rand.NewSource(seed))
	}
	return &requester{cfg: cfg, outbox: session.NewOutbox(), rng: rng}
}

func (r *requester) enqueue(req packet.Aux, done AuxDone, front bool) *auxCall {
	r.nextSeq++
	typ, payload := packet.EncodeAux(req)
	call := &auxCall{seq: r.nextSeq, typ: typ, payload: payload, done: done}
	if front {
		r.queue = append([]*auxCall{call}, r.queue...)
	} else {
		r.queue = append(r.queue, call)
	}
	return call
}

func (r *requester) pending() int {
	n := len(r.queue)
	if r.active != nil {
		n++
	}
	return n
}

// NackError is a NACK reply surfaced as an error. It matches ErrAuxNack.
type NackError struct {
	Reason uint8
}

func (e *NackError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAuxNack, schema.ReasonName(e.Reason))
}

func (e *NackError) Unwrap() error { return ErrAuxNack }

// NackReason extracts the NACK reason carried by err.
func NackReason(err error) (uint8, bool) {
	var n *NackError
	if errors.As(err, &n) {
		return n.Reason, true
	}
	return 0, false
}

func nackError(n packet.Nack) error {
	return &NackError{Reason: n.Reason}
}

// responder remembers the reply to the most recent request so that a
// retransmitted request is answered identically instead of re-executed.
type responder struct {
	seq       uint32
	valid     bool
	pending   bool
	replyType uint8
	reply     []byte
}

func (r *responder) begin(seq uint32) {
	r.seq = seq
	r.valid = true
	r.pending = true
	r.reply = nil
}

func (r *responder) store(seq uint32, m packet.Aux) bool {
	if !r.valid || r.seq != seq {
		return false
	}
	r.pending = false
	r.replyType, r.reply = packet.EncodeAux(m)
	return true
}
