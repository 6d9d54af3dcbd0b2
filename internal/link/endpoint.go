package link

import (
	"errors"
	"fmt"

	"github.com/danmuck/drtio/internal/observability"
	"github.com/danmuck/drtio/internal/protocol/frame"
	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config sizes one link end. Durations are local cycles.
type Config struct {
	Name string
	// Node labels metrics and logs with the owning node.
	Node string
	End  End
	// LockThreshold consecutive valid idle frames bring ALIGNING to UP.
	LockThreshold int
	// ErrorThreshold consecutive frame errors force DOWN.
	ErrorThreshold int
	// SilenceTimeout cycles without any received symbol force DOWN.
	SilenceTimeout uint64
	// IdleInterval is the longest gap between transmitted frames.
	IdleInterval uint64
	// HandoffLatency is the settling latency of the rx clock-domain handoff.
	HandoffLatency uint64
	HandoffDepth   int
	// InitRetry is the pause before a new LINK_INIT after a failed one.
	InitRetry uint64
	Aux       session.Config
	Limits    frame.Limits
	Seed      int64
}

func DefaultConfig() Config {
	return Config{
		Name:           "link0",
		Node:           "node",
		End:            EndDownlink,
		LockThreshold:  8,
		ErrorThreshold: 4,
		SilenceTimeout: 64,
		IdleInterval:   1,
		HandoffLatency: 2,
		HandoffDepth:   256,
		InitRetry:      32,
		Aux:            session.DefaultConfig(),
		Limits:         frame.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	if c.LockThreshold <= 0 {
		return errors.New("link: lock threshold must be positive")
	}
	if c.ErrorThreshold <= 0 {
		return errors.New("link: error threshold must be positive")
	}
	if c.SilenceTimeout <= c.IdleInterval {
		return fmt.Errorf("link: silence timeout %d must exceed idle interval %d", c.SilenceTimeout, c.IdleInterval)
	}
	if c.Aux.Timeout == 0 {
		return errors.New("link: aux timeout must be positive")
	}
	return nil
}

// Handler receives the traffic of a READY link on the dispatch path.
type Handler interface {
	// HandleData gets every decoded data-plane packet with the frame epoch.
	HandleData(ep *Endpoint, epoch uint8, p packet.Data)
	// HandleAux answers an aux request. Returning false defers the answer;
	// the handler must later call ep.ReplyAux with the same seq.
	HandleAux(ep *Endpoint, seq uint32, req packet.Aux) (packet.Aux, bool)
}

// StateObserver is optionally implemented by a Handler to follow link state.
type StateObserver interface {
	LinkStateChanged(ep *Endpoint, from, to State)
}

// Stats are monotone per-link counters.
type Stats struct {
	TxData          uint64 `json:"tx_data"`
	TxAux           uint64 `json:"tx_aux"`
	TxIdle          uint64 `json:"tx_idle"`
	RxData          uint64 `json:"rx_data"`
	RxAux           uint64 `json:"rx_aux"`
	RxIdle          uint64 `json:"rx_idle"`
	FrameErrors     uint64 `json:"frame_errors"`
	Truncated       uint64 `json:"truncated"`
	AuxTimeouts     uint64 `json:"aux_timeouts"`
	AuxRetries      uint64 `json:"aux_retries"`
	AuxNacks        uint64 `json:"aux_nacks"`
	AuxFailures     uint64 `json:"aux_failures"`
	StaleEpochDrops uint64 `json:"stale_epoch_drops"`
	RxSeqMismatch   uint64 `json:"rx_seq_mismatch"`
	HandoffOverflow uint64 `json:"handoff_overflow"`
	DroppedNotReady uint64 `json:"dropped_not_ready"`
	Transitions     uint64 `json:"transitions"`
}

// Endpoint is one end of a link.
type Endpoint struct {
	cfg       Config
	transport Transport
	handler   Handler
	gate      ClockGate
	log       zerolog.Logger

	state     State
	since     uint64
	now       uint64
	lastRx    uint64
	lastTx    uint64
	sentTick  bool
	idleRun   int
	errRun    int
	peerReady bool
	peerSeen  bool
	peerLock  bool

	txSeq      uint32
	rxExpected uint32
	rxSeqValid bool

	rx      *handoff
	rxBuf   [][]byte
	req     *requester
	resp    responder
	initing bool
	initAt  uint64
	reason  string

	stats Stats
}

func NewEndpoint(cfg Config, t Transport, h Handler, gate ClockGate) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gate == nil {
		gate = AlwaysLocked{}
	}
	ep := &Endpoint{
		cfg:       cfg,
		transport: t,
		handler:   h,
		gate:      gate,
		rx:        newHandoff(cfg.HandoffLatency, cfg.HandoffDepth),
		req:       newRequester(cfg.Aux, cfg.Seed),
		log: log.Logger.With().
			Str("node", cfg.Node).
			Str("link", cfg.Name).
			Str("end", cfg.End.String()).
			Logger(),
	}
	observability.RecordLinkState(cfg.Node, cfg.Name, int(StateDown))
	return ep, nil
}

func (ep *Endpoint) Name() string { return ep.cfg.Name }
func (ep *Endpoint) End() End { return ep.cfg.End }
func (ep *Endpoint) State() State { return ep.state }
func (ep *Endpoint) Ready() bool { return ep.state == StateReady }
func (ep *Endpoint) Stats() Stats { return ep.stats }
func (ep *Endpoint) Now() uint64 { return ep.now }
func (ep *Endpoint) Transport() Transport { return ep.transport }

// PeerReady reports the ready flag last advertised by the peer.
func (ep *Endpoint) PeerReady() bool { return ep.peerReady }

// PeerLocked reports the clock-lock flag last advertised by the peer.
func (ep *Endpoint) PeerLocked() bool { return ep.peerLock }

// LastDownReason describes why the link last left READY or UP.
func (ep *Endpoint) LastDownReason() string { return ep.reason }

// PendingAux counts queued and outstanding aux requests.
func (ep *Endpoint) PendingAux() int { return ep.req.pending() }

// CountStaleEpoch records a data frame dropped for carrying an old epoch.
func (ep *Endpoint) CountStaleEpoch() {
	ep.stats.StaleEpochDrops++
	observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "stale_epoch")
}

// SetHandler replaces the traffic handler; used while wiring nodes.
func (ep *Endpoint) SetHandler(h Handler) { ep.handler = h }

// Tick runs one local cycle: drain the transport into the handoff, process
// settled frames, run aux timers and bring-up, then keep the line busy.
func (ep *Endpoint) Tick(now uint64) {
	ep.now = now
	ep.sentTick = false

	ep.rxBuf = ep.transport.Receive(ep.rxBuf[:0])
	for _, raw := range ep.rxBuf {
		ep.lastRx = now
		if ep.state == StateDown {
			ep.setState(StateAligning, "symbol")
		}
		if !ep.rx.push(now, raw) {
			ep.stats.HandoffOverflow++
			observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "handoff_overflow")
		}
	}

	ep.rxBuf = ep.rx.pop(now, ep.rxBuf[:0])
	for _, raw := range ep.rxBuf {
		ep.process(raw)
	}

	if ep.state != StateDown && now-ep.lastRx > ep.cfg.SilenceTimeout {
		ep.down("silence")
	}

	ep.tickInit()
	ep.tickAux()

	if !ep.sentTick && now-ep.lastTx >= ep.cfg.IdleInterval {
		ep.sendFrame(frame.Header{Plane: frame.PlaneIdle}, nil)
	}
}

// ForceDown drops the link, e.g. after repeated clock lock losses.
func (ep *Endpoint) ForceDown(reason string) {
	if ep.state != StateDown {
		ep.down(reason)
	}
}

func (ep *Endpoint) process(raw []byte) {
	f, err := frame.Unmarshal(raw, ep.cfg.Limits)
	if err != nil {
		ep.stats.FrameErrors++
		ep.errRun++
		ep.idleRun = 0
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "frame")
		if ep.state != StateDown && ep.errRun >= ep.cfg.ErrorThreshold {
			ep.down("frame errors")
		}
		return
	}
	ep.errRun = 0
	h := f.Header
	ep.peerLock = h.Flags&frame.FlagLocked != 0
	observability.RecordLinkPacket(ep.cfg.Node, ep.cfg.Name, h.Plane.String(), "rx")

	if ep.state == StateReady {
		if h.Flags&frame.FlagReady != 0 {
			ep.peerSeen = true
		} else if ep.peerSeen {
			ep.down("peer not ready")
			return
		}
	}
	ep.peerReady = h.Flags&frame.FlagReady != 0

	switch h.Plane {
	case frame.PlaneIdle:
		ep.stats.RxIdle++
		if ep.state == StateAligning {
			ep.idleRun++
			if ep.idleRun >= ep.cfg.LockThreshold {
				ep.setState(StateUp, "aligned")
			}
		}
	case frame.PlaneData:
		ep.stats.RxData++
		ep.processData(h, f.Payload)
	case frame.PlaneAux:
		ep.stats.RxAux++
		ep.processAux(h, f.Payload)
	}
}

func (ep *Endpoint) processData(h frame.Header, payload []byte) {
	if ep.state != StateReady {
		ep.stats.DroppedNotReady++
		return
	}
	if ep.rxSeqValid && h.Seq != ep.rxExpected {
		ep.stats.RxSeqMismatch++
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "rx_seq")
		ep.log.Debug().Uint32("got", h.Seq).Uint32("want", ep.rxExpected).Msg("link.Endpoint.processData seq gap")
	}
	ep.rxExpected = h.Seq + 1
	ep.rxSeqValid = true

	p, err := packet.DecodeData(h.Type, payload)
	if err != nil {
		ep.stats.Truncated++
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "truncated")
		return
	}
	if ep.handler != nil {
		ep.handler.HandleData(ep, h.Epoch, p)
	}
}

func (ep *Endpoint) processAux(h frame.Header, payload []byte) {
	if schema.IsReply(h.Type) {
		ep.processAuxReply(h, payload)
		return
	}
	if ep.state < StateUp {
		return
	}
	if ep.resp.valid && ep.resp.seq == h.Seq {
		if !ep.resp.pending {
			ep.sendFrame(frame.Header{Plane: frame.PlaneAux, Type: ep.resp.replyType, Seq: h.Seq}, ep.resp.reply)
		}
		return
	}
	if h.Type != schema.MsgLinkInit && ep.state != StateReady {
		return
	}

	ep.resp.begin(h.Seq)
	req, err := packet.DecodeAux(h.Type, payload)
	if err != nil {
		ep.stats.Truncated++
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "truncated")
		ep.ReplyAux(h.Seq, packet.Nack{Reason: schema.ReasonMalformed})
		return
	}
	if _, ok := req.(packet.LinkInit); ok {
		ep.ReplyAux(h.Seq, ep.answerLinkInit())
		return
	}
	if ep.handler == nil {
		ep.ReplyAux(h.Seq, packet.Nack{Reason: schema.ReasonUnsupported})
		return
	}
	if reply, ok := ep.handler.HandleAux(ep, h.Seq, req); ok {
		ep.ReplyAux(h.Seq, reply)
	}
}

func (ep *Endpoint) answerLinkInit() packet.Aux {
	if ep.cfg.End != EndUplink {
		return packet.Nack{Reason: schema.ReasonUnsupported}
	}
	if !ep.gate.Locked() {
		return packet.Nack{Reason: schema.ReasonNotLocked}
	}
	if ep.state != StateReady {
		ep.setState(StateReady, "link_init")
	}
	return packet.LinkInitAck{}
}

// ReplyAux sends the answer to request seq. Late answers to a request the
// peer has since abandoned are dropped.
func (ep *Endpoint) ReplyAux(seq uint32, reply packet.Aux) {
	if !ep.resp.store(seq, reply) {
		ep.log.Debug().Uint32("seq", seq).Msg("link.Endpoint.ReplyAux stale reply dropped")
		return
	}
	ep.sendFrame(frame.Header{Plane: frame.PlaneAux, Type: ep.resp.replyType, Seq: seq}, ep.resp.reply)
}

func (ep *Endpoint) processAuxReply(h frame.Header, payload []byte) {
	call := ep.req.active
	if call == nil || call.seq != h.Seq {
		return
	}
	reply, err := packet.DecodeAux(h.Type, payload)
	if err != nil {
		ep.stats.Truncated++
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "truncated")
		// Let the timeout retry the request.
		return
	}
	ep.req.active = nil
	ep.req.outbox.Remove(call.seq)
	if n, ok := reply.(packet.Nack); ok {
		ep.stats.AuxNacks++
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "aux_nack")
		call.done(nil, nackError(n))
		return
	}
	call.done(reply, nil)
}

// Request sends an aux request once the link is READY. done is called from a
// later Tick with the reply or ErrAuxTimeout/ErrAuxNack.
func (ep *Endpoint) Request(req packet.Aux, done AuxDone) error {
	if ep.state != StateReady {
		return ErrLinkDown
	}
	ep.req.enqueue(req, done, false)
	return nil
}

func (ep *Endpoint) tickInit() {
	if ep.cfg.End != EndDownlink || ep.state != StateUp || ep.initing || ep.now < ep.initAt {
		return
	}
	ep.initing = true
	ep.req.enqueue(packet.LinkInit{Locked: ep.gate.Locked()}, func(_ packet.Aux, err error) {
		ep.initing = false
		if err != nil {
			ep.initAt = ep.now + ep.cfg.InitRetry
			ep.log.Debug().Err(err).Msg("link.Endpoint.tickInit link_init failed")
			return
		}
		if ep.state == StateUp {
			ep.setState(StateReady, "link_init_ack")
		}
	}, true)
}

func (ep *Endpoint) tickAux() {
	r := ep.req
	if r.active == nil {
		if len(r.queue) == 0 {
			return
		}
		r.active = r.queue[0]
		r.queue = r.queue[1:]
		r.outbox.Upsert(session.PendingRequest{
			Seq:      r.active.seq,
			Type:     r.active.typ,
			Payload:  r.active.payload,
			QueuedAt: ep.now,
		})
		ep.transmitAux(r.active)
		return
	}

	item, ok := r.outbox.Get(r.active.seq)
	if !ok {
		return
	}
	if item.DeadlineAt != 0 {
		if ep.now < item.DeadlineAt {
			return
		}
		ep.stats.AuxTimeouts++
		if item.Attempts > r.cfg.Retries {
			call := r.active
			r.active = nil
			r.outbox.Remove(call.seq)
			ep.stats.AuxFailures++
			observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "aux_timeout")
			ep.log.Warn().
				Str("request", schema.MessageName(call.typ)).
				Uint32("seq", call.seq).
				Int("attempts", item.Attempts).
				Msg("link.Endpoint.tickAux retry budget exhausted")
			call.done(nil, fmt.Errorf("%w: %s seq=%d", ErrAuxTimeout, schema.MessageName(call.typ), call.seq))
			return
		}
		r.outbox.MarkTimeout(item.Seq, ep.now+session.NextBackoff(r.cfg.Backoff, item.Attempts, r.rng), "timeout")
		return
	}
	if ep.now >= item.RetryAt {
		ep.stats.AuxRetries++
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "aux_retry")
		ep.transmitAux(r.active)
	}
}

func (ep *Endpoint) transmitAux(call *auxCall) {
	ep.req.outbox.MarkAttempt(call.seq, ep.now, ep.now+ep.req.cfg.Timeout)
	ep.sendFrame(frame.Header{Plane: frame.PlaneAux, Type: call.typ, Seq: call.seq}, call.payload)
}

// SendData transmits a data-plane packet. Packets are never retransmitted.
func (ep *Endpoint) SendData(p packet.Data, epoch uint8) error {
	if ep.state != StateReady {
		return ErrLinkDown
	}
	typ, payload := packet.EncodeData(p)
	seq := ep.txSeq
	ep.txSeq++
	return ep.sendFrame(frame.Header{Plane: frame.PlaneData, Type: typ, Epoch: epoch, Seq: seq}, payload)
}

func (ep *Endpoint) sendFrame(h frame.Header, payload []byte) error {
	if ep.state == StateReady {
		h.Flags |= frame.FlagReady
	}
	if ep.gate.Locked() {
		h.Flags |= frame.FlagLocked
	}
	b, err := frame.Marshal(frame.Frame{Header: h, Payload: payload}, ep.cfg.Limits)
	if err != nil {
		return err
	}
	if err := ep.transport.Send(b); err != nil {
		observability.RecordLinkError(ep.cfg.Node, ep.cfg.Name, "send")
		return err
	}
	ep.sentTick = true
	ep.lastTx = ep.now
	switch h.Plane {
	case frame.PlaneIdle:
		ep.stats.TxIdle++
	case frame.PlaneData:
		ep.stats.TxData++
	case frame.PlaneAux:
		ep.stats.TxAux++
	}
	observability.RecordLinkPacket(ep.cfg.Node, ep.cfg.Name, h.Plane.String(), "tx")
	return nil
}

func (ep *Endpoint) down(reason string) {
	ep.reason = reason
	ep.rx.clear()
	ep.rxSeqValid = false
	ep.setState(StateDown, reason)
}

func (ep *Endpoint) setState(to State, reason string) {
	from := ep.state
	if from == to {
		return
	}
	ep.state = to
	ep.since = ep.now
	ep.stats.Transitions++
	ep.idleRun = 0
	ep.errRun = 0
	ep.peerSeen = false
	if to == StateUp {
		ep.initAt = ep.now
	}
	observability.RecordLinkState(ep.cfg.Node, ep.cfg.Name, int(to))
	ev := ep.log.Info()
	if to == StateDown {
		ev = ep.log.Warn()
	}
	ev.Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Uint64("cycle", ep.now).
		Msg("link.Endpoint.transition")
	if obs, ok := ep.handler.(StateObserver); ok {
		obs.LinkStateChanged(ep, from, to)
	}
}

// Since returns the cycle of the last state transition.
func (ep *Endpoint) Since() uint64 { return ep.since }
