package node

import (
	"fmt"

	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/observability"
	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/cri"
)

// DestinationStatus is the administrative view of one destination.
type DestinationStatus struct {
	ID            uint8         `json:"id"`
	Link          int           `json:"link"`
	Up            bool          `json:"up"`
	Busy          bool          `json:"busy"`
	Epoch         uint8         `json:"epoch"`
	Errors        []string      `json:"errors,omitempty"`
	LastChannel   uint16        `json:"last_channel,omitempty"`
	LastTimestamp uint64        `json:"last_timestamp,omitempty"`
	Credits       map[uint8]int `json:"credits,omitempty"`
	Polls         uint64        `json:"polls"`
	Downs         uint64        `json:"downs"`
	Resets        uint64        `json:"resets"`
}

type credit struct {
	count       int
	refreshedAt uint64
	channel     uint16
}

type destination struct {
	id       uint8
	up       bool
	busy     bool
	epoch    uint8
	errors   rtio.Status
	lastCh   uint16
	lastTs   rtio.Timestamp
	querying bool
	lastPoll uint64
	polled   bool

	spaceBusy   bool
	writes      uint64
	lanes       map[uint8]*credit
	chanLane    map[uint16]uint8
	unsupported map[uint16]bool

	polls  uint64
	downs  uint64
	resets uint64
}

func (dst *destination) clearCredits() {
	dst.lanes = make(map[uint8]*credit)
	dst.chanLane = make(map[uint16]uint8)
	dst.unsupported = make(map[uint16]bool)
}

// destinations is the master's table of remote destinations: liveness from
// ERROR_QUERY polls, epochs and resets, async errors and buffer-space credit
// estimates.
type destinations struct {
	n      *Node
	byID   map[uint8]*destination
	readID uint32
}

func newDestinations(n *Node) *destinations {
	return &destinations{n: n, byID: make(map[uint8]*destination)}
}

func (m *destinations) get(id uint8) *destination {
	dst, ok := m.byID[id]
	if !ok {
		dst = &destination{id: id}
		dst.clearCredits()
		m.byID[id] = dst
	}
	return dst
}

// route returns the downlink a destination is reached through, or nil for
// local and unrouted destinations.
func (m *destinations) route(id uint8) *Downlink {
	hop, ok := m.n.router.Hop(id, 0)
	if !ok || hop == 0 {
		return nil
	}
	d, _ := m.n.downlinkFor(hop)
	return d
}

func (m *destinations) tick(cycle uint64) {
	timing := m.n.cfg.Timing
	for _, id := range m.n.router.Table().Destinations() {
		d := m.route(id)
		if d == nil {
			continue
		}
		dst := m.get(id)
		if !d.Synced() {
			if dst.up {
				m.markDown(d, dst, "link not synced")
			}
			continue
		}
		if !dst.querying && (!dst.polled || cycle-dst.lastPoll >= timing.PollInterval) {
			m.poll(d, dst, cycle)
		}
		if !dst.up || dst.busy || dst.spaceBusy {
			continue
		}
		for _, cr := range dst.lanes {
			if cycle-cr.refreshedAt >= timing.RefreshInterval {
				m.refresh(d, dst, cr.channel)
				break
			}
		}
	}
}

func (m *destinations) poll(d *Downlink, dst *destination, cycle uint64) {
	dst.querying = true
	dst.polled = true
	dst.lastPoll = cycle
	dst.polls++
	err := d.ep.Request(packet.ErrorQuery{Destination: dst.id}, func(reply packet.Aux, err error) {
		dst.querying = false
		if err != nil {
			m.markDown(d, dst, err.Error())
			return
		}
		report, ok := reply.(packet.ErrorReport)
		if !ok {
			return
		}
		if !dst.up {
			// The reset on up clears whatever the destination reported.
			m.markUp(d, dst)
			return
		}
		if fresh := report.Code &^ dst.errors; fresh != 0 {
			observability.RecordStatus(fmt.Sprintf("%s/%d", m.n.cfg.Name, dst.id), fresh.Names())
			m.n.log.Warn().
				Uint8("destination", dst.id).
				Str("status", fresh.String()).
				Uint16("channel", report.Channel).
				Uint64("timestamp", uint64(report.Timestamp)).
				Msg("node.destinations async error")
		}
		dst.errors |= report.Code
		if report.Code != 0 {
			dst.lastCh = report.Channel
			dst.lastTs = report.Timestamp
		}
	})
	if err != nil {
		dst.querying = false
	}
}

// markUp brings a destination online. Every up transition resets it so
// that its epoch and TSC restart in step with the master.
func (m *destinations) markUp(d *Downlink, dst *destination) {
	dst.up = true
	m.n.log.Info().Uint8("destination", dst.id).Str("link", d.Name()).Msg("node.destinations up")
	if err := m.reset(d, dst, false, nil); err != nil {
		m.n.log.Debug().Err(err).Uint8("destination", dst.id).Msg("node.destinations reset on up failed")
	}
}

func (m *destinations) markDown(d *Downlink, dst *destination, reason string) {
	if dst.up {
		dst.downs++
		m.n.log.Warn().Uint8("destination", dst.id).Str("reason", reason).Msg("node.destinations down")
	}
	dst.up = false
	dst.clearCredits()
	m.failReads(d, dst.id, rtio.StatusDestinationUnreachable)
}

func (m *destinations) linkDown(d *Downlink) {
	for id, dst := range m.byID {
		if m.route(id) == d {
			m.markDown(d, dst, "link down")
		}
	}
}

func (m *destinations) failReads(d *Downlink, id uint8, st rtio.Status) {
	for rid, t := range d.reads {
		if t.dest == id {
			t.complete(rtio.InputResult{Status: st})
			delete(d.reads, rid)
		}
	}
}

// reset moves the destination to a new epoch. It is busy until the
// RESET_ACK; data frames of the old epoch are dropped by the destination.
func (m *destinations) reset(d *Downlink, dst *destination, phy bool, done func(error)) error {
	if dst.busy {
		return fmt.Errorf("%w: %d", ErrDestinationBusy, dst.id)
	}
	dst.epoch++
	epoch := dst.epoch
	dst.busy = true
	dst.errors = 0
	dst.clearCredits()
	m.failReads(d, dst.id, rtio.StatusTimeout)

	err := d.ep.Request(packet.ResetRequest{Destination: dst.id, Epoch: epoch, Phy: phy}, func(reply packet.Aux, err error) {
		if dst.epoch == epoch {
			dst.busy = false
		}
		if err == nil {
			if ack, ok := reply.(packet.ResetAck); ok && ack.Epoch != epoch {
				err = fmt.Errorf("node: reset ack for epoch %d, want %d", ack.Epoch, epoch)
			}
		}
		if err != nil {
			m.markDown(d, dst, "reset failed")
		} else {
			dst.resets++
			d.afterReset(dst.id)
			m.n.stats.Resets++
			m.n.log.Info().Uint8("destination", dst.id).Uint8("epoch", epoch).Bool("phy", phy).Msg("node.destinations reset")
		}
		if done != nil {
			done(err)
		}
	})
	if err != nil {
		dst.busy = false
		return err
	}
	return nil
}

// refresh asks the destination for the free space of ch's lane. One
// request per destination is outstanding at a time.
func (m *destinations) refresh(d *Downlink, dst *destination, ch uint16) {
	if dst.spaceBusy {
		return
	}
	dst.spaceBusy = true
	mark := dst.writes
	epoch := dst.epoch
	err := d.ep.Request(packet.BufferSpaceRequest{Destination: dst.id, Channel: ch}, func(reply packet.Aux, err error) {
		dst.spaceBusy = false
		if dst.epoch != epoch || !dst.up {
			return
		}
		if err != nil {
			if reason, ok := link.NackReason(err); ok && reason == schema.ReasonUnsupported {
				dst.unsupported[ch] = true
			}
			return
		}
		r, ok := reply.(packet.BufferSpaceReply)
		if !ok {
			return
		}
		// Writes sent after the request may not be in the reply yet.
		count := int(r.Count) - int(dst.writes-mark)
		if count < 0 {
			count = 0
		}
		cr, ok := dst.lanes[r.Lane]
		if !ok {
			cr = &credit{}
			dst.lanes[r.Lane] = cr
		}
		cr.count = count
		cr.refreshedAt = d.ep.Now()
		cr.channel = ch
		dst.chanLane[ch] = r.Lane
	})
	if err != nil {
		dst.spaceBusy = false
	}
}

// admit checks that a destination takes traffic now.
func (m *destinations) admit(d *Downlink, id uint8) (*destination, rtio.Status) {
	dst := m.get(id)
	if !d.Synced() || !dst.up {
		return dst, rtio.StatusDestinationUnreachable
	}
	if dst.busy {
		return dst, rtio.StatusBusy
	}
	return dst, rtio.StatusOK
}

func (m *destinations) write(d *Downlink, id uint8, ch uint16, ts rtio.Timestamp, data uint64) rtio.Status {
	dst, st := m.admit(d, id)
	if !st.OK() {
		return st
	}
	if dst.unsupported[ch] {
		return rtio.StatusDestinationUnreachable
	}
	lane, ok := dst.chanLane[ch]
	if !ok {
		m.refresh(d, dst, ch)
		return rtio.StatusBusy
	}
	cr := dst.lanes[lane]
	if cr.count <= 0 {
		m.refresh(d, dst, ch)
		return rtio.StatusBusy
	}
	w := packet.Write{Channel: rtio.NewChannel(id, ch), Timestamp: ts, Data: data}
	if err := d.ep.SendData(w, dst.epoch); err != nil {
		return rtio.StatusDestinationUnreachable
	}
	cr.count--
	dst.writes++
	if cr.count <= m.n.cfg.Timing.LowWater {
		m.refresh(d, dst, ch)
	}
	return rtio.StatusOK
}

func (m *destinations) bufferSpace(d *Downlink, id uint8, ch uint16) (int, rtio.Status) {
	dst, st := m.admit(d, id)
	if !st.OK() {
		return 0, st
	}
	if dst.unsupported[ch] {
		return 0, rtio.StatusDestinationUnreachable
	}
	lane, ok := dst.chanLane[ch]
	if !ok {
		m.refresh(d, dst, ch)
		return 0, rtio.StatusBusy
	}
	return dst.lanes[lane].count, rtio.StatusOK
}

func (m *destinations) startRead(d *Downlink, id uint8, ch uint16, deadline rtio.Timestamp) cri.ReadTicket {
	dst, st := m.admit(d, id)
	if !st.OK() {
		return cri.DoneTicket(rtio.InputResult{Status: st})
	}
	m.readID++
	t := &remoteTicket{
		id:       m.readID,
		dest:     id,
		expireAt: deadline.Coarse(m.n.fineBits()) + 2*d.delay + m.n.cfg.Timing.ReadSlack,
	}
	req := packet.ReadRequest{Channel: rtio.NewChannel(id, ch), Deadline: deadline, ID: t.id}
	if err := d.ep.SendData(req, dst.epoch); err != nil {
		return cri.DoneTicket(rtio.InputResult{Status: rtio.StatusDestinationUnreachable})
	}
	d.reads[t.id] = t
	return t
}

func (m *destinations) status(id uint8) DestinationStatus {
	dst := m.get(id)
	out := DestinationStatus{
		ID:            id,
		Link:          -1,
		Up:            dst.up,
		Busy:          dst.busy,
		Epoch:         dst.epoch,
		Errors:        dst.errors.Names(),
		LastChannel:   dst.lastCh,
		LastTimestamp: uint64(dst.lastTs),
		Polls:         dst.polls,
		Downs:         dst.downs,
		Resets:        dst.resets,
	}
	if d := m.route(id); d != nil {
		out.Link = d.index
	}
	if len(dst.lanes) > 0 {
		out.Credits = make(map[uint8]int, len(dst.lanes))
		for lane, cr := range dst.lanes {
			out.Credits[lane] = cr.count
		}
	}
	return out
}

// remoteTarget is a downlink bound to one destination.
type remoteTarget struct {
	d    *Downlink
	dest uint8
}

func (r remoteTarget) Write(ch uint16, ts rtio.Timestamp, data uint64) rtio.Status {
	return r.d.n.dests.write(r.d, r.dest, ch, ts, data)
}

func (r remoteTarget) BufferSpace(ch uint16) (int, rtio.Status) {
	return r.d.n.dests.bufferSpace(r.d, r.dest, ch)
}

func (r remoteTarget) StartRead(ch uint16, deadline rtio.Timestamp) cri.ReadTicket {
	return r.d.n.dests.startRead(r.d, r.dest, ch, deadline)
}

// remoteTicket completes when the matching READ_REPLY arrives, the link
// drops or the deadline plus slack passes.
type remoteTicket struct {
	id       uint32
	dest     uint8
	expireAt uint64
	res      rtio.InputResult
	done     bool
}

func (t *remoteTicket) complete(res rtio.InputResult) {
	if t.done {
		return
	}
	t.res = res
	t.done = true
}

func (t *remoteTicket) Poll() (rtio.InputResult, bool) {
	return t.res, t.done
}
