package node

import (
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/cri"
)

// DownlinkStats are counters of one downlink manager.
type DownlinkStats struct {
	Echoes      uint64 `json:"echoes"`
	RoundTrip   uint64 `json:"round_trip"`
	TimeSets    uint64 `json:"time_sets"`
	Beacons     uint64 `json:"beacons"`
	RankPushes  uint64 `json:"rank_pushes"`
	RoutePushes uint64 `json:"route_pushes"`
	PushErrors  uint64 `json:"push_errors"`
	ReadReplies uint64 `json:"read_replies"`
	Unexpected  uint64 `json:"unexpected"`
}

type ping struct {
	sentAt uint64
	done   func(rtt uint64, err error)
}

// Downlink manages one link towards the satellites: bring-up (delay
// measurement, time, rank and routes), check beacons, and the remote side of
// CRI reads routed through it.
type Downlink struct {
	n     *Node
	index int
	ep    *link.Endpoint
	gen   uint64

	echoID      uint32
	measureID   uint32
	echoSentAt  uint64
	echoPending bool
	delay       uint64
	delayKnown  bool

	needTime   bool
	lastBeacon uint64

	rankSent    bool
	rankPushing bool
	pushing     bool
	pushedVer   uint64
	pushRetryAt uint64
	online      bool

	reads map[uint32]*remoteTicket
	pings map[uint32]ping

	stats DownlinkStats
}

func (d *Downlink) Index() int { return d.index }

func (d *Downlink) Name() string { return d.ep.Name() }

func (d *Downlink) Endpoint() *link.Endpoint { return d.ep }

func (d *Downlink) Ready() bool { return d.ep.Ready() }

// Delay is the measured one-way delay in cycles.
func (d *Downlink) Delay() (uint64, bool) { return d.delay, d.delayKnown }

// Synced reports whether bring-up completed since the link last became
// READY: delay measured, time sent, rank and routes pushed. Later
// re-measurements or route pushes do not clear it.
func (d *Downlink) Synced() bool {
	return d.online && d.ep.Ready()
}

func (d *Downlink) Stats() DownlinkStats { return d.stats }

// Remeasure schedules a new ECHO delay measurement followed by SET_TIME.
func (d *Downlink) Remeasure() {
	d.delayKnown = false
	d.echoPending = false
	d.needTime = true
}

// Echo sends one ECHO_REQUEST outside delay measurement; done gets the
// round trip in cycles, or link.ErrLinkDown if the link drops first.
func (d *Downlink) Echo(done func(rtt uint64, err error)) error {
	d.echoID++
	id := d.echoID
	if err := d.ep.SendData(packet.EchoRequest{ID: id}, 0); err != nil {
		return err
	}
	d.pings[id] = ping{sentAt: d.ep.Now(), done: done}
	return nil
}

func (d *Downlink) resetSync() {
	d.gen++
	for id, p := range d.pings {
		delete(d.pings, id)
		if p.done != nil {
			p.done(0, link.ErrLinkDown)
		}
	}
	d.echoPending = false
	d.delayKnown = false
	d.needTime = true
	d.rankSent = false
	d.rankPushing = false
	d.pushing = false
	d.pushedVer = 0
	d.pushRetryAt = 0
	d.online = false
}

func (d *Downlink) tick(cycle uint64) {
	d.ep.Tick(cycle)
	if !d.ep.Ready() {
		return
	}
	n := d.n
	d.expireReads()

	if !d.delayKnown {
		if !d.echoPending || cycle-d.echoSentAt >= n.cfg.Timing.EchoRetry {
			// A fresh id; a late reply to an earlier probe is ignored.
			d.echoID++
			d.measureID = d.echoID
			if d.ep.SendData(packet.EchoRequest{ID: d.measureID}, 0) == nil {
				d.echoPending = true
				d.echoSentAt = cycle
			}
		}
		return
	}

	if d.needTime && n.timeValid {
		if d.ep.SendData(packet.SetTime{Timestamp: n.clock.Now() + d.delay}, 0) == nil {
			d.needTime = false
			d.lastBeacon = cycle
			d.stats.TimeSets++
		}
	}

	if n.rankValid && !d.rankSent && !d.rankPushing && cycle >= d.pushRetryAt {
		d.pushRank()
	}
	if d.rankSent && !d.pushing && cycle >= d.pushRetryAt && d.pushedVer != n.router.Version() {
		d.pushRoutes()
	}

	if beacon := n.cfg.Timing.BeaconInterval; beacon > 0 && !d.needTime && n.timeValid && cycle-d.lastBeacon >= beacon {
		if d.ep.SendData(packet.SetTime{Timestamp: n.clock.Now() + d.delay, Check: true}, 0) == nil {
			d.lastBeacon = cycle
			d.stats.Beacons++
		}
	}

	if !d.online && d.delayKnown && !d.needTime && d.rankSent && !d.pushing && d.pushedVer != 0 {
		d.online = true
		n.log.Info().Str("link", d.Name()).Uint64("delay", d.delay).Msg("node.Downlink online")
	}
}

func (d *Downlink) pushRank() {
	gen := d.gen
	d.rankPushing = true
	err := d.ep.Request(packet.RoutingSetRank{Rank: d.n.rank + 1}, func(_ packet.Aux, err error) {
		if gen != d.gen {
			return
		}
		d.rankPushing = false
		if err != nil {
			d.stats.PushErrors++
			d.pushRetryAt = d.ep.Now() + d.n.cfg.Timing.PushRetry
			d.n.log.Debug().Err(err).Str("link", d.Name()).Msg("node.Downlink.pushRank failed")
			return
		}
		d.rankSent = true
		d.stats.RankPushes++
	})
	if err != nil {
		d.rankPushing = false
	}
}

// pushRoutes sends the whole current table, one path per request. A table
// that changes meanwhile is pushed again once this round completes.
func (d *Downlink) pushRoutes() {
	table := d.n.router.Table()
	dests := table.Destinations()
	gen := d.gen
	remaining := len(dests)
	failed := false
	finish := func() {
		d.pushing = false
		if failed {
			d.stats.PushErrors++
			d.pushRetryAt = d.ep.Now() + d.n.cfg.Timing.PushRetry
			return
		}
		d.pushedVer = table.Version
		d.stats.RoutePushes++
		d.n.log.Debug().Str("link", d.Name()).Uint64("version", table.Version).Int("paths", len(dests)).Msg("node.Downlink.pushRoutes done")
	}
	d.pushing = true
	if remaining == 0 {
		finish()
		return
	}
	for _, dest := range dests {
		path, _ := table.Path(dest)
		err := d.ep.Request(packet.RoutingSetPath{Destination: dest, Path: path}, func(_ packet.Aux, err error) {
			if gen != d.gen {
				return
			}
			if err != nil {
				failed = true
			}
			remaining--
			if remaining == 0 {
				finish()
			}
		})
		if err != nil {
			failed = true
			remaining--
		}
	}
	if remaining == 0 {
		finish()
	}
}

// afterReset resends SET_TIME when the reset destination is the peer of this
// link, whose TSC correction the reset cleared.
func (d *Downlink) afterReset(dest uint8) {
	if !d.n.rankValid {
		return
	}
	if hop, ok := d.n.router.Hop(dest, d.n.rank+1); ok && hop == 0 {
		d.needTime = true
	}
}

// failReads completes every outstanding remote read.
func (d *Downlink) failReads(st rtio.Status) {
	for id, t := range d.reads {
		t.complete(rtio.InputResult{Status: st})
		delete(d.reads, id)
	}
}

func (d *Downlink) expireReads() {
	now := d.n.clock.Now()
	for id, t := range d.reads {
		if now > t.expireAt {
			t.complete(rtio.InputResult{Status: rtio.StatusTimeout})
			delete(d.reads, id)
			d.n.stats.ReadTimeouts++
		}
	}
}

// Downlinks stand in the routing resolver; it always binds a destination
// through ForDestination before use, so the unbound methods refuse.
func (d *Downlink) Write(uint16, rtio.Timestamp, uint64) rtio.Status {
	return rtio.StatusDestinationUnreachable
}

func (d *Downlink) BufferSpace(uint16) (int, rtio.Status) {
	return 0, rtio.StatusDestinationUnreachable
}

func (d *Downlink) StartRead(uint16, rtio.Timestamp) cri.ReadTicket {
	return cri.DoneTicket(rtio.InputResult{Status: rtio.StatusDestinationUnreachable})
}

func (d *Downlink) ForDestination(dest uint8) cri.Target {
	return remoteTarget{d: d, dest: dest}
}

// downlinkHandler receives traffic coming up from a downlink.
type downlinkHandler struct {
	d *Downlink
}

func (h downlinkHandler) HandleData(ep *link.Endpoint, epoch uint8, p packet.Data) {
	d := h.d
	switch m := p.(type) {
	case packet.EchoReply:
		if p, ok := d.pings[m.ID]; ok {
			delete(d.pings, m.ID)
			d.stats.Echoes++
			if p.done != nil {
				p.done(ep.Now()-p.sentAt, nil)
			}
			return
		}
		if !d.echoPending || m.ID != d.measureID {
			d.stats.Unexpected++
			return
		}
		rtt := ep.Now() - d.echoSentAt
		d.echoPending = false
		d.delay = rtt / 2
		d.delayKnown = true
		d.needTime = true
		d.stats.Echoes++
		d.stats.RoundTrip = rtt
		d.n.log.Debug().Str("link", d.Name()).Uint64("rtt", rtt).Msg("node.Downlink echo")
	case packet.ReadReply:
		d.stats.ReadReplies++
		if d.n.cfg.Role == RoleMaster {
			if t, ok := d.reads[m.ID]; ok {
				t.complete(m.Result())
				delete(d.reads, m.ID)
			}
			return
		}
		// Replies travel back towards the master.
		if d.n.uplink == nil || d.n.uplink.SendData(m, epoch) != nil {
			d.n.stats.ForwardDrops++
		}
	default:
		d.stats.Unexpected++
	}
}

func (h downlinkHandler) HandleAux(_ *link.Endpoint, _ uint32, _ packet.Aux) (packet.Aux, bool) {
	return packet.Nack{Reason: schema.ReasonUnsupported}, true
}

func (h downlinkHandler) LinkStateChanged(_ *link.Endpoint, from, to link.State) {
	d := h.d
	if to == link.StateReady || from != link.StateReady {
		return
	}
	d.resetSync()
	d.failReads(rtio.StatusDestinationUnreachable)
	if d.n.dests != nil {
		d.n.dests.linkDown(d)
	}
}
