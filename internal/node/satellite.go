package node

import (
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/observability"
	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/protocol/schema"
	"github.com/danmuck/drtio/internal/rtio"
)

// pendingRead is a READ_REQUEST held until its event or deadline.
type pendingRead struct {
	id       uint32
	ch       uint16
	deadline rtio.Timestamp
	epoch    uint8
}

// uplinkHandler receives traffic coming down from the master.
type uplinkHandler struct {
	n *Node
}

func (h uplinkHandler) HandleData(ep *link.Endpoint, epoch uint8, p packet.Data) {
	n := h.n
	switch m := p.(type) {
	case packet.EchoRequest:
		_ = ep.SendData(packet.EchoReply{ID: m.ID}, epoch)
	case packet.SetTime:
		n.handleSetTime(m)
	case packet.Write:
		n.handleWrite(epoch, m)
	case packet.ReadRequest:
		n.handleReadRequest(epoch, m)
	}
}

func (h uplinkHandler) HandleAux(ep *link.Endpoint, seq uint32, req packet.Aux) (packet.Aux, bool) {
	n := h.n
	switch m := req.(type) {
	case packet.RoutingSetRank:
		if !n.rankValid || n.rank != m.Rank {
			n.rank = m.Rank
			n.rankValid = true
			for _, d := range n.links {
				d.rankSent = false
			}
			n.log.Info().Uint8("rank", m.Rank).Msg("node.Node rank set")
		}
		return packet.RoutingAck{}, true
	case packet.RoutingSetPath:
		if err := n.router.SetPath(m.Destination, m.Path); err != nil {
			return packet.Nack{Reason: schema.ReasonMalformed}, true
		}
		return packet.RoutingAck{}, true
	}

	dest, ok := packet.RequestDestination(req)
	if !ok {
		return packet.Nack{Reason: schema.ReasonUnsupported}, true
	}
	hop, ok := n.hop(dest)
	if !ok {
		return packet.Nack{Reason: schema.ReasonNoRoute}, true
	}
	if hop != 0 {
		d, ok := n.downlinkFor(hop)
		if !ok {
			return packet.Nack{Reason: schema.ReasonNoRoute}, true
		}
		return d.forwardAux(ep, seq, req)
	}
	return n.handleLocalAux(req), true
}

func (h uplinkHandler) LinkStateChanged(_ *link.Endpoint, from, to link.State) {
	n := h.n
	if from == link.StateReady {
		n.reads = n.reads[:0]
	}
	if to == link.StateDown && n.loop != nil && n.loop.Tripped() {
		n.loop.Relock()
	}
}

func (n *Node) handleLocalAux(req packet.Aux) packet.Aux {
	switch m := req.(type) {
	case packet.BufferSpaceRequest:
		if n.core == nil {
			return packet.Nack{Reason: schema.ReasonUnsupported}
		}
		count, st := n.core.BufferSpace(m.Channel)
		if !st.OK() {
			return packet.Nack{Reason: schema.ReasonUnsupported}
		}
		lane, _ := n.core.Lane(m.Channel)
		return packet.BufferSpaceReply{Count: uint32(count), Lane: uint8(lane)}
	case packet.ResetRequest:
		n.resetLocal(m.Epoch, m.Phy)
		return packet.ResetAck{Epoch: m.Epoch}
	case packet.ErrorQuery:
		if n.core == nil {
			return packet.ErrorReport{}
		}
		info, _ := n.core.LastError()
		return packet.ErrorReport{Code: n.core.Status(), Channel: info.Channel, Timestamp: info.Timestamp}
	case packet.ErrorClear:
		if n.core != nil {
			n.core.ClearStatus(m.Code)
		}
		return packet.ErrorAck{}
	}
	return packet.Nack{Reason: schema.ReasonUnsupported}
}

// resetLocal clears the local core and adopts a new epoch. The TSC loses
// its correction and is invalid until the next SET_TIME.
func (n *Node) resetLocal(epoch uint8, phy bool) {
	if n.core != nil {
		n.core.Reset(phy)
	} else {
		n.clock.ClearCorrection()
	}
	n.epoch = epoch
	n.reads = n.reads[:0]
	n.timeValid = false
	n.stats.Resets++
	n.log.Info().Uint8("epoch", epoch).Bool("phy", phy).Msg("node.Node.resetLocal")
}

func (n *Node) handleSetTime(m packet.SetTime) {
	margin := n.cfg.Timing.CheckMargin
	if m.Check {
		if !n.timeValid {
			return
		}
		if err := n.clock.Check(m.Timestamp, margin); err != nil {
			n.clockErrRun++
			n.stats.ClockErrors++
			observability.RecordClockError(n.cfg.Name, "tsc")
			n.log.Warn().Err(err).Int("run", n.clockErrRun).Msg("node.Node.handleSetTime discrepancy")
			if limit := n.cfg.Timing.MaxClockErrors; limit > 0 && n.clockErrRun >= limit && n.uplink != nil {
				n.clockErrRun = 0
				n.timeValid = false
				n.uplink.ForceDown("tsc discrepancy")
			}
			return
		}
		n.clockErrRun = 0
		return
	}

	prev := n.clock.Now()
	wasValid := n.timeValid
	if n.core != nil {
		n.core.SetTime(m.Timestamp)
	} else {
		n.clock.Set(m.Timestamp)
	}
	n.timeValid = true
	n.clockErrRun = 0
	n.stats.TimeSets++
	if !wasValid || absDiff(prev, m.Timestamp) > margin {
		n.markTimeSync()
	}
}

func (n *Node) handleWrite(epoch uint8, m packet.Write) {
	hop, ok := n.hop(m.Channel.Destination())
	if !ok {
		n.stats.NoRoute++
		return
	}
	if hop != 0 {
		d, ok := n.downlinkFor(hop)
		if !ok {
			n.stats.NoRoute++
			return
		}
		if d.forwardData(m, epoch) {
			n.stats.WritesForwarded++
		}
		return
	}
	if n.core == nil {
		n.stats.NoRoute++
		return
	}
	if epoch != n.epoch {
		n.uplink.CountStaleEpoch()
		return
	}
	st := n.core.Write(m.Channel.Local(), m.Timestamp, m.Data)
	if st.Has(rtio.StatusDestinationUnreachable) {
		n.stats.UnknownChannel++
		return
	}
	if st.OK() {
		n.stats.WritesApplied++
	}
}

func (n *Node) handleReadRequest(epoch uint8, m packet.ReadRequest) {
	hop, ok := n.hop(m.Channel.Destination())
	if !ok {
		n.stats.NoRoute++
		return
	}
	if hop != 0 {
		d, ok := n.downlinkFor(hop)
		if !ok {
			n.stats.NoRoute++
			return
		}
		d.forwardData(m, epoch)
		return
	}
	if n.core == nil {
		n.stats.NoRoute++
		return
	}
	if epoch != n.epoch {
		n.uplink.CountStaleEpoch()
		return
	}
	n.reads = append(n.reads, pendingRead{id: m.ID, ch: m.Channel.Local(), deadline: m.Deadline, epoch: epoch})
}

// serviceReads answers held reads whose event arrived or deadline passed.
func (n *Node) serviceReads() {
	if len(n.reads) == 0 || n.core == nil || n.uplink == nil {
		return
	}
	kept := n.reads[:0]
	for _, r := range n.reads {
		res, done := n.core.TryRead(r.ch, r.deadline)
		if !done {
			kept = append(kept, r)
			continue
		}
		reply := packet.ReadReply{ID: r.id, Status: res.Status, Data: res.Data, Timestamp: res.Timestamp}
		if n.uplink.SendData(reply, r.epoch) == nil {
			n.stats.ReadsServed++
		}
	}
	n.reads = kept
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
