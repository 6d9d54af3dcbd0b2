package node

import (
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/protocol/schema"
)

// Forwarding is shared by repeaters and by satellites that host downlinks.
// Data packets are relayed as they are; aux requests are relayed with the
// upstream answer deferred until the downstream one arrives.

// forwardData relays a data packet downstream, preserving its epoch.
func (d *Downlink) forwardData(p packet.Data, epoch uint8) bool {
	if err := d.ep.SendData(p, epoch); err != nil {
		d.n.stats.ForwardDrops++
		return false
	}
	return true
}

// forwardAux relays an aux request downstream and answers the upstream
// request seq when the downstream reply or failure arrives. Destinations
// behind a link that has not finished bring-up are reported down.
func (d *Downlink) forwardAux(up *link.Endpoint, seq uint32, req packet.Aux) (packet.Aux, bool) {
	if !d.Synced() {
		return packet.Nack{Reason: schema.ReasonDestinationDown}, true
	}
	dest, _ := packet.RequestDestination(req)
	_, isReset := req.(packet.ResetRequest)
	err := d.ep.Request(req, func(reply packet.Aux, err error) {
		if err != nil {
			reason, ok := link.NackReason(err)
			if !ok {
				reason = schema.ReasonDestinationDown
			}
			up.ReplyAux(seq, packet.Nack{Reason: reason})
			return
		}
		if isReset {
			d.afterReset(dest)
		}
		up.ReplyAux(seq, reply)
	})
	if err != nil {
		return packet.Nack{Reason: schema.ReasonDestinationDown}, true
	}
	d.n.stats.AuxForwarded++
	return nil, false
}
