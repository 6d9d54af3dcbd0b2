package node

import (
	"fmt"

	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/cri"
	"github.com/danmuck/drtio/internal/rtio/sed"
)

// ErrorStatus is the async error state of one destination.
type ErrorStatus struct {
	Destination uint8    `json:"destination"`
	Code        uint16   `json:"code"`
	Names       []string `json:"names,omitempty"`
	Channel     uint16   `json:"channel,omitempty"`
	Timestamp   uint64   `json:"timestamp,omitempty"`
}

func (n *Node) fineBits() uint {
	if n.core != nil {
		return n.core.FineBits()
	}
	return sed.DefaultConfig().FineBits
}

func (n *Node) requireMaster() error {
	if n.cfg.Role != RoleMaster {
		return fmt.Errorf("%w: %s", ErrNotMaster, n.cfg.Role)
	}
	return nil
}

// Port opens a CRI client port on the master interconnect.
func (n *Node) Port(name string) (*cri.Port, error) {
	if err := n.requireMaster(); err != nil {
		return nil, err
	}
	return n.ic.Port(name), nil
}

// resolveDestination returns the downlink serving dest, nil when it is local.
func (n *Node) resolveDestination(dest uint8) (*Downlink, error) {
	hop, ok := n.router.Hop(dest, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDestination, dest)
	}
	if hop == 0 {
		return nil, nil
	}
	d, ok := n.downlinkFor(hop)
	if !ok {
		return nil, fmt.Errorf("%w: hop %d for destination %d", ErrUnknownLink, hop, dest)
	}
	return d, nil
}

// Reset resets destination dest. A local reset completes at once and
// retimes the downlinks; a remote one calls done with the RESET_ACK outcome.
func (n *Node) Reset(dest uint8, phy bool, done func(error)) error {
	if err := n.requireMaster(); err != nil {
		return err
	}
	d, err := n.resolveDestination(dest)
	if err != nil {
		return err
	}
	if d == nil {
		if n.core == nil {
			return ErrNoCore
		}
		n.core.Reset(phy)
		n.stats.Resets++
		n.markTimeSync()
		if done != nil {
			done(nil)
		}
		return nil
	}
	dst := n.dests.get(dest)
	if !d.Synced() || !dst.up {
		return fmt.Errorf("%w: destination %d is down", ErrUnknownDestination, dest)
	}
	return n.dests.reset(d, dst, phy, done)
}

// Errors returns the async error state of dest. Remote state is the one
// last reported by ERROR_QUERY polling.
func (n *Node) Errors(dest uint8) (ErrorStatus, error) {
	if err := n.requireMaster(); err != nil {
		return ErrorStatus{}, err
	}
	d, err := n.resolveDestination(dest)
	if err != nil {
		return ErrorStatus{}, err
	}
	out := ErrorStatus{Destination: dest}
	if d == nil {
		if n.core == nil {
			return out, ErrNoCore
		}
		st := n.core.Status()
		info, _ := n.core.LastError()
		out.Code = uint16(st)
		out.Names = st.Names()
		out.Channel = info.Channel
		out.Timestamp = uint64(info.Timestamp)
		return out, nil
	}
	dst := n.dests.get(dest)
	out.Code = uint16(dst.errors)
	out.Names = dst.errors.Names()
	out.Channel = dst.lastCh
	out.Timestamp = uint64(dst.lastTs)
	return out, nil
}

// ClearErrors acknowledges the given error bits at dest.
func (n *Node) ClearErrors(dest uint8, mask rtio.Status, done func(error)) error {
	if err := n.requireMaster(); err != nil {
		return err
	}
	d, err := n.resolveDestination(dest)
	if err != nil {
		return err
	}
	if d == nil {
		if n.core == nil {
			return ErrNoCore
		}
		n.core.ClearStatus(mask)
		if done != nil {
			done(nil)
		}
		return nil
	}
	dst := n.dests.get(dest)
	return d.ep.Request(packet.ErrorClear{Destination: dest, Code: mask}, func(_ packet.Aux, err error) {
		if err == nil {
			dst.errors &^= mask
			if dst.errors == 0 {
				dst.lastCh, dst.lastTs = 0, 0
			}
		}
		if done != nil {
			done(err)
		}
	})
}

// LoadRoutes replaces the routing table; downlinks push the new version
// once it is applied on the next tick.
func (n *Node) LoadRoutes(paths map[uint8][]uint8) error {
	if err := n.requireMaster(); err != nil {
		return err
	}
	routes := make(map[uint8][]uint8, len(paths)+1)
	for d, p := range paths {
		routes[d] = p
	}
	if _, ok := routes[0]; !ok {
		routes[0] = []uint8{0}
	}
	return n.router.Load(routes)
}

func (n *Node) SetRoute(dest uint8, path []uint8) error {
	if err := n.requireMaster(); err != nil {
		return err
	}
	return n.router.SetPath(dest, path)
}

// Destinations lists every routed remote destination.
func (n *Node) Destinations() []DestinationStatus {
	if n.dests == nil {
		return nil
	}
	var out []DestinationStatus
	for _, id := range n.router.Table().Destinations() {
		if n.dests.route(id) == nil {
			continue
		}
		out = append(out, n.dests.status(id))
	}
	return out
}

// Destination returns the status of one remote destination.
func (n *Node) Destination(dest uint8) (DestinationStatus, bool) {
	if n.dests == nil || n.dests.route(dest) == nil {
		return DestinationStatus{}, false
	}
	return n.dests.status(dest), true
}

// DestinationUp reports whether dest is reachable and not being reset.
// The local destination is always up.
func (n *Node) DestinationUp(dest uint8) bool {
	d, err := n.resolveDestination(dest)
	if err != nil {
		return false
	}
	if d == nil {
		return n.core != nil
	}
	if n.dests == nil {
		return false
	}
	dst := n.dests.get(dest)
	return d.Synced() && dst.up && !dst.busy
}
