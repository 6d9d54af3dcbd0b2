package node

import (
	"github.com/danmuck/drtio/internal/clocksync"
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/rtio/sed"
)

// LinkStatus is the administrative view of one link end.
type LinkStatus struct {
	Name       string         `json:"name"`
	End        string         `json:"end"`
	State      string         `json:"state"`
	RxReady    bool           `json:"rx_ready"`
	PeerLocked bool           `json:"peer_locked"`
	Since      uint64         `json:"since"`
	DownReason string         `json:"down_reason,omitempty"`
	Synced     bool           `json:"synced"`
	Delay      uint64         `json:"delay,omitempty"`
	PendingAux int            `json:"pending_aux"`
	Counters   link.Stats     `json:"counters"`
	Manager    *DownlinkStats `json:"manager,omitempty"`
}

// ClockStatus is the administrative view of the clock loop.
type ClockStatus struct {
	Locked        bool            `json:"locked"`
	Phase         float64         `json:"phase"`
	SelfTestError bool            `json:"self_test_error"`
	Tripped       bool            `json:"tripped"`
	Loop          clocksync.Stats `json:"loop"`
}

// Status is the administrative view of a node.
type Status struct {
	Name      string       `json:"name"`
	Role      Role         `json:"role"`
	TSC       uint64       `json:"tsc"`
	TimeValid bool         `json:"time_valid"`
	Rank      uint8        `json:"rank"`
	RankValid bool         `json:"rank_valid"`
	Epoch     uint8        `json:"epoch"`
	Routes    uint64       `json:"routes_version"`
	Holder    string       `json:"cri_holder,omitempty"`
	Core      *sed.Stats   `json:"core,omitempty"`
	Clock     *ClockStatus `json:"clock,omitempty"`
	Counters  Stats        `json:"counters"`
}

func (n *Node) Status() Status {
	out := Status{
		Name:      n.cfg.Name,
		Role:      n.cfg.Role,
		TSC:       n.clock.Now(),
		TimeValid: n.timeValid,
		Rank:      n.rank,
		RankValid: n.rankValid,
		Epoch:     n.epoch,
		Routes:    n.router.Version(),
		Counters:  n.stats,
	}
	if n.ic != nil {
		out.Holder = n.ic.Holder()
	}
	if n.core != nil {
		st := n.core.Stats()
		out.Core = &st
	}
	if n.loop != nil {
		out.Clock = &ClockStatus{
			Locked:        n.loop.Locked(),
			Phase:         n.loop.Phase(),
			SelfTestError: n.loop.SelfTestError(),
			Tripped:       n.loop.Tripped(),
			Loop:          n.loop.Stats(),
		}
	}
	return out
}

func endpointStatus(ep *link.Endpoint) LinkStatus {
	return LinkStatus{
		Name:       ep.Name(),
		End:        ep.End().String(),
		State:      ep.State().String(),
		RxReady:    ep.Ready() && ep.PeerReady(),
		PeerLocked: ep.PeerLocked(),
		Since:      ep.Since(),
		DownReason: ep.LastDownReason(),
		PendingAux: ep.PendingAux(),
		Counters:   ep.Stats(),
	}
}

// LinkStatus lists the uplink first, then the downlinks in hop order.
func (n *Node) LinkStatus() []LinkStatus {
	out := make([]LinkStatus, 0, len(n.links)+1)
	if n.uplink != nil {
		out = append(out, endpointStatus(n.uplink))
	}
	for _, d := range n.links {
		st := endpointStatus(d.ep)
		st.Synced = d.Synced()
		st.Delay, _ = d.Delay()
		ms := d.stats
		st.Manager = &ms
		out = append(out, st)
	}
	return out
}
