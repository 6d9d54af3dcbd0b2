// Package sim runs DRTIO topologies without hardware: nodes connected by
// simulated wires, all advanced one coarse cycle at a time in a fixed order.
//
// Tick order per cycle: every wire moves its in-flight frames, then every
// node ticks in the order it was added (master first).
package sim

import (
	"errors"
	"fmt"

	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/node"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/danmuck/drtio/internal/rtio/sed"
	"github.com/rs/zerolog/log"
)

var (
	ErrBuilt         = errors.New("sim: harness already built")
	ErrNotBuilt      = errors.New("sim: harness not built")
	ErrUnknownNode   = errors.New("sim: unknown node")
	ErrDuplicateNode = errors.New("sim: duplicate node")
	ErrNoMaster      = errors.New("sim: topology needs exactly one master")
)

// Default channel layout of simulated cores: outputs 0..3 (3 with replace),
// inputs 4..7, and a loopback cable from output 0 to input 4 and 1 to 5.
var (
	DefaultChannels = []sed.ChannelConfig{
		{ID: 0, Direction: sed.DirOutput, Lane: -1},
		{ID: 1, Direction: sed.DirOutput, Lane: -1},
		{ID: 2, Direction: sed.DirOutput, Lane: -1},
		{ID: 3, Direction: sed.DirOutput, Lane: -1, Replace: true},
		{ID: 4, Direction: sed.DirInput, Lane: -1},
		{ID: 5, Direction: sed.DirInput, Lane: -1},
		{ID: 6, Direction: sed.DirInput, Lane: -1},
		{ID: 7, Direction: sed.DirInput, Lane: -1},
	}
	DefaultLoopback = map[uint16]uint16{0: 4, 1: 5}
)

// Spec describes one node of a topology.
type Spec struct {
	Name   string
	Role   node.Role
	Parent string
	// Delay is the propagation delay of the wire to the parent.
	Delay  uint64
	Mutate func(*node.Config)
}

type entry struct {
	spec     Spec
	dest     uint8
	children []*entry
	wire     *link.SimWire
	phy      *rtlink.Recorder
	node     *node.Node
	parent   *entry
	index    int
}

// Harness owns the nodes and wires of one simulated topology.
type Harness struct {
	entries []*entry
	byName  map[string]*entry
	wires   []*link.SimWire
	routes  map[uint8][]uint8
	seed    int64
	built   bool
	cycle   uint64
}

func New(seed int64) *Harness {
	return &Harness{byName: make(map[string]*entry), seed: seed}
}

// Add registers a node. Non-master nodes attach to the next free downlink
// of their parent. Destinations are numbered in the order nodes are added.
func (h *Harness) Add(spec Spec) (uint8, error) {
	if h.built {
		return 0, ErrBuilt
	}
	if _, ok := h.byName[spec.Name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateNode, spec.Name)
	}
	e := &entry{spec: spec, dest: uint8(len(h.entries))}
	if spec.Role == node.RoleMaster {
		if len(h.entries) != 0 {
			return 0, ErrNoMaster
		}
	} else {
		if len(h.entries) == 0 {
			return 0, ErrNoMaster
		}
		parent, ok := h.byName[spec.Parent]
		if !ok {
			return 0, fmt.Errorf("%w: parent %q", ErrUnknownNode, spec.Parent)
		}
		e.parent = parent
		e.index = len(parent.children)
		parent.children = append(parent.children, e)
	}
	h.entries = append(h.entries, e)
	h.byName[spec.Name] = e
	return e.dest, nil
}

func (h *Harness) AddMaster(name string) uint8 {
	d, _ := h.Add(Spec{Name: name, Role: node.RoleMaster})
	return d
}

// SetRoutes overrides the routing table derived from the tree.
func (h *Harness) SetRoutes(routes map[uint8][]uint8) {
	h.routes = routes
}

// TreeRoutes derives the master routing table from the topology: each hop
// is the downlink index towards the destination, ending in 0.
func (h *Harness) TreeRoutes() map[uint8][]uint8 {
	out := make(map[uint8][]uint8, len(h.entries))
	for _, e := range h.entries {
		var rev []uint8
		for cur := e; cur.parent != nil; cur = cur.parent {
			rev = append(rev, uint8(cur.index+1))
		}
		path := make([]uint8, 0, len(rev)+1)
		for i := len(rev) - 1; i >= 0; i-- {
			path = append(path, rev[i])
		}
		out[e.dest] = append(path, 0)
	}
	return out
}

// Build creates wires and nodes.
func (h *Harness) Build() error {
	if h.built {
		return ErrBuilt
	}
	if len(h.entries) == 0 {
		return ErrNoMaster
	}
	routes := h.routes
	if routes == nil {
		routes = h.TreeRoutes()
	}
	for i, e := range h.entries {
		if e.parent != nil {
			e.wire = link.NewSimWire(link.WireConfig{Delay: e.spec.Delay, Seed: h.seed + int64(i)})
			h.wires = append(h.wires, e.wire)
		}
	}
	for i, e := range h.entries {
		cfg := node.DefaultConfig(e.spec.Name, e.spec.Role)
		cfg.Core.Channels = append([]sed.ChannelConfig(nil), DefaultChannels...)
		cfg.Loopback = DefaultLoopback
		cfg.Uplink.Seed = h.seed + int64(i)*31
		cfg.Clock.Seed = h.seed + int64(i)*17
		for j := range e.children {
			cfg.Links = append(cfg.Links, node.DownlinkConfig(e.spec.Name, j))
		}
		if e.spec.Role == node.RoleMaster {
			cfg.Routes = routes
		}
		if e.spec.Mutate != nil {
			e.spec.Mutate(&cfg)
		}

		var up link.Transport
		if e.wire != nil {
			up = e.wire.B()
		}
		downs := make([]link.Transport, len(e.children))
		for j, c := range e.children {
			downs[j] = c.wire.A()
		}
		e.phy = rtlink.NewRecorder()
		n, err := node.New(cfg, up, downs, e.phy)
		if err != nil {
			return fmt.Errorf("sim: node %s: %w", e.spec.Name, err)
		}
		e.node = n
	}
	h.built = true
	log.Debug().Int("nodes", len(h.entries)).Int("wires", len(h.wires)).Msg("sim.Harness.Build")
	return nil
}

// Tick advances the whole topology by one cycle.
func (h *Harness) Tick() {
	h.cycle++
	for _, w := range h.wires {
		w.Tick()
	}
	for _, e := range h.entries {
		e.node.Tick()
	}
}

// Cycle counts harness ticks.
func (h *Harness) Cycle() uint64 { return h.cycle }

// RunUntil ticks until cond holds, at most limit cycles. It reports whether
// cond held.
func (h *Harness) RunUntil(cond func() bool, limit int) bool {
	for i := 0; i < limit; i++ {
		if cond() {
			return true
		}
		h.Tick()
	}
	return cond()
}

// Run ticks n cycles.
func (h *Harness) Run(n int) {
	for i := 0; i < n; i++ {
		h.Tick()
	}
}

func (h *Harness) entry(name string) *entry {
	e, ok := h.byName[name]
	if !ok {
		panic(fmt.Sprintf("sim: unknown node %q", name))
	}
	return e
}

func (h *Harness) Node(name string) *node.Node { return h.entry(name).node }

func (h *Harness) Master() *node.Node { return h.entries[0].node }

// PHY returns the output recorder of a node.
func (h *Harness) PHY(name string) *rtlink.Recorder { return h.entry(name).phy }

// Wire returns the wire between a node and its parent.
func (h *Harness) Wire(name string) *link.SimWire { return h.entry(name).wire }

func (h *Harness) Destination(name string) uint8 { return h.entry(name).dest }

// Inject feeds an input event into a node's core, as its PHY would.
func (h *Harness) Inject(name string, ch uint16, data uint64) error {
	n := h.Node(name)
	if n.Core() == nil {
		return fmt.Errorf("%w: %s has no core", node.ErrNoCore, name)
	}
	n.Core().Capture(ch, data, 0)
	return nil
}

// LinksReady reports whether every link of the topology is READY.
func (h *Harness) LinksReady() bool {
	for _, e := range h.entries {
		if up := e.node.Uplink(); up != nil && !up.Ready() {
			return false
		}
		for _, d := range e.node.Links() {
			if !d.Ready() {
				return false
			}
		}
	}
	return true
}

// AllUp reports whether every destination is reachable from the master.
func (h *Harness) AllUp() bool {
	m := h.Master()
	for _, e := range h.entries {
		if !m.DestinationUp(e.dest) {
			return false
		}
	}
	return true
}

// WaitUp runs until every destination is up.
func (h *Harness) WaitUp(limit int) bool {
	return h.RunUntil(h.AllUp, limit)
}

// Timestamp converts a master coarse cycle into a timestamp.
func (h *Harness) Timestamp(coarse uint64) rtio.Timestamp {
	return rtio.At(coarse, 0, h.Master().Core().FineBits())
}
