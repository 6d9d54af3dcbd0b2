// Package node assembles a DRTIO node: its TSC, optional RTIO core, routing
// table, uplink and downlinks, and the role behaviour on top of them.
//
// Ownership boundary:
// - the per-cycle Tick order of one node
// - master destination management (epochs, liveness, async errors, credits)
// - satellite and repeater packet handling and forwarding
//
// A Node is owned by a single dispatch loop. Service serialises admin
// commands with that loop; nothing here takes locks.
package node

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/drtio/internal/clocksync"
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/rtio/cri"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/danmuck/drtio/internal/rtio/sed"
	"github.com/danmuck/drtio/internal/rtio/tsc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Role selects what a node does with its links.
type Role string

const (
	RoleMaster    Role = "master"
	RoleSatellite Role = "satellite"
	RoleRepeater  Role = "repeater"
)

var (
	ErrUnknownRole        = errors.New("node: unknown role")
	ErrNoCore             = errors.New("node: role has no rtio core")
	ErrNotMaster          = errors.New("node: operation requires the master role")
	ErrUnknownDestination = errors.New("node: unknown destination")
	ErrUnknownLink        = errors.New("node: unknown link")
	ErrDestinationBusy    = errors.New("node: destination reset in progress")
	ErrTransports         = errors.New("node: transports do not match configured links")
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleMaster, RoleSatellite, RoleRepeater:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// HasCore reports whether nodes of this role carry a local RTIO core.
func (r Role) HasCore() bool {
	return r == RoleMaster || r == RoleSatellite
}

// HasUplink reports whether nodes of this role face a master.
func (r Role) HasUplink() bool {
	return r == RoleSatellite || r == RoleRepeater
}

// Timing holds the periodic duties of a node, in local cycles.
type Timing struct {
	// EchoRetry resends an unanswered ECHO_REQUEST.
	EchoRetry uint64
	// BeaconInterval spaces SET_TIME check beacons; zero disables them.
	BeaconInterval uint64
	// CheckMargin is the accepted TSC discrepancy of a check beacon.
	CheckMargin uint64
	// MaxClockErrors consecutive discrepancies force the uplink down.
	MaxClockErrors int
	// PollInterval spaces ERROR_QUERY polls per destination (master).
	PollInterval uint64
	// RefreshInterval spaces buffer-space refreshes per destination (master).
	RefreshInterval uint64
	// LowWater triggers a refresh once a lane credit drops to it.
	LowWater int
	// ReadSlack is added to a remote read deadline before it is abandoned.
	ReadSlack uint64
	// PushRetry is the pause before a failed rank/route push is repeated.
	PushRetry uint64
}

func DefaultTiming() Timing {
	return Timing{
		EchoRetry:       256,
		BeaconInterval:  1024,
		CheckMargin:     2,
		MaxClockErrors:  3,
		PollInterval:    256,
		RefreshInterval: 512,
		LowWater:        2,
		ReadSlack:       512,
		PushRetry:       64,
	}
}

// Config describes one node.
type Config struct {
	Name string
	Role Role
	// Core configures the local RTIO core of masters and satellites.
	Core sed.Config
	// Uplink configures the master-facing link of satellites and repeaters.
	Uplink link.Config
	// Links configure the downlinks, in hop order: hop k is Links[k-1].
	Links []link.Config
	// Clock configures phase alignment of the recovered clock.
	Clock clocksync.Config
	// Routes is the master routing table: destination → hop per rank.
	Routes map[uint8][]uint8
	// Loopback wires local output channels back to input channels.
	Loopback map[uint16]uint16
	Timing   Timing
}

func DefaultConfig(name string, role Role) Config {
	core := sed.DefaultConfig()
	core.Name = name
	up := link.DefaultConfig()
	up.Name = "uplink"
	up.Node = name
	up.End = link.EndUplink
	clk := clocksync.DefaultConfig()
	clk.Node = name
	return Config{
		Name:   name,
		Role:   role,
		Core:   core,
		Uplink: up,
		Clock:  clk,
		Timing: DefaultTiming(),
	}
}

// DownlinkConfig returns the default config for downlink i of node.
func DownlinkConfig(node string, i int) link.Config {
	cfg := link.DefaultConfig()
	cfg.Name = fmt.Sprintf("link%d", i)
	cfg.Node = node
	cfg.End = link.EndDownlink
	cfg.Seed = int64(i + 1)
	return cfg
}

// Validate aggregates every configuration problem.
func (c Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Name) == "" {
		err = multierr.Append(err, errors.New("node: name is required"))
	}
	if _, perr := ParseRole(string(c.Role)); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.Role.HasCore() {
		if cerr := c.Core.Validate(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("node: core: %w", cerr))
		}
	}
	if c.Role.HasUplink() {
		if c.Uplink.End != link.EndUplink {
			err = multierr.Append(err, errors.New("node: uplink must use the uplink end"))
		}
		if lerr := c.Uplink.Validate(); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("node: uplink: %w", lerr))
		}
		if cerr := c.Clock.Validate(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("node: clock: %w", cerr))
		}
	}
	for i, l := range c.Links {
		if l.End != link.EndDownlink {
			err = multierr.Append(err, fmt.Errorf("node: link %d must use the downlink end", i))
		}
		if lerr := l.Validate(); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("node: link %d: %w", i, lerr))
		}
	}
	if len(c.Links) > cri.MaxHops {
		err = multierr.Append(err, fmt.Errorf("node: %d links exceed %d hops", len(c.Links), cri.MaxHops))
	}
	if c.Role == RoleMaster {
		for dest, path := range c.Routes {
			if perr := cri.ValidatePath(path); perr != nil {
				err = multierr.Append(err, fmt.Errorf("node: route %d: %w", dest, perr))
				continue
			}
			if int(path[0]) > len(c.Links) {
				err = multierr.Append(err, fmt.Errorf("node: route %d: hop %d has no link", dest, path[0]))
			}
		}
	}
	if c.Timing.EchoRetry == 0 || c.Timing.PollInterval == 0 || c.Timing.RefreshInterval == 0 {
		err = multierr.Append(err, errors.New("node: timing intervals must be positive"))
	}
	return err
}

// Stats are node-level counters.
type Stats struct {
	Cycles          uint64 `json:"cycles"`
	WritesApplied   uint64 `json:"writes_applied"`
	WritesForwarded uint64 `json:"writes_forwarded"`
	ForwardDrops    uint64 `json:"forward_drops"`
	NoRoute         uint64 `json:"no_route"`
	UnknownChannel  uint64 `json:"unknown_channel"`
	ReadsServed     uint64 `json:"reads_served"`
	ReadTimeouts    uint64 `json:"read_timeouts"`
	AuxForwarded    uint64 `json:"aux_forwarded"`
	TimeSets        uint64 `json:"time_sets"`
	ClockErrors     uint64 `json:"clock_errors"`
	Resets          uint64 `json:"resets"`
}

// Node is one DRTIO node.
type Node struct {
	cfg   Config
	log   zerolog.Logger
	clock *tsc.Counter
	core  *sed.Core

	router    *cri.Router
	rank      uint8
	rankValid bool
	epoch     uint8
	timeValid bool

	uplink      *link.Endpoint
	loop        *clocksync.Loop
	clockErrRun int

	links []*Downlink
	ic    *cri.Interconnect
	dests *destinations
	reads []pendingRead

	stats Stats
}

// New builds a node. uplink is required for satellites and repeaters and
// ignored for masters; downlinks must match cfg.Links one to one. phy
// receives the local core's output events.
func New(cfg Config, uplink link.Transport, downlinks []link.Transport, phy rtlink.OutputPHY) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(downlinks) != len(cfg.Links) {
		return nil, fmt.Errorf("%w: %d transports for %d links", ErrTransports, len(downlinks), len(cfg.Links))
	}
	if cfg.Role.HasUplink() && uplink == nil {
		return nil, fmt.Errorf("%w: %s needs an uplink", ErrTransports, cfg.Role)
	}

	n := &Node{
		cfg:    cfg,
		log:    log.Logger.With().Str("node", cfg.Name).Str("role", string(cfg.Role)).Logger(),
		clock:  tsc.New(),
		router: cri.NewRouter(),
	}

	if cfg.Role.HasCore() {
		var loop *rtlink.Loopback
		if len(cfg.Loopback) > 0 {
			loop = &rtlink.Loopback{Map: cfg.Loopback, Next: phy}
			phy = loop
		}
		core, err := sed.New(cfg.Core, n.clock, phy)
		if err != nil {
			return nil, err
		}
		if loop != nil {
			loop.Sink = core
		}
		n.core = core
	}

	if cfg.Role == RoleMaster {
		n.rankValid = true
		n.timeValid = true
		routes := make(map[uint8][]uint8, len(cfg.Routes)+1)
		for d, p := range cfg.Routes {
			routes[d] = p
		}
		if _, ok := routes[0]; !ok {
			routes[0] = []uint8{0}
		}
		if err := n.router.Load(routes); err != nil {
			return nil, err
		}
		n.router.Apply()
	}

	if cfg.Role.HasUplink() {
		loop, err := clocksync.NewLoop(cfg.Clock)
		if err != nil {
			return nil, err
		}
		n.loop = loop
		n.uplink, err = link.NewEndpoint(cfg.Uplink, uplink, uplinkHandler{n}, loop)
		if err != nil {
			return nil, err
		}
		loop.OnUnlockLimit(func(err error) {
			n.log.Warn().Err(err).Msg("node.Node clock unlock limit")
			n.uplink.ForceDown("clock unlocks")
		})
	}

	targets := make([]cri.Target, len(cfg.Links))
	for i, lc := range cfg.Links {
		d := &Downlink{n: n, index: i, reads: make(map[uint32]*remoteTicket), pings: make(map[uint32]ping)}
		ep, err := link.NewEndpoint(lc, downlinks[i], downlinkHandler{d}, nil)
		if err != nil {
			return nil, err
		}
		d.ep = ep
		d.resetSync()
		n.links = append(n.links, d)
		targets[i] = d
	}

	if cfg.Role == RoleMaster {
		n.dests = newDestinations(n)
		var local cri.Target
		if n.core != nil {
			local = cri.LocalTarget{Core: n.core}
		}
		n.ic = cri.NewInterconnect(&cri.RouteResolver{Router: n.router, Local: local, Links: targets})
	}

	n.log.Info().Int("links", len(n.links)).Bool("core", n.core != nil).Msg("node.New")
	return n, nil
}

func (n *Node) Name() string { return n.cfg.Name }

func (n *Node) Role() Role { return n.cfg.Role }

func (n *Node) Config() Config { return n.cfg }

func (n *Node) Clock() *tsc.Counter { return n.clock }

// Now is the corrected TSC value.
func (n *Node) Now() uint64 { return n.clock.Now() }

// Core returns the local RTIO core, nil for repeaters.
func (n *Node) Core() *sed.Core { return n.core }

func (n *Node) Router() *cri.Router { return n.router }

// Interconnect returns the CRI interconnect of a master, nil otherwise.
func (n *Node) Interconnect() *cri.Interconnect { return n.ic }

func (n *Node) Uplink() *link.Endpoint { return n.uplink }

func (n *Node) ClockLoop() *clocksync.Loop { return n.loop }

func (n *Node) Links() []*Downlink { return n.links }

func (n *Node) Link(i int) (*Downlink, error) {
	if i < 0 || i >= len(n.links) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLink, i)
	}
	return n.links[i], nil
}

// Rank is the node's distance from the master; valid once pushed.
func (n *Node) Rank() (uint8, bool) { return n.rank, n.rankValid }

func (n *Node) Epoch() uint8 { return n.epoch }

// TimeValid reports whether the TSC has been loaded since start or reset.
func (n *Node) TimeValid() bool { return n.timeValid }

func (n *Node) Stats() Stats { return n.stats }

// Tick runs one coarse cycle: advance the TSC, step the clock loop, publish
// routing updates, run the links and role duties, then dispatch the core.
func (n *Node) Tick() {
	n.clock.Advance()
	cycle := n.clock.Raw()
	n.stats.Cycles++

	if n.loop != nil {
		n.loop.Step()
	}
	n.router.Apply()

	if n.uplink != nil {
		n.uplink.Tick(cycle)
	}
	for _, d := range n.links {
		d.tick(cycle)
	}
	if n.dests != nil {
		n.dests.tick(cycle)
	}

	if n.core != nil {
		n.core.Tick()
	}
	n.serviceReads()
}

// hop resolves where traffic for dest goes from this node: 0 is local,
// k is downlink k-1.
func (n *Node) hop(dest uint8) (uint8, bool) {
	if !n.rankValid {
		return 0, false
	}
	return n.router.Hop(dest, n.rank)
}

// downlinkFor returns the downlink for hop k ≥ 1.
func (n *Node) downlinkFor(hop uint8) (*Downlink, bool) {
	idx := int(hop) - 1
	if idx < 0 || idx >= len(n.links) {
		return nil, false
	}
	return n.links[idx], true
}

// markTimeSync asks every downlink to resend SET_TIME.
func (n *Node) markTimeSync() {
	for _, d := range n.links {
		d.needTime = true
	}
}

// SetTime loads the TSC and propagates the new time to the downlinks.
func (n *Node) SetTime(v uint64) {
	if n.core != nil {
		n.core.SetTime(v)
	} else {
		n.clock.Set(v)
	}
	n.timeValid = true
	n.stats.TimeSets++
	n.markTimeSync()
	n.log.Info().Uint64("tsc", v).Msg("node.Node.SetTime")
}
