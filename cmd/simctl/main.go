package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/drtio/internal/config"
	"github.com/danmuck/drtio/internal/node"
	"github.com/danmuck/drtio/internal/observability"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/sim"
	"github.com/rs/zerolog/log"
)

var (
	ErrNeverUp   = errors.New("simctl: topology did not come up")
	ErrStuckBusy = errors.New("simctl: destination stayed busy")
)

const (
	upLimit    = 50000
	busyLimit  = 2000
	scenarioAt = 400
)

// write offsets of the reference scenario, per channel.
var scenario = []struct {
	ch     uint16
	offset uint64
	data   uint64
}{
	{0, 0, 1},
	{0, 5, 0},
	{1, 5, 1},
	{1, 11, 0},
}

type scenarioResult struct {
	Node        string   `json:"node"`
	Destination uint8    `json:"destination"`
	Expected    []uint64 `json:"expected"`
	Observed    []uint64 `json:"observed"`
	OK          bool     `json:"ok"`
}

type nodeReport struct {
	Name  string            `json:"name"`
	Role  node.Role         `json:"role"`
	Stats node.Stats        `json:"stats"`
	Links []node.LinkStatus `json:"links"`
}

type report struct {
	Cycles       uint64                   `json:"cycles"`
	UpAt         uint64                   `json:"up_at"`
	Scenario     []scenarioResult         `json:"scenario"`
	Destinations []node.DestinationStatus `json:"destinations"`
	Nodes        []nodeReport             `json:"nodes"`
}

func main() {
	path := flag.String("topology", "", "topology file (defaults to one master and one satellite)")
	cycles := flag.Int("cycles", 0, "cycles to run after bring-up (overrides the file)")
	flag.Parse()

	observability.InitLogger("simctl")
	topo := config.Topology{Seed: 1, Cycles: 20000, Nodes: []config.TopologyNode{
		{Name: "master", Role: "master"},
		{Name: "sat1", Role: "satellite", Parent: "master", Delay: 5},
	}}
	if *path != "" {
		var err error
		if topo, err = config.LoadTopology(*path); err != nil {
			fmt.Fprintf(os.Stderr, "simctl: %v\n", err)
			os.Exit(1)
		}
	}
	if *cycles > 0 {
		topo.Cycles = *cycles
	}

	rep, err := run(topo)
	if rep != nil {
		if werr := writeReport(os.Stdout, rep); werr != nil {
			fmt.Fprintf(os.Stderr, "simctl: %v\n", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "simctl: %v\n", err)
		os.Exit(1)
	}
}

// run builds the topology, waits for every destination, plays the reference
// scenario on each satellite and keeps the topology running for the
// configured cycles.
func run(topo config.Topology) (*report, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	h := sim.New(topo.Seed)
	for _, n := range topo.Nodes {
		role, _ := node.ParseRole(n.Role)
		if _, err := h.Add(sim.Spec{Name: n.Name, Role: role, Parent: n.Parent, Delay: n.Delay}); err != nil {
			return nil, err
		}
	}
	if err := h.Build(); err != nil {
		return nil, err
	}
	for _, n := range topo.Nodes[1:] {
		if n.BitErrorRate > 0 {
			h.Wire(n.Name).SetBitErrorRate(n.BitErrorRate)
		}
	}

	rep := &report{}
	if !h.WaitUp(upLimit) {
		rep.fill(h, topo)
		return rep, ErrNeverUp
	}
	rep.UpAt = h.Cycle()
	log.Info().Uint64("cycle", rep.UpAt).Int("nodes", len(topo.Nodes)).Msg("simctl topology up")

	results, err := playScenario(h, topo)
	rep.Scenario = results
	if err != nil {
		rep.fill(h, topo)
		return rep, err
	}
	h.Run(topo.Cycles)
	rep.fill(h, topo)
	return rep, nil
}

func playScenario(h *sim.Harness, topo config.Topology) ([]scenarioResult, error) {
	m := h.Master()
	port, err := m.Port("simctl")
	if err != nil {
		return nil, err
	}
	T := m.Now() + scenarioAt

	var targets []config.TopologyNode
	for _, n := range topo.Nodes[1:] {
		if role, _ := node.ParseRole(n.Role); role.HasCore() {
			targets = append(targets, n)
		}
	}
	for _, n := range targets {
		dest := h.Destination(n.Name)
		for _, w := range scenario {
			port.SelectChannel(rtio.NewChannel(dest, w.ch))
			st := rtio.StatusBusy
			for i := 0; i < busyLimit && st == rtio.StatusBusy; i++ {
				if st = port.Write(h.Timestamp(T+w.offset), w.data); st == rtio.StatusBusy {
					h.Tick()
				}
			}
			if st == rtio.StatusBusy {
				return nil, fmt.Errorf("%w: %s", ErrStuckBusy, n.Name)
			}
			if !st.OK() {
				return nil, fmt.Errorf("simctl: write to %s channel %d: %s", n.Name, w.ch, st)
			}
		}
	}
	if now := m.Now(); now < T+20 {
		h.Run(int(T + 20 - now))
	}

	results := make([]scenarioResult, 0, len(targets))
	for _, n := range targets {
		lat := h.Node(n.Name).Core().Latency()
		res := scenarioResult{Node: n.Name, Destination: h.Destination(n.Name)}
		for _, w := range scenario {
			res.Expected = append(res.Expected, T+w.offset+lat)
		}
		phy := h.PHY(n.Name)
		for _, ch := range []uint16{0, 1} {
			for _, ev := range phy.ForChannel(ch) {
				res.Observed = append(res.Observed, ev.Cycle)
			}
		}
		res.OK = equal(res.Expected, res.Observed)
		results = append(results, res)
	}
	return results, nil
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *report) fill(h *sim.Harness, topo config.Topology) {
	r.Cycles = h.Cycle()
	r.Destinations = h.Master().Destinations()
	for _, n := range topo.Nodes {
		nd := h.Node(n.Name)
		r.Nodes = append(r.Nodes, nodeReport{
			Name:  nd.Name(),
			Role:  nd.Role(),
			Stats: nd.Stats(),
			Links: nd.LinkStatus(),
		})
	}
}

func writeReport(w io.Writer, r *report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
