package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/drtio/internal/node"
	"go.uber.org/multierr"
)

var ErrEmptyTopology = errors.New("config: topology has no nodes")

// TopologyNode is one node of a simulated topology.
type TopologyNode struct {
	Name   string `toml:"name"`
	Role   string `toml:"role"`
	Parent string `toml:"parent"`
	// Delay is the wire delay to the parent, in cycles.
	Delay uint64 `toml:"delay"`
	// BitErrorRate corrupts symbols on the wire to the parent.
	BitErrorRate float64 `toml:"bit_error_rate"`
}

// Topology describes a simulation run.
type Topology struct {
	Seed   int64          `toml:"seed"`
	Cycles int            `toml:"cycles"`
	Nodes  []TopologyNode `toml:"nodes"`
}

func LoadTopology(path string) (Topology, error) {
	topo := Topology{Seed: 1, Cycles: 20000}
	if _, err := toml.DecodeFile(path, &topo); err != nil {
		return Topology{}, fmt.Errorf("load topology: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return Topology{}, fmt.Errorf("topology %s: %w", path, err)
	}
	return topo, nil
}

// Validate checks names, roles and that every parent is declared before its
// children, which is the order the harness numbers destinations in.
func (t Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return ErrEmptyTopology
	}
	var errs error
	if t.Cycles <= 0 {
		errs = multierr.Append(errs, errors.New("config: cycles must be positive"))
	}
	seen := make(map[string]bool, len(t.Nodes))
	for i, n := range t.Nodes {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: name is required", i))
		} else if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: duplicate name %q", i, name))
		}
		role, err := node.ParseRole(n.Role)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
		}
		switch {
		case i == 0 && role != node.RoleMaster:
			errs = multierr.Append(errs, fmt.Errorf("nodes[0]: first node must be the master"))
		case i > 0 && role == node.RoleMaster:
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: only one master", i))
		case i > 0 && !seen[strings.TrimSpace(n.Parent)]:
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: parent %q not declared before it", i, n.Parent))
		}
		if n.BitErrorRate < 0 || n.BitErrorRate > 1 {
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: bit error rate %v out of range", i, n.BitErrorRate))
		}
		seen[name] = true
	}
	return errs
}
