// Package config loads node and topology files. Files only override the
// defaults of the keys they define.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/drtio/internal/clocksync"
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/node"
	"github.com/danmuck/drtio/internal/rtio/sed"
	"go.uber.org/multierr"
)

var (
	ErrMissingRole  = errors.New("config: role is required")
	ErrBadDirection = errors.New("config: unknown channel direction")
	ErrBadRoute     = errors.New("config: invalid route")
	ErrBadLoopback  = errors.New("config: invalid loopback")
)

type fileChannel struct {
	ID         uint16 `toml:"id"`
	Direction  string `toml:"direction"`
	Lane       *int   `toml:"lane"`
	Width      uint   `toml:"width"`
	Replace    bool   `toml:"replace"`
	InputDepth int    `toml:"input_depth"`
}

type fileCore struct {
	Lanes      int           `toml:"lanes"`
	LaneDepth  int           `toml:"lane_depth"`
	Latency    uint64        `toml:"latency"`
	FineBits   uint          `toml:"fine_bits"`
	InputDepth int           `toml:"input_depth"`
	Channels   []fileChannel `toml:"channels"`
}

type fileTiming struct {
	BeaconInterval  uint64 `toml:"beacon_interval"`
	CheckMargin     uint64 `toml:"check_margin"`
	MaxClockErrors  int    `toml:"max_clock_errors"`
	PollInterval    uint64 `toml:"poll_interval"`
	RefreshInterval uint64 `toml:"refresh_interval"`
	ReadSlack       uint64 `toml:"read_slack"`
}

type fileAux struct {
	Timeout uint64 `toml:"timeout"`
	Retries int    `toml:"retries"`
}

type fileClock struct {
	Mode         string  `toml:"mode"`
	MeasureEvery uint64  `toml:"measure_every"`
	Jitter       float64 `toml:"jitter"`
	Drift        float64 `toml:"drift"`
}

type fileLink struct {
	Addr string `toml:"addr"`
}

type fileConfig struct {
	Name              string           `toml:"name"`
	Role              string           `toml:"role"`
	TickInterval      string           `toml:"tick_interval"`
	MaxCatchUp        int              `toml:"max_catch_up"`
	HeartbeatInterval string           `toml:"heartbeat_interval"`
	RedialInterval    string           `toml:"redial_interval"`
	UplinkListen      string           `toml:"uplink_listen"`
	AdminListen       string           `toml:"admin_listen"`
	MetricsListen     string           `toml:"metrics_listen"`
	Links             []fileLink       `toml:"links"`
	Routes            map[string][]int `toml:"routes"`
	Loopback          map[string]int   `toml:"loopback"`
	Core              fileCore         `toml:"core"`
	Timing            fileTiming       `toml:"timing"`
	Aux               fileAux          `toml:"aux"`
	Clock             fileClock        `toml:"clock"`
}

// LoadNode reads a node file into a validated service config.
func LoadNode(path string) (node.ServiceConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.ServiceConfig{}, fmt.Errorf("load node config: %w", err)
	}
	cfg, err := buildNode(raw, meta)
	if err != nil {
		return node.ServiceConfig{}, fmt.Errorf("node config %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeNode is LoadNode for in-memory TOML.
func DecodeNode(data string) (node.ServiceConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return node.ServiceConfig{}, fmt.Errorf("decode node config: %w", err)
	}
	return buildNode(raw, meta)
}

func buildNode(raw fileConfig, meta toml.MetaData) (node.ServiceConfig, error) {
	if !meta.IsDefined("role") {
		return node.ServiceConfig{}, ErrMissingRole
	}
	role, err := node.ParseRole(raw.Role)
	if err != nil {
		return node.ServiceConfig{}, err
	}
	name := strings.TrimSpace(raw.Name)
	ncfg := node.DefaultConfig(name, role)
	cfg := node.DefaultServiceConfig(ncfg)

	var errs error
	duration := func(key, v string, dst *time.Duration) {
		if !meta.IsDefined(key) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("parse %s: %w", key, err))
			return
		}
		*dst = d
	}
	duration("tick_interval", raw.TickInterval, &cfg.TickInterval)
	duration("heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval)
	duration("redial_interval", raw.RedialInterval, &cfg.RedialInterval)

	if meta.IsDefined("max_catch_up") {
		cfg.MaxCatchUp = raw.MaxCatchUp
	}
	if meta.IsDefined("uplink_listen") {
		cfg.UplinkListenAddr = strings.TrimSpace(raw.UplinkListen)
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListenAddr = strings.TrimSpace(raw.MetricsListen)
	}

	applyCore(&ncfg.Core, raw.Core, meta, &errs)
	applyTiming(&ncfg.Timing, raw.Timing, meta)
	applyClock(&ncfg, raw.Clock, meta)

	for i, l := range raw.Links {
		lc := node.DownlinkConfig(name, i)
		cfg.LinkAddrs = append(cfg.LinkAddrs, strings.TrimSpace(l.Addr))
		ncfg.Links = append(ncfg.Links, lc)
	}
	if meta.IsDefined("aux") {
		applyAux(&ncfg.Uplink, raw.Aux, meta)
		for i := range ncfg.Links {
			applyAux(&ncfg.Links[i], raw.Aux, meta)
		}
	}

	if meta.IsDefined("routes") {
		routes, err := parseRoutes(raw.Routes)
		errs = multierr.Append(errs, err)
		ncfg.Routes = routes
	}
	if meta.IsDefined("loopback") {
		loop, err := parseLoopback(raw.Loopback)
		errs = multierr.Append(errs, err)
		ncfg.Loopback = loop
	}

	cfg.Node = ncfg
	errs = multierr.Append(errs, cfg.Validate())
	if errs != nil {
		return node.ServiceConfig{}, errs
	}
	return cfg, nil
}

func applyCore(core *sed.Config, raw fileCore, meta toml.MetaData, errs *error) {
	if meta.IsDefined("core", "lanes") {
		core.Lanes = raw.Lanes
	}
	if meta.IsDefined("core", "lane_depth") {
		core.LaneDepth = raw.LaneDepth
	}
	if meta.IsDefined("core", "latency") {
		core.Latency = raw.Latency
	}
	if meta.IsDefined("core", "fine_bits") {
		core.FineBits = raw.FineBits
	}
	if meta.IsDefined("core", "input_depth") {
		core.InputDepth = raw.InputDepth
	}
	if !meta.IsDefined("core", "channels") {
		return
	}
	core.Channels = core.Channels[:0]
	for i, ch := range raw.Channels {
		dir, err := ParseDirection(ch.Direction)
		if err != nil {
			*errs = multierr.Append(*errs, fmt.Errorf("channel[%d]: %w", i, err))
			continue
		}
		lane := -1
		if ch.Lane != nil {
			lane = *ch.Lane
		}
		core.Channels = append(core.Channels, sed.ChannelConfig{
			ID:         ch.ID,
			Direction:  dir,
			Lane:       lane,
			Width:      ch.Width,
			Replace:    ch.Replace,
			InputDepth: ch.InputDepth,
		})
	}
}

func applyTiming(t *node.Timing, raw fileTiming, meta toml.MetaData) {
	if meta.IsDefined("timing", "beacon_interval") {
		t.BeaconInterval = raw.BeaconInterval
	}
	if meta.IsDefined("timing", "check_margin") {
		t.CheckMargin = raw.CheckMargin
	}
	if meta.IsDefined("timing", "max_clock_errors") {
		t.MaxClockErrors = raw.MaxClockErrors
	}
	if meta.IsDefined("timing", "poll_interval") {
		t.PollInterval = raw.PollInterval
	}
	if meta.IsDefined("timing", "refresh_interval") {
		t.RefreshInterval = raw.RefreshInterval
	}
	if meta.IsDefined("timing", "read_slack") {
		t.ReadSlack = raw.ReadSlack
	}
}

func applyClock(cfg *node.Config, raw fileClock, meta toml.MetaData) {
	if meta.IsDefined("clock", "mode") {
		cfg.Clock.Mode = clocksync.Mode(strings.ToLower(strings.TrimSpace(raw.Mode)))
	}
	if meta.IsDefined("clock", "measure_every") {
		cfg.Clock.MeasureEvery = raw.MeasureEvery
	}
	if meta.IsDefined("clock", "jitter") {
		cfg.Clock.Jitter = raw.Jitter
	}
	if meta.IsDefined("clock", "drift") {
		cfg.Clock.Drift = raw.Drift
	}
}

func applyAux(l *link.Config, raw fileAux, meta toml.MetaData) {
	if meta.IsDefined("aux", "timeout") {
		l.Aux.Timeout = raw.Timeout
	}
	if meta.IsDefined("aux", "retries") {
		l.Aux.Retries = raw.Retries
	}
}

// ParseDirection accepts output, input and inout.
func ParseDirection(s string) (sed.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "output", "out":
		return sed.DirOutput, nil
	case "input", "in":
		return sed.DirInput, nil
	case "inout", "both":
		return sed.DirBoth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadDirection, s)
}

// parseRoutes converts TOML route keys, which are always strings, into
// destination numbers.
func parseRoutes(in map[string][]int) (map[uint8][]uint8, error) {
	var errs error
	out := make(map[uint8][]uint8, len(in))
	for key, hops := range in {
		dest, err := strconv.ParseUint(strings.TrimSpace(key), 10, 8)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: destination %q", ErrBadRoute, key))
			continue
		}
		path := make([]uint8, 0, len(hops))
		for _, h := range hops {
			if h < 0 || h > 255 {
				errs = multierr.Append(errs, fmt.Errorf("%w: destination %d hop %d", ErrBadRoute, dest, h))
				path = nil
				break
			}
			path = append(path, uint8(h))
		}
		if path != nil {
			out[uint8(dest)] = path
		}
	}
	return out, errs
}

func parseLoopback(in map[string]int) (map[uint16]uint16, error) {
	var errs error
	out := make(map[uint16]uint16, len(in))
	for key, to := range in {
		from, err := strconv.ParseUint(strings.TrimSpace(key), 10, 16)
		if err != nil || to < 0 || to > 0xffff {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s -> %d", ErrBadLoopback, key, to))
			continue
		}
		out[uint16(from)] = uint16(to)
	}
	return out, errs
}
