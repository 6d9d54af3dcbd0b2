package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/observability"
	"github.com/danmuck/drtio/internal/protocol/frame"
	"github.com/danmuck/drtio/internal/rtio/cri"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidTickInterval      = errors.New("node: invalid tick interval")
	ErrInvalidHeartbeatInterval = errors.New("node: invalid heartbeat interval")
	ErrLinkAddrs                = errors.New("node: link address count does not match links")
	ErrUplinkAddr               = errors.New("node: uplink listen address required")
	ErrServiceStopped           = errors.New("node: service not running")
)

// ServiceConfig configures a node process: the cycle pacing, the TCP
// transports of its links and the admin and metrics listeners.
type ServiceConfig struct {
	Node Config
	// TickInterval is the wall time of one coarse cycle.
	TickInterval time.Duration
	// MaxCatchUp bounds the cycles run for one ticker wake-up after a stall.
	MaxCatchUp        int
	HeartbeatInterval time.Duration
	// UplinkListenAddr is where the parent node connects (satellites, repeaters).
	UplinkListenAddr string
	// LinkAddrs are dialled by the downlinks, one per entry of Node.Links.
	LinkAddrs         []string
	RedialInterval    time.Duration
	AdminListenAddr   string
	MetricsListenAddr string
	Limits            frame.Limits
}

func DefaultServiceConfig(cfg Config) ServiceConfig {
	return ServiceConfig{
		Node:              cfg,
		TickInterval:      time.Millisecond,
		MaxCatchUp:        64,
		HeartbeatInterval: 5 * time.Second,
		RedialInterval:    time.Second,
		Limits:            frame.DefaultLimits(),
	}
}

func (c ServiceConfig) Validate() error {
	var err error
	if c.TickInterval <= 0 {
		err = multierr.Append(err, ErrInvalidTickInterval)
	}
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, ErrInvalidHeartbeatInterval)
	}
	if len(c.LinkAddrs) != len(c.Node.Links) {
		err = multierr.Append(err, fmt.Errorf("%w: %d addresses for %d links", ErrLinkAddrs, len(c.LinkAddrs), len(c.Node.Links)))
	}
	if c.Node.Role.HasUplink() && strings.TrimSpace(c.UplinkListenAddr) == "" {
		err = multierr.Append(err, ErrUplinkAddr)
	}
	return multierr.Append(err, c.Node.Validate())
}

type command struct {
	fn   func(*Node) (any, error)
	done chan commandResult
}

type commandResult struct {
	data any
	err  error
}

// Service runs one node in real time. A single dispatch goroutine owns the
// node; everything else reaches it through Do.
type Service struct {
	cfg   ServiceConfig
	clock clock.Clock
	log   zerolog.Logger
	node  *Node
	phy   *phyLog
	port  *cri.Port

	uplink *netTransport
	links  []*netTransport

	cmds    chan command
	running atomic.Bool
	stopped chan struct{}

	mu         sync.Mutex
	uplinkAddr string
	adminAddr  string

	adminClientCount atomic.Int64
}

// NewService builds the node and its transports. clk paces the cycles;
// nil means the wall clock.
func NewService(cfg ServiceConfig, clk clock.Clock) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = 1
	}
	s := &Service{
		cfg:     cfg,
		clock:   clk,
		log:     log.Logger.With().Str("node", cfg.Node.Name).Logger(),
		phy:     &phyLog{node: cfg.Node.Name},
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}

	var up link.Transport
	if cfg.Node.Role.HasUplink() {
		s.uplink = &netTransport{}
		up = s.uplink
	}
	downs := make([]link.Transport, len(cfg.Node.Links))
	for i := range cfg.Node.Links {
		t := &netTransport{}
		s.links = append(s.links, t)
		downs[i] = t
	}
	n, err := New(cfg.Node, up, downs, s.phy)
	if err != nil {
		return nil, err
	}
	s.node = n
	return s, nil
}

// Node exposes the managed node. Only safe to touch through Do while running.
func (s *Service) Node() *Node {
	return s.node
}

// PHYEvents returns how many output events reached the PHY.
func (s *Service) PHYEvents() uint64 {
	return s.phy.events.Load()
}

// UplinkAddr is the bound uplink listener address once Run has started it.
func (s *Service) UplinkAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uplinkAddr
}

// AdminAddr is the bound admin listener address once Run has started it.
func (s *Service) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

func (s *Service) AdminClientCount() int64 {
	return s.adminClientCount.Load()
}

// Do runs fn on the dispatch goroutine between two cycles.
func (s *Service) Do(ctx context.Context, fn func(*Node) (any, error)) (any, error) {
	if !s.running.Load() {
		return nil, ErrServiceStopped
	}
	cmd := command{fn: fn, done: make(chan commandResult, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return nil, ErrServiceStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-cmd.done:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves until ctx ends or a listener fails. A service runs once.
func (s *Service) Run(ctx context.Context) error {
	var upLn, adminLn net.Listener
	if s.uplink != nil {
		ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.UplinkListenAddr))
		if err != nil {
			return err
		}
		upLn = ln
	}
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if upLn != nil {
				return multierr.Append(err, upLn.Close())
			}
			return err
		}
		adminLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)
	if upLn != nil {
		g.Go(func() error { return s.acceptUplink(gctx, upLn) })
	}
	for i, t := range s.links {
		addr := s.cfg.LinkAddrs[i]
		g.Go(func() error { return s.dialLink(gctx, i, addr, t) })
	}
	if adminLn != nil {
		g.Go(func() error { return s.serveAdminControl(gctx, adminLn) })
	}
	if addr := strings.TrimSpace(s.cfg.MetricsListenAddr); addr != "" {
		g.Go(func() error { return s.serveMetrics(gctx, addr) })
	}

	// Addresses are published once Do accepts commands.
	s.running.Store(true)
	s.mu.Lock()
	if upLn != nil {
		s.uplinkAddr = upLn.Addr().String()
	}
	if adminLn != nil {
		s.adminAddr = adminLn.Addr().String()
	}
	s.mu.Unlock()
	g.Go(func() error { return s.dispatch(gctx) })
	err := g.Wait()
	s.running.Store(false)
	return multierr.Append(err, s.close())
}

// dispatch paces Node.Tick against the clock, catching up on missed cycles.
func (s *Service) dispatch(ctx context.Context) error {
	defer close(s.stopped)
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()
	start := s.clock.Now()
	lastBeat := start
	var ran uint64

	s.log.Info().
		Str("role", string(s.node.Role())).
		Dur("tick", s.cfg.TickInterval).
		Int("links", len(s.links)).
		Msg("node.Service.dispatch started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Uint64("cycles", ran).Msg("node.Service.dispatch shutdown")
			return nil
		case cmd := <-s.cmds:
			data, err := cmd.fn(s.node)
			cmd.done <- commandResult{data: data, err: err}
		case now := <-ticker.C:
			due := uint64(now.Sub(start) / s.cfg.TickInterval)
			steps := 0
			for ran < due && steps < s.cfg.MaxCatchUp {
				s.node.Tick()
				ran++
				steps++
			}
			if ran < due {
				// Drop the backlog rather than spin; the links see a stall.
				s.log.Warn().Uint64("skipped", due-ran).Msg("node.Service.dispatch behind")
				ran = due
			}
			if now.Sub(lastBeat) >= s.cfg.HeartbeatInterval {
				lastBeat = now
				s.heartbeat()
			}
		}
	}
}

func (s *Service) heartbeat() {
	st := s.node.Status()
	ev := s.log.Info().
		Uint64("cycles", st.Counters.Cycles).
		Uint64("tsc", st.TSC).
		Bool("time_valid", st.TimeValid).
		Int64("admin_clients", s.AdminClientCount()).
		Uint64("phy_events", s.PHYEvents())
	if s.node.Uplink() != nil {
		ev = ev.Str("uplink", s.node.Uplink().State().String())
	}
	ev.Int("destinations_up", countUp(s.node.Destinations())).Msg("node.Service.heartbeat")
}

func countUp(ds []DestinationStatus) int {
	n := 0
	for _, d := range ds {
		if d.Up {
			n++
		}
	}
	return n
}

// acceptUplink keeps the newest parent connection as the uplink transport.
func (s *Service) acceptUplink(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("node.Service uplink listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w := link.NewTCPWire(conn, s.cfg.Limits)
		s.uplink.set(w)
		s.log.Info().Str("remote", w.RemoteAddr()).Msg("node.Service uplink connected")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				s.log.Warn().Err(err).Msg("node.Service uplink lost")
			}
			s.uplink.clear(w)
		}()
	}
}

// dialLink keeps downlink i connected to addr, redialling after failures.
func (s *Service) dialLink(ctx context.Context, i int, addr string, t *netTransport) error {
	var d net.Dialer
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			attempt++
			s.log.Warn().Int("link", i).Str("addr", addr).Int("attempt", attempt).Err(err).Msg("node.Service.dialLink connect failed")
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(s.cfg.RedialInterval):
			}
			continue
		}
		attempt = 0
		w := link.NewTCPWire(conn, s.cfg.Limits)
		t.set(w)
		s.log.Info().Int("link", i).Str("addr", addr).Msg("node.Service.dialLink connected")
		if err := w.Run(ctx); err != nil {
			s.log.Warn().Int("link", i).Err(err).Msg("node.Service.dialLink session lost")
		}
		t.clear(w)
	}
}

func (s *Service) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	s.log.Info().Str("addr", addr).Msg("node.Service metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) close() error {
	var err error
	if s.uplink != nil {
		err = multierr.Append(err, s.uplink.Close())
	}
	for _, t := range s.links {
		err = multierr.Append(err, t.Close())
	}
	return err
}

// netTransport is a link.Transport over whichever TCP connection is current.
// Without one it drops sends, which the link sees as silence.
type netTransport struct {
	mu   sync.Mutex
	wire *link.TCPWire
}

func (t *netTransport) set(w *link.TCPWire) {
	t.mu.Lock()
	old := t.wire
	t.wire = w
	t.mu.Unlock()
	if old != nil && old != w {
		_ = old.Close()
	}
}

func (t *netTransport) clear(w *link.TCPWire) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wire == w {
		t.wire = nil
	}
}

func (t *netTransport) current() *link.TCPWire {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wire
}

func (t *netTransport) Send(b []byte) error {
	w := t.current()
	if w == nil {
		return link.ErrClosed
	}
	return w.Send(b)
}

func (t *netTransport) Receive(dst [][]byte) [][]byte {
	w := t.current()
	if w == nil {
		return dst
	}
	return w.Receive(dst)
}

func (t *netTransport) Close() error {
	t.mu.Lock()
	w := t.wire
	t.wire = nil
	t.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// phyLog is the runtime PHY: it logs dispatched events and counts them.
type phyLog struct {
	node   string
	events atomic.Uint64
	resets atomic.Uint64
}

func (p *phyLog) Output(ev rtlink.OutputEvent) {
	p.events.Add(1)
	log.Debug().
		Str("node", p.node).
		Uint16("channel", ev.Channel).
		Uint64("data", ev.Data).
		Uint64("timestamp", uint64(ev.Timestamp)).
		Uint64("cycle", ev.Cycle).
		Msg("node.phy output")
}

func (p *phyLog) ResetPHY() {
	p.resets.Add(1)
	log.Info().Str("node", p.node).Msg("node.phy reset")
}
