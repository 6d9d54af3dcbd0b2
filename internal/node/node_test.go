package node

import (
	"testing"

	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/protocol/packet"
	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/rtlink"
	"github.com/danmuck/drtio/internal/rtio/sed"
	"github.com/danmuck/drtio/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func testConfig(name string, role Role) Config {
	cfg := DefaultConfig(name, role)
	cfg.Core.Channels = []sed.ChannelConfig{
		{ID: 0, Direction: sed.DirOutput, Lane: -1},
		{ID: 1, Direction: sed.DirOutput, Lane: -1},
		{ID: 4, Direction: sed.DirInput, Lane: -1},
	}
	return cfg
}

func newMaster(t *testing.T) (*Node, *rtlink.Recorder) {
	t.Helper()
	rec := rtlink.NewRecorder()
	n, err := New(testConfig("master", RoleMaster), nil, nil, rec)
	require.NoError(t, err)
	return n, rec
}

func at(n *Node, coarse uint64) rtio.Timestamp {
	return rtio.At(coarse, 0, n.fineBits())
}

func run(n *Node, cycles int) {
	for i := 0; i < cycles; i++ {
		n.Tick()
	}
}

// tree is a master with one satellite behind downlink 0.
type tree struct {
	wire       *link.SimWire
	master     *Node
	sat        *Node
	mrec, srec *rtlink.Recorder
}

func newTree(t *testing.T, delay uint64, mutate func(m, s *Config)) *tree {
	t.Helper()
	tr := &tree{
		wire: link.NewSimWire(link.WireConfig{Delay: delay, Seed: 3}),
		mrec: rtlink.NewRecorder(),
		srec: rtlink.NewRecorder(),
	}
	mcfg := testConfig("master", RoleMaster)
	mcfg.Links = []link.Config{DownlinkConfig("master", 0)}
	mcfg.Routes = map[uint8][]uint8{1: {1, 0}}
	scfg := testConfig("sat", RoleSatellite)
	if mutate != nil {
		mutate(&mcfg, &scfg)
	}
	var err error
	tr.master, err = New(mcfg, nil, []link.Transport{tr.wire.A()}, tr.mrec)
	require.NoError(t, err)
	tr.sat, err = New(scfg, tr.wire.B(), nil, tr.srec)
	require.NoError(t, err)
	return tr
}

func (tr *tree) tick(n int) {
	for i := 0; i < n; i++ {
		tr.wire.Tick()
		tr.master.Tick()
		tr.sat.Tick()
	}
}

func (tr *tree) runUntil(limit int, cond func() bool) bool {
	for i := 0; i < limit; i++ {
		if cond() {
			return true
		}
		tr.tick(1)
	}
	return cond()
}

func (tr *tree) up() bool { return tr.master.DestinationUp(1) }

func TestParseRole(t *testing.T) {
	testlog.Start(t)
	r, err := ParseRole(" Satellite ")
	require.NoError(t, err)
	require.Equal(t, RoleSatellite, r)
	require.True(t, r.HasCore())
	require.True(t, r.HasUplink())
	require.False(t, RoleRepeater.HasCore())
	require.False(t, RoleMaster.HasUplink())

	_, err = ParseRole("bridge")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestConfigValidateAggregatesProblems(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, testConfig("m", RoleMaster).Validate())
	require.NoError(t, testConfig("s", RoleSatellite).Validate())

	cfg := testConfig("", RoleMaster)
	cfg.Routes = map[uint8][]uint8{1: {3, 0}}
	cfg.Timing.PollInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 3)

	sat := testConfig("s", RoleSatellite)
	sat.Uplink.End = link.EndDownlink
	sat.Clock.Mode = "free"
	require.Len(t, multierr.Errors(sat.Validate()), 2)
}

func TestNewChecksTransports(t *testing.T) {
	testlog.Start(t)
	_, err := New(testConfig("s", RoleSatellite), nil, nil, nil)
	require.ErrorIs(t, err, ErrTransports)

	cfg := testConfig("m", RoleMaster)
	cfg.Links = []link.Config{DownlinkConfig("m", 0)}
	_, err = New(cfg, nil, nil, nil)
	require.ErrorIs(t, err, ErrTransports)
}

func TestMasterLocalWriteDispatchesAtLatency(t *testing.T) {
	testlog.Start(t)
	n, rec := newMaster(t)
	port, err := n.Port("test")
	require.NoError(t, err)

	port.SelectChannel(rtio.NewChannel(0, 0))
	require.True(t, port.Write(at(n, 20), 1).OK())
	port.SelectChannel(rtio.NewChannel(0, 1))
	require.True(t, port.Write(at(n, 25), 7).OK())
	run(n, 40)

	lat := n.Core().Latency()
	events := rec.Events()
	require.Len(t, events, 2)
	require.Equal(t, uint64(20)+lat, events[0].Cycle)
	require.Equal(t, uint64(25)+lat, events[1].Cycle)
	require.Equal(t, uint64(7), events[1].Data)
}

func TestMasterLocalErrorsAndReset(t *testing.T) {
	testlog.Start(t)
	n, _ := newMaster(t)
	run(n, 10)
	port, err := n.Port("test")
	require.NoError(t, err)
	port.SelectChannel(rtio.NewChannel(0, 0))

	require.True(t, port.Write(at(n, 5), 1).Has(rtio.StatusUnderflow))
	st, err := n.Errors(0)
	require.NoError(t, err)
	require.True(t, rtio.Status(st.Code).Has(rtio.StatusUnderflow))
	require.Equal(t, []string{"underflow"}, st.Names)

	cleared := false
	require.NoError(t, n.ClearErrors(0, rtio.StatusUnderflow, func(err error) {
		require.NoError(t, err)
		cleared = true
	}))
	require.True(t, cleared)
	st, _ = n.Errors(0)
	require.Zero(t, st.Code)

	require.True(t, port.Write(at(n, 5), 1).Has(rtio.StatusUnderflow))
	require.NoError(t, n.Reset(0, true, nil))
	st, _ = n.Errors(0)
	require.Zero(t, st.Code)
	require.Equal(t, uint64(1), n.Stats().Resets)

	require.ErrorIs(t, n.Reset(9, false, nil), ErrUnknownDestination)
}

func TestLoadRoutesKeepsLocalRouteAndCopies(t *testing.T) {
	testlog.Start(t)
	n, _ := newMaster(t)
	routes := map[uint8][]uint8{1: {1, 0}}
	require.NoError(t, n.LoadRoutes(routes))
	routes[1][0] = 5
	run(n, 1)

	hop, ok := n.Router().Hop(1, 0)
	require.True(t, ok)
	require.Equal(t, uint8(1), hop)
	hop, ok = n.Router().Hop(0, 0)
	require.True(t, ok)
	require.Zero(t, hop)
	require.Len(t, routes, 1)

	require.NoError(t, n.SetRoute(2, []uint8{1, 1, 0}))
	run(n, 1)
	require.Equal(t, []uint8{0, 1, 2}, n.Router().Table().Destinations())
}

func TestSatelliteRefusesMasterOperations(t *testing.T) {
	testlog.Start(t)
	w := link.NewSimWire(link.WireConfig{Delay: 1})
	n, err := New(testConfig("s", RoleSatellite), w.B(), nil, nil)
	require.NoError(t, err)

	_, err = n.Port("p")
	require.ErrorIs(t, err, ErrNotMaster)
	require.ErrorIs(t, n.Reset(0, false, nil), ErrNotMaster)
	require.ErrorIs(t, n.LoadRoutes(nil), ErrNotMaster)
	_, err = n.Errors(0)
	require.ErrorIs(t, err, ErrNotMaster)
	require.False(t, n.TimeValid())
	_, rankValid := n.Rank()
	require.False(t, rankValid)
}

func TestTreeBringUpAlignsTime(t *testing.T) {
	testlog.Start(t)
	tr := newTree(t, 4, nil)
	require.False(t, tr.up())
	require.Error(t, tr.master.Reset(1, false, nil), "reset of a down destination")

	require.True(t, tr.runUntil(5000, tr.up))
	rank, ok := tr.sat.Rank()
	require.True(t, ok)
	require.Equal(t, uint8(1), rank)
	require.True(t, tr.sat.TimeValid())
	require.Equal(t, tr.master.Now(), tr.sat.Now())
	require.Equal(t, uint8(1), tr.sat.Epoch(), "the up transition resets the destination")

	d := tr.master.Links()[0]
	delay, ok := d.Delay()
	require.True(t, ok)
	require.Equal(t, uint64(4+2), delay)
	require.True(t, d.Synced())

	status, ok := tr.master.Destination(1)
	require.True(t, ok)
	require.True(t, status.Up)
	require.Equal(t, 0, status.Link)
}

func TestEchoMeasuresRoundTrip(t *testing.T) {
	testlog.Start(t)
	tr := newTree(t, 3, nil)
	require.True(t, tr.runUntil(5000, tr.up))

	var rtt uint64
	done := false
	require.NoError(t, tr.master.Links()[0].Echo(func(r uint64, err error) {
		require.NoError(t, err)
		rtt, done = r, true
	}))
	require.True(t, tr.runUntil(100, func() bool { return done }))
	require.Equal(t, uint64(2*3+4), rtt)
}

func TestSetTimeRetimesSatellite(t *testing.T) {
	testlog.Start(t)
	tr := newTree(t, 2, nil)
	require.True(t, tr.runUntil(5000, tr.up))
	before := tr.master.Links()[0].Stats().TimeSets

	tr.master.SetTime(1_000_000)
	tr.tick(50)
	require.Equal(t, tr.master.Now(), tr.sat.Now())
	require.Greater(t, tr.master.Links()[0].Stats().TimeSets, before)
}

func TestClockDiscrepancyForcesUplinkDown(t *testing.T) {
	testlog.Start(t)
	tr := newTree(t, 2, func(m, _ *Config) { m.Timing.BeaconInterval = 0 })
	require.True(t, tr.runUntil(5000, tr.up))
	s := tr.sat

	bad := packet.SetTime{Timestamp: s.Now() + 100, Check: true}
	s.handleSetTime(bad)
	s.handleSetTime(packet.SetTime{Timestamp: s.Now(), Check: true})
	s.handleSetTime(bad)
	s.handleSetTime(bad)
	require.True(t, s.Uplink().Ready(), "a matching beacon restarts the run")
	require.Equal(t, uint64(3), s.Stats().ClockErrors)

	s.handleSetTime(bad)
	require.Equal(t, link.StateDown, s.Uplink().State())
	require.Equal(t, "tsc discrepancy", s.Uplink().LastDownReason())
	require.False(t, s.TimeValid())

	require.True(t, tr.runUntil(200, func() bool { return !tr.up() }))
	require.True(t, tr.runUntil(5000, tr.up))
	require.Equal(t, tr.master.Now(), s.Now())
}

func TestRemoteWriteRunsAtSatellite(t *testing.T) {
	testlog.Start(t)
	tr := newTree(t, 5, nil)
	require.True(t, tr.runUntil(5000, tr.up))
	port, err := tr.master.Port("test")
	require.NoError(t, err)
	port.SelectChannel(rtio.NewChannel(1, 1))

	target := tr.master.Now() + 300
	require.True(t, tr.runUntil(200, func() bool {
		return port.Write(at(tr.master, target), 9) != rtio.StatusBusy
	}))
	require.True(t, port.Status().OK())
	tr.tick(int(target-tr.master.Now()) + 10)

	events := tr.srec.ForChannel(1)
	require.Len(t, events, 1)
	require.Equal(t, target+tr.sat.Core().Latency(), events[0].Cycle)
	require.Empty(t, tr.mrec.Events())
	require.Equal(t, uint64(1), tr.sat.Stats().WritesApplied)
}
