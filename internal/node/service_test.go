package node

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/drtio/internal/link"
	"github.com/danmuck/drtio/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func startService(t *testing.T, cfg ServiceConfig, clk clock.Clock) *Service {
	t.Helper()
	svc, err := NewService(cfg, clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	})

	require.Eventually(t, func() bool {
		_, err := svc.Do(ctx, func(*Node) (any, error) { return nil, nil })
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return svc
}

func cycles(t *testing.T, svc *Service) uint64 {
	t.Helper()
	out, err := svc.Do(context.Background(), func(n *Node) (any, error) { return n.Stats().Cycles, nil })
	require.NoError(t, err)
	return out.(uint64)
}

type adminClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialAdmin(t *testing.T, addr string) *adminClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &adminClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *adminClient) raw(line string) controlResponse {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
	reply, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	var resp controlResponse
	require.NoError(c.t, json.Unmarshal(reply, &resp))
	return resp
}

func (c *adminClient) call(req map[string]any, out any) controlResponse {
	c.t.Helper()
	b, err := json.Marshal(req)
	require.NoError(c.t, err)
	resp := c.raw(string(b))
	if resp.OK && out != nil {
		data, err := json.Marshal(resp.Data)
		require.NoError(c.t, err)
		require.NoError(c.t, json.Unmarshal(data, out))
	}
	return resp
}

func TestServiceConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig(testConfig("m", RoleMaster))
	require.NoError(t, cfg.Validate())

	cfg.TickInterval = 0
	cfg.LinkAddrs = []string{"127.0.0.1:1"}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidTickInterval)
	require.ErrorIs(t, err, ErrLinkAddrs)
	require.Len(t, multierr.Errors(err), 2)

	sat := DefaultServiceConfig(testConfig("s", RoleSatellite))
	require.ErrorIs(t, sat.Validate(), ErrUplinkAddr)
}

func TestServiceDoBeforeRun(t *testing.T) {
	testlog.Start(t)
	svc, err := NewService(DefaultServiceConfig(testConfig("m", RoleMaster)), clock.NewMock())
	require.NoError(t, err)
	_, err = svc.Do(context.Background(), func(*Node) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrServiceStopped)
}

func TestServicePacesCyclesWithClock(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	svc := startService(t, DefaultServiceConfig(testConfig("m", RoleMaster)), mock)
	require.Zero(t, cycles(t, svc))

	require.Eventually(t, func() bool {
		if cycles(t, svc) >= 10 {
			return true
		}
		mock.Add(time.Millisecond)
		return false
	}, 5*time.Second, time.Millisecond)

	before := cycles(t, svc)
	mock.Add(20 * time.Millisecond)
	require.Eventually(t, func() bool { return cycles(t, svc) > before }, 2*time.Second, 5*time.Millisecond)
}

func TestAdminControlActions(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	cfg := DefaultServiceConfig(testConfig("master", RoleMaster))
	cfg.AdminListenAddr = "127.0.0.1:0"
	svc := startService(t, cfg, mock)
	c := dialAdmin(t, svc.AdminAddr())

	var st Status
	require.True(t, c.call(map[string]any{"action": "status"}, &st).OK)
	require.Equal(t, "master", st.Name)
	require.Equal(t, RoleMaster, st.Role)
	require.Eventually(t, func() bool { return svc.AdminClientCount() == 1 }, time.Second, 5*time.Millisecond)

	var tsc map[string]uint64
	require.True(t, c.call(map[string]any{"action": "set_time", "timestamp": 5000}, &tsc).OK)
	require.Equal(t, uint64(5000), tsc["tsc"])

	var wr WriteResult
	require.True(t, c.call(map[string]any{"action": "write", "destination": 0, "channel": 0, "after": 50, "data": 1}, &wr).OK)
	require.Zero(t, wr.Status)
	require.Equal(t, uint64(5050), wr.Timestamp)
	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return svc.PHYEvents() == 1
	}, 5*time.Second, time.Millisecond)

	require.True(t, c.call(map[string]any{"action": "write", "destination": 0, "channel": 1, "timestamp": 1}, &wr).OK)
	require.Contains(t, wr.Names, "underflow")

	var errs []ErrorStatus
	require.True(t, c.call(map[string]any{"action": "errors"}, &errs).OK)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Names, "underflow")
	require.Equal(t, uint16(1), errs[0].Channel)

	require.True(t, c.call(map[string]any{"action": "errors_ack", "destination": 0}, nil).OK)
	var one ErrorStatus
	require.True(t, c.call(map[string]any{"action": "errors", "destination": 0}, &one).OK)
	require.Zero(t, one.Code)

	require.True(t, c.call(map[string]any{"action": "reset_phy", "destination": 0}, nil).OK)
	require.True(t, c.call(map[string]any{"action": "routing_set", "destination": 3, "path": []int{0}}, nil).OK)
	require.True(t, c.call(map[string]any{"action": "routing_load", "routes": map[string][]int{"0": {0}, "3": {0}}}, nil).OK)

	var links []LinkStatus
	require.True(t, c.call(map[string]any{"action": "link_status"}, &links).OK)
	require.Empty(t, links)

	failures := []map[string]any{
		{"action": "bogus"},
		{"action": "reset"},
		{"action": "echo", "link": 0},
		{"action": "routing_load", "routes": map[string][]int{"x": {0}}},
		{"action": "routing_set", "destination": 1, "path": []int{300}},
	}
	for _, req := range failures {
		resp := c.call(req, nil)
		require.False(t, resp.OK, "%v", req)
		require.NotEmpty(t, resp.Error)
	}
	require.False(t, c.raw("{not json").OK)
}

func TestServicePairOverTCP(t *testing.T) {
	testlog.Start(t)
	if testing.Short() {
		t.Skip("real-time link bring-up")
	}
	scfg := DefaultServiceConfig(testConfig("sat", RoleSatellite))
	scfg.UplinkListenAddr = "127.0.0.1:0"
	sat := startService(t, scfg, nil)
	require.Eventually(t, func() bool { return sat.UplinkAddr() != "" }, time.Second, 5*time.Millisecond)

	mnode := testConfig("master", RoleMaster)
	mnode.Links = []link.Config{DownlinkConfig("master", 0)}
	mnode.Routes = map[uint8][]uint8{1: {1, 0}}
	// Wall-clock pacing jitters by a cycle or two; keep beacons out of it.
	mnode.Timing.BeaconInterval = 0
	mcfg := DefaultServiceConfig(mnode)
	mcfg.LinkAddrs = []string{sat.UplinkAddr()}
	mcfg.RedialInterval = 50 * time.Millisecond
	master := startService(t, mcfg, nil)

	up := func() bool {
		out, err := master.Do(context.Background(), func(n *Node) (any, error) { return n.DestinationUp(1), nil })
		return err == nil && out.(bool)
	}
	require.Eventually(t, up, 30*time.Second, 20*time.Millisecond)

	out, err := sat.Do(context.Background(), func(n *Node) (any, error) {
		rank, ok := n.Rank()
		return ok && rank == 1, nil
	})
	require.NoError(t, err)
	require.True(t, out.(bool))
}
