package node

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/cri"
)

var ErrMissingDestination = errors.New("node: destination required")

const (
	adminReadTimeout = 30 * time.Second
	adminWaitTimeout = 5 * time.Second
	adminPortName    = "admin"
)

// controlRequest is one admin action envelope. Paths are lists of hops and
// route keys are decimal destinations; JSON would otherwise carry []uint8 as
// base64.
type controlRequest struct {
	Action      string           `json:"action"`
	Destination *uint8           `json:"destination,omitempty"`
	Path        []int            `json:"path,omitempty"`
	Routes      map[string][]int `json:"routes,omitempty"`
	Link        int              `json:"link,omitempty"`
	Mask        uint16           `json:"mask,omitempty"`
	Channel     uint16           `json:"channel,omitempty"`
	Timestamp   uint64           `json:"timestamp,omitempty"`
	After       uint64           `json:"after,omitempty"`
	Data        uint64           `json:"data,omitempty"`
	TimeoutMS   int              `json:"timeout_ms,omitempty"`
}

// controlResponse is one admin action result envelope.
type controlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// WriteResult reports an admin-issued CRI write.
type WriteResult struct {
	Destination uint8    `json:"destination"`
	Channel     uint16   `json:"channel"`
	Timestamp   uint64   `json:"timestamp"`
	Status      uint16   `json:"status"`
	Names       []string `json:"names,omitempty"`
}

// EchoResult reports an ECHO round trip on one downlink.
type EchoResult struct {
	Link      string `json:"link"`
	RoundTrip uint64 `json:"round_trip"`
}

// serveAdminControl exposes a TCP JSON request/response endpoint.
func (s *Service) serveAdminControl(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("node.admin listening")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleAdminConn(ctx, conn)
	}
}

// handleAdminConn decodes one request per line and writes one response per line.
func (s *Service) handleAdminConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.adminClientCount.Add(1)
	s.log.Info().Str("remote", remote).Int64("active_clients", active).Msg("node.admin client connected")
	defer func() {
		remaining := s.adminClientCount.Add(-1)
		s.log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("node.admin client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(adminReadTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("node.admin read")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, controlResponse{OK: false, Error: err.Error()})
			continue
		}
		resp := s.handleControlRequest(ctx, req)
		if err := writeControlResponse(conn, resp); err != nil {
			s.log.Warn().Err(err).Msg("node.admin write")
			return
		}
	}
}

// handleControlRequest dispatches admin actions onto the node.
func (s *Service) handleControlRequest(ctx context.Context, req controlRequest) controlResponse {
	s.log.Debug().Str("action", req.Action).Msg("node.admin request")
	var (
		data any
		err  error
	)
	switch req.Action {
	case "status":
		data, err = s.Do(ctx, func(n *Node) (any, error) { return n.Status(), nil })
	case "link_status":
		data, err = s.Do(ctx, func(n *Node) (any, error) { return n.LinkStatus(), nil })
	case "destinations":
		data, err = s.Do(ctx, func(n *Node) (any, error) { return n.Destinations(), nil })
	case "routing_load":
		data, err = s.routingLoad(ctx, req)
	case "routing_set":
		data, err = s.routingSet(ctx, req)
	case "reset", "reset_phy":
		data, err = s.reset(ctx, req, req.Action == "reset_phy")
	case "set_time":
		data, err = s.Do(ctx, func(n *Node) (any, error) {
			if err := n.requireMaster(); err != nil {
				return nil, err
			}
			n.SetTime(req.Timestamp)
			return map[string]uint64{"tsc": n.Now()}, nil
		})
	case "errors":
		data, err = s.errorStatus(ctx, req)
	case "errors_ack":
		data, err = s.errorsAck(ctx, req)
	case "echo":
		data, err = s.echo(ctx, req)
	case "write":
		data, err = s.write(ctx, req)
	default:
		err = fmt.Errorf("unknown action: %s", req.Action)
	}
	if err != nil {
		return controlResponse{OK: false, Error: err.Error()}
	}
	return controlResponse{OK: true, Data: data}
}

func requestDestination(req controlRequest) (uint8, error) {
	if req.Destination == nil {
		return 0, ErrMissingDestination
	}
	return *req.Destination, nil
}

func toPath(hops []int) ([]uint8, error) {
	out := make([]uint8, len(hops))
	for i, h := range hops {
		if h < 0 || h > 255 {
			return nil, fmt.Errorf("hop %d out of range: %d", i, h)
		}
		out[i] = uint8(h)
	}
	return out, nil
}

func (s *Service) routingLoad(ctx context.Context, req controlRequest) (any, error) {
	routes := make(map[uint8][]uint8, len(req.Routes))
	for key, hops := range req.Routes {
		d, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", key, err)
		}
		p, err := toPath(hops)
		if err != nil {
			return nil, fmt.Errorf("destination %d: %w", d, err)
		}
		routes[uint8(d)] = p
	}
	return s.Do(ctx, func(n *Node) (any, error) {
		if err := n.LoadRoutes(routes); err != nil {
			return nil, err
		}
		return map[string]int{"destinations": len(routes)}, nil
	})
}

func (s *Service) routingSet(ctx context.Context, req controlRequest) (any, error) {
	dest, err := requestDestination(req)
	if err != nil {
		return nil, err
	}
	p, err := toPath(req.Path)
	if err != nil {
		return nil, err
	}
	return s.Do(ctx, func(n *Node) (any, error) {
		return map[string]uint8{"destination": dest}, n.SetRoute(dest, p)
	})
}

// await runs start on the dispatch goroutine and waits for the completion
// it registers.
func (s *Service) await(ctx context.Context, req controlRequest, start func(n *Node, done func(any, error)) error) (any, error) {
	timeout := adminWaitTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan commandResult, 1)
	if _, err := s.Do(ctx, func(n *Node) (any, error) {
		return nil, start(n, func(data any, err error) {
			select {
			case result <- commandResult{data: data, err: err}:
			default:
			}
		})
	}); err != nil {
		return nil, err
	}
	select {
	case res := <-result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) reset(ctx context.Context, req controlRequest, phy bool) (any, error) {
	dest, err := requestDestination(req)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, req, func(n *Node, done func(any, error)) error {
		return n.Reset(dest, phy, func(err error) {
			done(map[string]any{"destination": dest, "phy": phy}, err)
		})
	})
}

func (s *Service) errorStatus(ctx context.Context, req controlRequest) (any, error) {
	return s.Do(ctx, func(n *Node) (any, error) {
		if req.Destination != nil {
			return n.Errors(*req.Destination)
		}
		ids := []uint8{0}
		for _, d := range n.Destinations() {
			if d.ID != 0 {
				ids = append(ids, d.ID)
			}
		}
		out := make([]ErrorStatus, 0, len(ids))
		for _, id := range ids {
			st, err := n.Errors(id)
			if err != nil {
				if errors.Is(err, ErrNoCore) {
					continue
				}
				return nil, err
			}
			out = append(out, st)
		}
		return out, nil
	})
}

func (s *Service) errorsAck(ctx context.Context, req controlRequest) (any, error) {
	dest, err := requestDestination(req)
	if err != nil {
		return nil, err
	}
	mask := rtio.Status(req.Mask)
	if mask == 0 {
		mask = ^rtio.Status(0)
	}
	return s.await(ctx, req, func(n *Node, done func(any, error)) error {
		return n.ClearErrors(dest, mask, func(err error) {
			done(map[string]any{"destination": dest, "mask": uint16(mask)}, err)
		})
	})
}

func (s *Service) echo(ctx context.Context, req controlRequest) (any, error) {
	return s.await(ctx, req, func(n *Node, done func(any, error)) error {
		d, err := n.Link(req.Link)
		if err != nil {
			return err
		}
		return d.Echo(func(rtt uint64, err error) {
			done(EchoResult{Link: d.Name(), RoundTrip: rtt}, err)
		})
	})
}

// write issues one CRI write through the admin port. A zero timestamp
// schedules the event After cycles from now.
func (s *Service) write(ctx context.Context, req controlRequest) (any, error) {
	dest, err := requestDestination(req)
	if err != nil {
		return nil, err
	}
	return s.Do(ctx, func(n *Node) (any, error) {
		port, err := s.adminPort(n)
		if err != nil {
			return nil, err
		}
		coarse := req.Timestamp
		if coarse == 0 {
			coarse = n.Now() + req.After
		}
		ts := rtio.At(coarse, 0, n.fineBits())
		port.SelectChannel(rtio.NewChannel(dest, req.Channel))
		st := port.Write(ts, req.Data)
		return WriteResult{
			Destination: dest,
			Channel:     req.Channel,
			Timestamp:   coarse,
			Status:      uint16(st),
			Names:       st.Names(),
		}, nil
	})
}

// adminPort is only touched from the dispatch goroutine.
func (s *Service) adminPort(n *Node) (*cri.Port, error) {
	if s.port != nil {
		return s.port, nil
	}
	p, err := n.Port(adminPortName)
	if err != nil {
		return nil, err
	}
	s.port = p
	return p, nil
}

func writeControlResponse(w io.Writer, resp controlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
