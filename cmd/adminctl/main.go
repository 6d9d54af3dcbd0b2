package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/drtio/internal/logging"
	"github.com/rs/zerolog/log"
)

var ErrUsage = errors.New("usage: adminctl [-addr host:port] <action> [key=value ...]")

// Integer request fields; everything else is rejected.
var intKeys = map[string]bool{
	"destination": true,
	"channel":     true,
	"timestamp":   true,
	"after":       true,
	"data":        true,
	"link":        true,
	"mask":        true,
	"timeout_ms":  true,
}

type controlResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// routesFile is the table format of routing_load: one key per destination.
type routesFile struct {
	Routes map[string][]int `toml:"routes"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7100", "node admin address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	logging.ConfigureRuntime()
	req, err := buildRequest(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "adminctl: %v\n", err)
		os.Exit(2)
	}

	client := NewRemoteNodeAdmin(*addr, *timeout)
	defer client.Close()
	var out json.RawMessage
	if err := client.call(req, &out); err != nil {
		log.Error().Err(err).Str("action", fmt.Sprint(req["action"])).Msg("adminctl request failed")
		os.Exit(1)
	}
	if len(out) == 0 {
		fmt.Println("ok")
		return
	}
	var pretty any
	if err := json.Unmarshal(out, &pretty); err == nil {
		if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			out = b
		}
	}
	fmt.Println(string(out))
}

// buildRequest turns "action key=value ..." into a request envelope. path
// takes comma separated hops and routes names a TOML file with a [routes]
// table.
func buildRequest(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, ErrUsage
	}
	req := map[string]any{"action": strings.TrimSpace(args[0])}
	for _, arg := range args[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad argument %q", ErrUsage, arg)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case intKeys[key]:
			v, err := strconv.ParseUint(value, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			req[key] = v
		case key == "path":
			hops, err := parseHops(value)
			if err != nil {
				return nil, err
			}
			req[key] = hops
		case key == "routes":
			var f routesFile
			if _, err := toml.DecodeFile(value, &f); err != nil {
				return nil, fmt.Errorf("routes: %w", err)
			}
			req[key] = f.Routes
		default:
			return nil, fmt.Errorf("%w: unknown key %q", ErrUsage, key)
		}
	}
	return req, nil
}

func parseHops(in string) ([]int, error) {
	parts := strings.Split(in, ",")
	hops := make([]int, 0, len(parts))
	for _, p := range parts {
		h, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("path: %w", err)
		}
		hops = append(hops, h)
	}
	return hops, nil
}

// RemoteNodeAdmin keeps one line-delimited JSON connection to a node.
type RemoteNodeAdmin struct {
	addr    string
	timeout time.Duration
	conn    net.Conn
	r       *bufio.Reader
}

func NewRemoteNodeAdmin(addr string, timeout time.Duration) *RemoteNodeAdmin {
	return &RemoteNodeAdmin{addr: strings.TrimSpace(addr), timeout: timeout}
}

// call sends one admin request and decodes the response payload.
func (c *RemoteNodeAdmin) call(req map[string]any, out any) error {
	if err := c.ensureConn(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		c.resetConn()
		return err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.resetConn()
		return err
	}
	var resp controlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

func (c *RemoteNodeAdmin) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, 3*time.Second)
	if err != nil {
		return err
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *RemoteNodeAdmin) resetConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}

func (c *RemoteNodeAdmin) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}
