package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/drtio/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// TCPWire carries frames over a stream connection. Run owns the read side and
// must be running for Receive to return anything.
type TCPWire struct {
	conn   net.Conn
	limits frame.Limits

	wmu sync.Mutex

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	err    error
}

func NewTCPWire(conn net.Conn, limits frame.Limits) *TCPWire {
	return &TCPWire{conn: conn, limits: limits}
}

func (t *TCPWire) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Run reads frames until the connection fails or ctx ends. Frames are queued
// unchecked so checksum failures reach the endpoint's error counters. A bad
// header desynchronises the stream and ends the connection.
func (t *TCPWire) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		var hb [frame.HeaderLen]byte
		if _, err := io.ReadFull(t.conn, hb[:]); err != nil {
			return t.finish(ctx, err)
		}
		h, err := frame.DecodeHeader(hb[:])
		if err != nil {
			return t.finish(ctx, err)
		}
		if int(h.Length) > t.limits.MaxPayloadBytes {
			return t.finish(ctx, frame.ErrPayloadTooLarge)
		}
		raw := make([]byte, frame.HeaderLen+int(h.Length))
		copy(raw, hb[:])
		if _, err := io.ReadFull(t.conn, raw[frame.HeaderLen:]); err != nil {
			return t.finish(ctx, err)
		}
		t.mu.Lock()
		t.queue = append(t.queue, raw)
		t.mu.Unlock()
	}
}

func (t *TCPWire) finish(ctx context.Context, err error) error {
	t.mu.Lock()
	closed := t.closed
	t.err = err
	t.mu.Unlock()
	if closed || ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Msg("link.TCPWire.Run closed")
		return nil
	}
	return fmt.Errorf("link: tcp wire read: %w", err)
}

// Err returns the error that ended Run, if any.
func (t *TCPWire) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *TCPWire) Send(b []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

func (t *TCPWire) Receive(dst [][]byte) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	dst = append(dst, t.queue...)
	t.queue = t.queue[:0]
	return dst
}

func (t *TCPWire) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
