// Package dma records sequences of timed writes and replays them through a
// CRI port that holds the interconnect for the duration of playback.
package dma

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/drtio/internal/rtio"
)

const (
	traceMagic   = 0x44545243 // "DTRC"
	traceVersion = 1
	headerSize   = 12
	eventSize    = 20
)

var (
	ErrTraceMagic   = errors.New("dma: bad trace magic")
	ErrTraceVersion = errors.New("dma: unsupported trace version")
	ErrTraceShort   = errors.New("dma: truncated trace")
	ErrTraceOrder   = errors.New("dma: trace offsets must not decrease")
)

// Event is one recorded write. Offset is in fine units relative to the
// playback base timestamp.
type Event struct {
	Channel rtio.Channel
	Offset  uint64
	Data    uint64
}

// Trace is an ordered recording.
type Trace struct {
	Events []Event
}

// Duration is the offset of the last event.
func (t *Trace) Duration() uint64 {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Offset
}

// MarshalBinary encodes the trace as a little-endian record stream.
func (t *Trace) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := t.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Trace) WriteTo(w io.Writer) (int64, error) {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], traceMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], traceVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(t.Events)))
	n, err := w.Write(hdr)
	total := int64(n)
	if err != nil {
		return total, err
	}
	rec := make([]byte, eventSize)
	for _, ev := range t.Events {
		binary.LittleEndian.PutUint32(rec[0:4], uint32(ev.Channel))
		binary.LittleEndian.PutUint64(rec[4:12], ev.Offset)
		binary.LittleEndian.PutUint64(rec[12:20], ev.Data)
		n, err = w.Write(rec)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *Trace) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return ErrTraceShort
	}
	if binary.LittleEndian.Uint32(data[0:4]) != traceMagic {
		return ErrTraceMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != traceVersion {
		return fmt.Errorf("%w: %d", ErrTraceVersion, v)
	}
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	body := data[headerSize:]
	if len(body) != count*eventSize {
		return fmt.Errorf("%w: want %d events, have %d bytes", ErrTraceShort, count, len(body))
	}
	events := make([]Event, count)
	for i := range events {
		rec := body[i*eventSize : (i+1)*eventSize]
		events[i] = Event{
			Channel: rtio.Channel(binary.LittleEndian.Uint32(rec[0:4])),
			Offset:  binary.LittleEndian.Uint64(rec[4:12]),
			Data:    binary.LittleEndian.Uint64(rec[12:20]),
		}
		if i > 0 && events[i].Offset < events[i-1].Offset {
			return fmt.Errorf("%w: index %d", ErrTraceOrder, i)
		}
	}
	t.Events = events
	return nil
}

// Recorder accumulates writes into a trace.
type Recorder struct {
	trace Trace
}

func (r *Recorder) Record(ch rtio.Channel, offset uint64, data uint64) error {
	if n := len(r.trace.Events); n > 0 && offset < r.trace.Events[n-1].Offset {
		return fmt.Errorf("%w: offset %d after %d", ErrTraceOrder, offset, r.trace.Events[n-1].Offset)
	}
	r.trace.Events = append(r.trace.Events, Event{Channel: ch, Offset: offset, Data: data})
	return nil
}

// Trace returns the recording and resets the recorder.
func (r *Recorder) Trace() *Trace {
	t := r.trace
	r.trace = Trace{}
	return &t
}
