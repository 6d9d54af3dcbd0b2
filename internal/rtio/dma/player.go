package dma

import (
	"errors"
	"fmt"

	"github.com/danmuck/drtio/internal/rtio"
	"github.com/danmuck/drtio/internal/rtio/cri"
	"github.com/rs/zerolog/log"
)

var ErrPlaybackAborted = errors.New("dma: playback aborted")

// Player replays a trace through its own port. Step is called once per
// dispatch cycle; Busy from the target is retried on the next step.
type Player struct {
	port    *cri.Port
	trace   *Trace
	base    rtio.Timestamp
	next    int
	started bool
	done    bool
	err     error
	retries int
}

func NewPlayer(port *cri.Port, trace *Trace, base rtio.Timestamp) *Player {
	return &Player{port: port, trace: trace, base: base}
}

// Step pushes as many events as the target accepts. It returns true once
// playback has finished or failed.
func (p *Player) Step() (bool, error) {
	if p.done {
		return true, p.err
	}
	if !p.started {
		if err := p.port.Acquire(); err != nil {
			return false, nil
		}
		p.started = true
	}
	for p.next < len(p.trace.Events) {
		ev := p.trace.Events[p.next]
		p.port.SelectChannel(ev.Channel)
		st := p.port.Write(p.base+rtio.Timestamp(ev.Offset), ev.Data)
		if st == rtio.StatusBusy {
			p.retries++
			return false, nil
		}
		if !st.OK() {
			p.finish(fmt.Errorf("%w: event %d channel %s: %s", ErrPlaybackAborted, p.next, ev.Channel, st))
			return true, p.err
		}
		p.next++
	}
	p.finish(nil)
	return true, nil
}

func (p *Player) finish(err error) {
	p.done = true
	p.err = err
	if rerr := p.port.Release(); rerr != nil {
		log.Warn().Err(rerr).Str("port", p.port.Name()).Msg("dma.Player.finish release")
	}
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("port", p.port.Name()).Int("played", p.next).Int("retries", p.retries).Msg("dma.Player.finish")
}

// Played returns the number of events accepted so far.
func (p *Player) Played() int {
	return p.next
}

func (p *Player) Retries() int {
	return p.retries
}

func (p *Player) Done() bool {
	return p.done
}
