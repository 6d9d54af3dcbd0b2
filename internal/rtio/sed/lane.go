package sed

import (
	"sort"

	"github.com/danmuck/drtio/internal/rtio"
)

type entry struct {
	channel   uint16
	timestamp rtio.Timestamp
	data      uint64
	seq       uint64
}

// lane is a bounded queue kept ordered by (timestamp, submission seq). Each
// channel is bound to one lane and submits strictly increasing timestamps,
// so per-channel order is the queue order.
type lane struct {
	items []entry
	depth int
}

func newLane(depth int) *lane {
	return &lane{items: make([]entry, 0, depth), depth: depth}
}

func (l *lane) free() int {
	return l.depth - len(l.items)
}

func (l *lane) push(e entry) bool {
	if len(l.items) >= l.depth {
		return false
	}
	i := sort.Search(len(l.items), func(i int) bool {
		it := l.items[i]
		if it.timestamp != e.timestamp {
			return it.timestamp > e.timestamp
		}
		return it.seq > e.seq
	})
	l.items = append(l.items, entry{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = e
	return true
}

func (l *lane) head() (entry, bool) {
	if len(l.items) == 0 {
		return entry{}, false
	}
	return l.items[0], true
}

func (l *lane) pop() {
	if len(l.items) == 0 {
		return
	}
	copy(l.items, l.items[1:])
	l.items = l.items[:len(l.items)-1]
}

// find returns the queued event of channel ch at ts, if any.
func (l *lane) find(ch uint16, ts rtio.Timestamp) *entry {
	for i := range l.items {
		if l.items[i].channel == ch && l.items[i].timestamp == ts {
			return &l.items[i]
		}
	}
	return nil
}

func (l *lane) clear() {
	l.items = l.items[:0]
}
