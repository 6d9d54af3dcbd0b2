package link

// handoff moves received frames from the link receive domain into the local
// domain. A frame pushed at cycle c is released at c+latency; when the buffer
// is full new frames are dropped and counted.
type handoff struct {
	latency  uint64
	depth    int
	items    []handoffItem
	overflow uint64
}

type handoffItem struct {
	ready uint64
	raw   []byte
}

func newHandoff(latency uint64, depth int) *handoff {
	if depth <= 0 {
		depth = 1
	}
	return &handoff{latency: latency, depth: depth, items: make([]handoffItem, 0, depth)}
}

func (h *handoff) push(now uint64, raw []byte) bool {
	if len(h.items) >= h.depth {
		h.overflow++
		return false
	}
	h.items = append(h.items, handoffItem{ready: now + h.latency, raw: raw})
	return true
}

// pop returns the frames settled by now, oldest first.
func (h *handoff) pop(now uint64, out [][]byte) [][]byte {
	n := 0
	for n < len(h.items) && h.items[n].ready <= now {
		out = append(out, h.items[n].raw)
		n++
	}
	if n > 0 {
		copy(h.items, h.items[n:])
		h.items = h.items[:len(h.items)-n]
	}
	return out
}

func (h *handoff) clear() {
	h.items = h.items[:0]
}

func (h *handoff) len() int {
	return len(h.items)
}
