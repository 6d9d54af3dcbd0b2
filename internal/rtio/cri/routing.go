package cri

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// MaxHops bounds a path: one entry per rank.
const MaxHops = 32

var (
	ErrEmptyPath   = errors.New("cri: empty routing path")
	ErrPathTooLong = errors.New("cri: routing path too long")
)

// RoutingTable maps destinations to paths. path[rank] is the hop taken at a
// node of that rank: 0 terminates locally, k forwards on downstream link k-1.
// Tables are immutable once published.
type RoutingTable struct {
	Version uint64
	Paths   map[uint8][]uint8
}

// Destinations returns the routed destinations in ascending order.
func (t *RoutingTable) Destinations() []uint8 {
	out := make([]uint8, 0, len(t.Paths))
	for d := range t.Paths {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *RoutingTable) Path(destination uint8) ([]uint8, bool) {
	p, ok := t.Paths[destination]
	if !ok {
		return nil, false
	}
	return append([]uint8(nil), p...), true
}

func ValidatePath(path []uint8) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	if len(path) > MaxHops {
		return fmt.Errorf("%w: %d", ErrPathTooLong, len(path))
	}
	return nil
}

type routeUpdate struct {
	load    map[uint8][]uint8
	dest    uint8
	path    []uint8
	remove  bool
	replace bool
}

// Router publishes routing tables to lock-free readers. Updates are queued by
// the administrative side and applied by the dispatch loop in Apply, which is
// the single writer.
type Router struct {
	table   atomic.Pointer[RoutingTable]
	mu      sync.Mutex
	pending []routeUpdate
}

func NewRouter() *Router {
	r := &Router{}
	r.table.Store(&RoutingTable{Paths: map[uint8][]uint8{}})
	return r
}

// Table returns the current published table.
func (r *Router) Table() *RoutingTable {
	return r.table.Load()
}

func (r *Router) Version() uint64 {
	return r.table.Load().Version
}

// Hop returns path[rank] for destination.
func (r *Router) Hop(destination uint8, rank uint8) (uint8, bool) {
	p, ok := r.table.Load().Paths[destination]
	if !ok || int(rank) >= len(p) {
		return 0, false
	}
	return p[rank], true
}

// Load queues a whole-table replacement.
func (r *Router) Load(paths map[uint8][]uint8) error {
	cp := make(map[uint8][]uint8, len(paths))
	for d, p := range paths {
		if err := ValidatePath(p); err != nil {
			return fmt.Errorf("destination %d: %w", d, err)
		}
		cp[d] = append([]uint8(nil), p...)
	}
	r.enqueue(routeUpdate{load: cp, replace: true})
	return nil
}

// SetPath queues an update of one destination.
func (r *Router) SetPath(destination uint8, path []uint8) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	r.enqueue(routeUpdate{dest: destination, path: append([]uint8(nil), path...)})
	return nil
}

// Remove queues the removal of one destination.
func (r *Router) Remove(destination uint8) {
	r.enqueue(routeUpdate{dest: destination, remove: true})
}

func (r *Router) enqueue(u routeUpdate) {
	r.mu.Lock()
	r.pending = append(r.pending, u)
	r.mu.Unlock()
}

// Pending reports queued updates not yet applied.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Apply publishes all queued updates as one new table version. It returns
// true when a new table was published.
func (r *Router) Apply() bool {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(pending) == 0 {
		return false
	}

	cur := r.table.Load()
	next := &RoutingTable{Version: cur.Version + 1, Paths: make(map[uint8][]uint8, len(cur.Paths))}
	for d, p := range cur.Paths {
		next.Paths[d] = p
	}
	for _, u := range pending {
		switch {
		case u.replace:
			next.Paths = u.load
		case u.remove:
			delete(next.Paths, u.dest)
		default:
			next.Paths[u.dest] = u.path
		}
	}
	r.table.Store(next)
	log.Debug().
		Uint64("version", next.Version).
		Int("destinations", len(next.Paths)).
		Int("updates", len(pending)).
		Msg("cri.Router.Apply")
	return true
}
