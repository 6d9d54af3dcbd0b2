package session

import (
	"sort"
	"sync"
)

// PendingRequest tracks one aux request awaiting its reply. Times are link
// cycles.
type PendingRequest struct {
	Seq        uint32
	Type       uint8
	Payload    []byte
	Attempts   int
	QueuedAt   uint64
	SentAt     uint64
	DeadlineAt uint64
	// RetryAt is when the next attempt may be sent after a timeout.
	RetryAt   uint64
	LastError string
}

// Outbox stores outstanding requests by sequence number.
type Outbox struct {
	mu    sync.RWMutex
	items map[uint32]PendingRequest
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[uint32]PendingRequest)}
}

func (o *Outbox) Upsert(item PendingRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.Seq] = item
}

// MarkAttempt records a transmission at cycle now with the reply due by
// deadline.
func (o *Outbox) MarkAttempt(seq uint32, now uint64, deadline uint64) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[seq]
	if !ok {
		return PendingRequest{}, false
	}
	item.Attempts++
	item.SentAt = now
	item.DeadlineAt = deadline
	o.items[seq] = item
	return item, true
}

// MarkTimeout records a missed reply and schedules the next attempt.
func (o *Outbox) MarkTimeout(seq uint32, retryAt uint64, reason string) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[seq]
	if !ok {
		return PendingRequest{}, false
	}
	item.RetryAt = retryAt
	item.DeadlineAt = 0
	item.LastError = reason
	o.items[seq] = item
	return item, true
}

func (o *Outbox) Remove(seq uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, seq)
}

func (o *Outbox) Get(seq uint32) (PendingRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[seq]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns outstanding requests in sequence order.
func (o *Outbox) List() []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Clear drops every outstanding request and returns them.
func (o *Outbox) Clear() []PendingRequest {
	list := o.List()
	o.mu.Lock()
	o.items = make(map[uint32]PendingRequest)
	o.mu.Unlock()
	return list
}
