package sed

import (
	"testing"

	"github.com/danmuck/drtio/internal/testutil/testlog"
)

func TestLaneOrdersByTimestampThenSeq(t *testing.T) {
	testlog.Start(t)
	l := newLane(4)
	l.push(entry{channel: 1, timestamp: 30, seq: 1})
	l.push(entry{channel: 2, timestamp: 10, seq: 2})
	l.push(entry{channel: 3, timestamp: 30, seq: 3})
	l.push(entry{channel: 4, timestamp: 20, seq: 4})

	want := []uint16{2, 4, 1, 3}
	for _, ch := range want {
		h, ok := l.head()
		if !ok || h.channel != ch {
			t.Fatalf("unexpected head: %+v want channel %d", h, ch)
		}
		l.pop()
	}
	if _, ok := l.head(); ok {
		t.Fatalf("lane should be empty")
	}
}

func TestLaneBoundedDepth(t *testing.T) {
	testlog.Start(t)
	l := newLane(2)
	if !l.push(entry{timestamp: 1}) || !l.push(entry{timestamp: 2}) {
		t.Fatalf("push within depth failed")
	}
	if l.push(entry{timestamp: 3}) {
		t.Fatalf("push beyond depth must fail")
	}
	if l.free() != 0 {
		t.Fatalf("unexpected free: %d", l.free())
	}
	l.pop()
	if l.free() != 1 {
		t.Fatalf("unexpected free after pop: %d", l.free())
	}
}

func TestLaneFind(t *testing.T) {
	testlog.Start(t)
	l := newLane(4)
	l.push(entry{channel: 1, timestamp: 10, data: 7})
	e := l.find(1, 10)
	if e == nil || e.data != 7 {
		t.Fatalf("expected to find queued event")
	}
	e.data = 9
	h, _ := l.head()
	if h.data != 9 {
		t.Fatalf("find should return a reference into the lane")
	}
	if l.find(2, 10) != nil {
		t.Fatalf("unexpected match on other channel")
	}
}
