package tsc

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/drtio/internal/testutil/testlog"
)

func TestCounterAdvanceAndSet(t *testing.T) {
	testlog.Start(t)
	c := New()
	for i := 0; i < 10; i++ {
		c.Advance()
	}
	if c.Now() != 10 || c.Raw() != 10 {
		t.Fatalf("unexpected counter now=%d raw=%d", c.Now(), c.Raw())
	}
	c.Set(1000)
	if c.Now() != 1000 {
		t.Fatalf("set not applied: %d", c.Now())
	}
	if c.Correction() != 990 {
		t.Fatalf("unexpected correction: %d", c.Correction())
	}
	c.Advance()
	if c.Now() != 1001 || c.Raw() != 11 {
		t.Fatalf("unexpected progression now=%d raw=%d", c.Now(), c.Raw())
	}
	c.ClearCorrection()
	if c.Now() != 11 {
		t.Fatalf("clear correction should fall back to raw: %d", c.Now())
	}
}

func TestCounterSetBackwardsUsesNegativeCorrection(t *testing.T) {
	testlog.Start(t)
	c := New()
	for i := 0; i < 50; i++ {
		c.Advance()
	}
	c.Set(20)
	if c.Now() != 20 || c.Correction() != -30 {
		t.Fatalf("unexpected now=%d correction=%d", c.Now(), c.Correction())
	}
}

func TestCounterCheckMargin(t *testing.T) {
	testlog.Start(t)
	c := New()
	c.Set(500)
	if err := c.Check(502, 2); err != nil {
		t.Fatalf("within margin: %v", err)
	}
	if err := c.Check(497, 2); !errors.Is(err, ErrDiscrepancy) {
		t.Fatalf("expected ErrDiscrepancy, got %v", err)
	}
}

func TestCounterConcurrentReads(t *testing.T) {
	testlog.Start(t)
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			for j := 0; j < 1000; j++ {
				now := c.Now()
				if now < last {
					t.Errorf("counter went backwards: %d < %d", now, last)
					return
				}
				last = now
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		c.Advance()
	}
	wg.Wait()
}
