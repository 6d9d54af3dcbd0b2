// Package tsc implements the per-domain timestamp counter.
//
// The counter advances one coarse cycle per tick. Reads are lock-free.
// Corrections only move an offset on top of the free-running raw count and
// must be applied with dispatch quiesced (see sed.Core.SetTime).
package tsc

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrDiscrepancy = errors.New("tsc: reading outside expected progression")

// Counter is a monotone coarse-cycle counter for one clock domain.
type Counter struct {
	raw        atomic.Uint64
	correction atomic.Int64
}

func New() *Counter {
	return &Counter{}
}

// Now returns the corrected count.
func (c *Counter) Now() uint64 {
	return uint64(int64(c.raw.Load()) + c.correction.Load())
}

// Raw returns the uncorrected free-running count.
func (c *Counter) Raw() uint64 {
	return c.raw.Load()
}

// Advance moves the counter forward by one cycle and returns the new value.
func (c *Counter) Advance() uint64 {
	c.raw.Add(1)
	return c.Now()
}

// Set makes Now() return v by adjusting the correction offset.
func (c *Counter) Set(v uint64) {
	c.correction.Store(int64(v) - int64(c.raw.Load()))
}

func (c *Counter) Correction() int64 {
	return c.correction.Load()
}

// ClearCorrection drops any applied offset; Now() falls back to Raw().
func (c *Counter) ClearCorrection() {
	c.correction.Store(0)
}

// Check compares the counter to an externally expected value.
func (c *Counter) Check(expected uint64, margin uint64) error {
	now := c.Now()
	var diff uint64
	if now > expected {
		diff = now - expected
	} else {
		diff = expected - now
	}
	if diff > margin {
		return fmt.Errorf("%w: now=%d expected=%d margin=%d", ErrDiscrepancy, now, expected, margin)
	}
	return nil
}
