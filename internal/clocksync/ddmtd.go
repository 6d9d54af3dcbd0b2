// Package clocksync models the phase alignment of a satellite's recovered
// clock to its reference: a DDMTD phase detector, a phase control loop and a
// synchroniser self-test.
//
// Phases are fractions of one clock cycle in [0, 1).
package clocksync

import (
	"math"
	"math/rand"
)

// DDMTD is a digital dual-mixer time-difference phase detector. Both clocks
// are sampled by a helper clock at N/(N+1) of their frequency, which turns
// each into a beat signal of period N helper cycles. The distance between the
// rising edges of the two beats gives the phase with 1/N resolution.
type DDMTD struct {
	N int
	// Periods is the number of beat periods averaged per measurement.
	Periods int
	// Deglitch ignores further edges for this many samples after an edge.
	Deglitch int
	// Jitter is the RMS sampling jitter as a fraction of a cycle.
	Jitter float64
	rng    *rand.Rand
}

func NewDDMTD(n, periods, deglitch int, jitter float64, seed int64) *DDMTD {
	if n < 4 {
		n = 4
	}
	if periods < 1 {
		periods = 1
	}
	return &DDMTD{N: n, Periods: periods, Deglitch: deglitch, Jitter: jitter, rng: rand.New(rand.NewSource(seed))}
}

// Resolution is the smallest phase step the detector can tell apart.
func (d *DDMTD) Resolution() float64 {
	return 1 / float64(d.N)
}

func (d *DDMTD) sample(k int, phase float64) bool {
	x := float64(k)/float64(d.N) + phase
	if d.Jitter > 0 {
		x += d.rng.NormFloat64() * d.Jitter
	}
	return frac(x) < 0.5
}

// risingEdges returns the deglitched rising-edge sample indices of a beat.
func (d *DDMTD) risingEdges(phase float64, samples int) []int {
	edges := make([]int, 0, d.Periods+1)
	prev := d.sample(-1, phase)
	hold := 0
	for k := 0; k < samples; k++ {
		cur := d.sample(k, phase)
		if hold > 0 {
			hold--
			prev = cur
			continue
		}
		if cur && !prev {
			edges = append(edges, k)
			hold = d.Deglitch
		}
		prev = cur
	}
	return edges
}

// Measure estimates phase, the offset of the measured clock against the
// reference, over Periods beat periods.
func (d *DDMTD) Measure(phase float64) float64 {
	samples := d.N * (d.Periods + 1)
	ref := d.risingEdges(0, samples)
	rec := d.risingEdges(phase, samples)
	if len(ref) == 0 || len(rec) == 0 {
		return 0
	}

	n := float64(d.N)
	var sum float64
	var first float64
	count := 0
	for _, r := range ref {
		// Distance from this reference edge to the next measured edge.
		best := -1
		for _, m := range rec {
			if m >= r {
				best = m
				break
			}
		}
		if best < 0 {
			continue
		}
		diff := math.Mod(float64(best-r), n)
		if count == 0 {
			first = diff
		} else {
			// Unwrap around the first sample.
			for diff-first > n/2 {
				diff -= n
			}
			for first-diff > n/2 {
				diff += n
			}
		}
		sum += diff
		count++
		if count == d.Periods {
			break
		}
	}
	if count == 0 {
		return 0
	}
	// A measured edge leading by n*phase lands n*(1-phase) after the
	// reference edge.
	return frac(1 - sum/float64(count)/n)
}

func frac(x float64) float64 {
	f := x - math.Floor(x)
	if f >= 1 {
		return 0
	}
	return f
}

// wrap maps a phase difference into [-0.5, 0.5).
func wrap(x float64) float64 {
	return frac(x+0.5) - 0.5
}
