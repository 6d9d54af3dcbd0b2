package session

import (
	"math"
	"math/rand"
)

// NextBackoff returns the pause in cycles before retry attempt N (1-based).
// With Jitter the pause is scaled by a factor in [0.5, 1.5).
func NextBackoff(cfg BackoffConfig, attempt int, rng *rand.Rand) uint64 {
	if attempt <= 1 {
		return cfg.Initial
	}
	if cfg.Initial == 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return uint64(delay)
}
