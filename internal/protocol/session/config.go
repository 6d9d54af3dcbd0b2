package session

// BackoffConfig defines the pause between aux retries, in cycles.
type BackoffConfig struct {
	Initial    uint64
	Multiplier float64
	Max        uint64
	Jitter     bool
}

// Config bounds one aux request: it is sent at most 1+Retries times and each
// attempt waits Timeout cycles for its reply.
type Config struct {
	Timeout uint64
	Retries int
	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Timeout: 200,
		Retries: 3,
		Backoff: BackoffConfig{
			Initial:    16,
			Multiplier: 2.0,
			Max:        256,
			Jitter:     false,
		},
	}
}

// Budget is the worst-case number of cycles a request may stay outstanding.
func (c Config) Budget() uint64 {
	total := c.Timeout
	for attempt := 1; attempt <= c.Retries; attempt++ {
		total += c.Timeout + NextBackoff(c.Backoff, attempt, nil)
	}
	return total
}
