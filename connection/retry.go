package connection

import (
	"math"
	"math/rand"
	"time"
)

// backoff returns the delay before retry number attempt (1-based):
// RetryBackoff * 2^(attempt-1), capped at MaxRetryBackoff, with full jitter
func (m *Manager) backoff(attempt int) time.Duration {
	base := float64(m.config.RetryBackoff) * math.Pow(2, float64(attempt-1))
	if limit := float64(m.config.MaxRetryBackoff); limit > 0 && base > limit {
		base = limit
	}
	return time.Duration(rand.Float64() * base)
}
