package wsclient

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^attempt, capped at Max.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
