package orchestrator

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: Base doubled per retry, capped at Max, with
// up to Jitter (0..1) extra on top. Delays from one sequence never decrease
// and never exceed Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Sequence starts a fresh series of delays.
func (b Backoff) Sequence() *BackoffSequence {
	return &BackoffSequence{b: b.normalized(), rand: rand.Float64}
}

type BackoffSequence struct {
	b    Backoff
	n    int
	prev time.Duration
	rand func() float64
}

// Next returns the delay before the next retry.
func (s *BackoffSequence) Next() time.Duration {
	s.n++
	d := s.b.Max
	if shift := s.n - 1; shift < 32 {
		if exp := s.b.Base << shift; exp > 0 && exp < s.b.Max {
			d = exp
		}
	}
	d += time.Duration(float64(d) * s.b.Jitter * s.rand())
	if d > s.b.Max {
		d = s.b.Max
	}
	if d < s.prev {
		d = s.prev
	}
	s.prev = d
	return d
}
