package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// Params are the per-run dispatch inputs.
type Params struct {
	Message    string
	Attachment string
	Credential string
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// Normalize clamps negative delay bounds to zero and swaps reversed bounds.
func (p Params) Normalize() Params {
	if p.MinDelay < 0 {
		p.MinDelay = 0
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	if p.MinDelay > p.MaxDelay {
		p.MinDelay, p.MaxDelay = p.MaxDelay, p.MinDelay
	}
	return p
}

// Pacer picks the pause between two consecutive sends.
type Pacer interface {
	Delay(min, max time.Duration) time.Duration
}

// PacerFunc adapts a function to Pacer.
type PacerFunc func(min, max time.Duration) time.Duration

func (f PacerFunc) Delay(min, max time.Duration) time.Duration { return f(min, max) }

type randomPacer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomPacer draws delays uniformly from [min, max] with nanosecond
// granularity.
func NewRandomPacer(seed int64) Pacer {
	return &randomPacer{rnd: rand.New(rand.NewSource(seed))}
}

func (p *randomPacer) Delay(min, max time.Duration) time.Duration {
	if min > max {
		min, max = max, min
	}
	if min < 0 {
		min = 0
	}
	if max <= min {
		return min
	}
	span := int64(max - min)
	p.mu.Lock()
	var n int64
	if span == 1<<63-1 {
		n = p.rnd.Int63()
	} else {
		n = p.rnd.Int63n(span + 1)
	}
	p.mu.Unlock()
	return min + time.Duration(n)
}
