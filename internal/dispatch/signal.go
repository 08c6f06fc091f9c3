package dispatch

import (
	"sync"
	"sync/atomic"
)

// Signal is a one-way cancellation flag. Once set it stays set.
// Each Run owns its own Signal.
type Signal struct {
	set  atomic.Bool
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the flag. Safe to call from any goroutine, any number of times.
func (s *Signal) Set() {
	s.set.Store(true)
	s.once.Do(func() { close(s.ch) })
}

func (s *Signal) IsSet() bool { return s.set.Load() }

// Done is closed on the first Set.
func (s *Signal) Done() <-chan struct{} { return s.ch }
