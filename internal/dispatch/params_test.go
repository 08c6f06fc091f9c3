package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandomPacerStaysInBounds(t *testing.T) {
	p := NewRandomPacer(42)
	min, max := 2*time.Second, 5*time.Second
	for i := 0; i < 10000; i++ {
		d := p.Delay(min, max)
		if d < min || d > max {
			t.Fatalf("delay %v out of [%v, %v]", d, min, max)
		}
	}
}

func TestRandomPacerConstantWhenEqual(t *testing.T) {
	p := NewRandomPacer(1)
	for i := 0; i < 100; i++ {
		assert.Equal(t, 3*time.Second, p.Delay(3*time.Second, 3*time.Second))
	}
	assert.Equal(t, time.Duration(0), p.Delay(0, 0))
}

func TestNormalize(t *testing.T) {
	p := Params{MinDelay: 16 * time.Second, MaxDelay: 10 * time.Second}.Normalize()
	assert.Equal(t, 10*time.Second, p.MinDelay)
	assert.Equal(t, 16*time.Second, p.MaxDelay)

	p = Params{MinDelay: -time.Second, MaxDelay: -2 * time.Second}.Normalize()
	assert.Equal(t, time.Duration(0), p.MinDelay)
	assert.Equal(t, time.Duration(0), p.MaxDelay)
}

func TestSignalIdempotent(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsSet())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set()
		}()
	}
	wg.Wait()

	assert.True(t, s.IsSet())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestNewRunIsIdleWithFreshSignal(t *testing.T) {
	a := newRun("+1")
	a.Signal.Set()
	b := newRun("+1")

	assert.Equal(t, StateIdle, b.State())
	assert.False(t, b.Signal.IsSet())
	assert.NotSame(t, a.Stream, b.Stream)
}
