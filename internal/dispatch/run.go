package dispatch

import (
	"sync/atomic"
	"time"

	"wablast/internal/events"
	"wablast/internal/outcome"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Finished reports whether s is a terminal run state.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateAborted || s == StateBlocked
}

// Run bundles everything one dispatch pass works on. A Run is executed at
// most once.
type Run struct {
	ID     string
	Store  *outcome.Store
	Params Params
	Signal *Signal
	Stream *events.Stream

	state atomic.Int32
}

// NewRun creates an idle run with a fresh signal and stream.
func NewRun(id string, store *outcome.Store, params Params) *Run {
	return &Run{
		ID:     id,
		Store:  store,
		Params: params.Normalize(),
		Signal: NewSignal(),
		Stream: events.NewStream(),
	}
}

func (r *Run) State() State { return State(r.state.Load()) }

func (r *Run) setState(s State) { r.state.Store(int32(s)) }

// Report summarizes a finished run.
type Report struct {
	RunID      string
	State      State
	Counts     outcome.Counts
	Sends      int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
