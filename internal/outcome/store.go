// Package outcome holds the recipient rows of a run together with their
// delivery outcome.
package outcome

import (
	"sync"
)

// Outcome is the delivery state of one row. The zero value is Pending.
type Outcome uint8

const (
	Pending Outcome = iota
	Sent
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Code is the tabular representation: sent=1, failed=0, pending is blank.
func (o Outcome) Code() string {
	switch o {
	case Sent:
		return "1"
	case Failed:
		return "0"
	default:
		return ""
	}
}

// Terminal reports whether o is a final outcome for the current run.
func (o Outcome) Terminal() bool { return o == Sent || o == Failed }

// Row is one recipient. Only Outcome changes during a run.
type Row struct {
	Index   int
	Address string
	// Fields keeps the remaining input columns so results can be re-exported.
	Fields  map[string]string
	Outcome Outcome
}

func (r Row) clone() Row {
	if r.Fields != nil {
		f := make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			f[k] = v
		}
		r.Fields = f
	}
	return r
}

type Counts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

func (c Counts) Total() int { return c.Pending + c.Sent + c.Failed }

// Store is the ordered row set of one run.
//
// The dispatcher is the only writer while a run is active; readers (status,
// export) may call the read methods concurrently.
type Store struct {
	mu   sync.RWMutex
	rows []Row
}

// NewStore copies rows and re-indexes them in input order.
func NewStore(rows []Row) *Store {
	cp := make([]Row, len(rows))
	for i, r := range rows {
		r = r.clone()
		r.Index = i
		cp[i] = r
	}
	return &Store{rows: cp}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Pending returns the indices of pending rows in original order.
func (s *Store) Pending() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.rows))
	for i := range s.rows {
		if s.rows[i].Outcome == Pending {
			out = append(out, i)
		}
	}
	return out
}

// Next returns the first pending row.
func (s *Store) Next() (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.rows {
		if s.rows[i].Outcome == Pending {
			return s.rows[i].clone(), true
		}
	}
	return Row{}, false
}

// HasPending reports whether any row is still pending.
func (s *Store) HasPending() bool {
	_, ok := s.Next()
	return ok
}

// Set records the outcome of a pending row. It reports whether the stored
// value changed. A terminal outcome is final; only Requeue moves a failed row
// back to pending.
func (s *Store) Set(index int, o Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.rows) {
		return false
	}
	if s.rows[index].Outcome.Terminal() || s.rows[index].Outcome == o {
		return false
	}
	s.rows[index].Outcome = o
	return true
}

// Get returns a copy of row index.
func (s *Store) Get(index int) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.rows) {
		return Row{}, false
	}
	return s.rows[index].clone(), true
}

// Requeue resets a failed row to pending so a later run retries it.
// Sent rows are never requeued.
func (s *Store) Requeue(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.rows) || s.rows[index].Outcome != Failed {
		return false
	}
	s.rows[index].Outcome = Pending
	return true
}

// RequeueFailed resets every failed row to pending and returns how many changed.
func (s *Store) RequeueFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.rows {
		if s.rows[i].Outcome == Failed {
			s.rows[i].Outcome = Pending
			n++
		}
	}
	return n
}

// Rows returns a deep copy of all rows.
func (s *Store) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Row, len(s.rows))
	for i := range s.rows {
		out[i] = s.rows[i].clone()
	}
	return out
}

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for i := range s.rows {
		switch s.rows[i].Outcome {
		case Sent:
			c.Sent++
		case Failed:
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}
