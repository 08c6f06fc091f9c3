// Package events is the ordered activity log of a dispatch run.
//
// Unlike a lossy pub/sub bus, a Stream keeps every event it was given and
// each subscriber reads through its own cursor, so no observer misses
// anything and late observers replay from the first event.
package events

import (
	"context"
	"io"
	"sync"
)

// TerminalMarker is the text of the last event of every run.
const TerminalMarker = "__PROCESS_COMPLETE__"

type Kind uint8

const (
	KindStart Kind = iota + 1
	KindSent
	KindFailed
	KindHealth
	KindBlocked
	KindAbort
	KindCompleted
	KindAborted
	KindFault
	KindTerminal
)

var kindNames = map[Kind]string{
	KindStart:     "start",
	KindSent:      "sent",
	KindFailed:    "failed",
	KindHealth:    "health",
	KindBlocked:   "blocked",
	KindAbort:     "abort",
	KindCompleted: "completed",
	KindAborted:   "aborted",
	KindFault:     "fault",
	KindTerminal:  "terminal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is one human-readable progress line. Seq starts at 1 and is the only
// ordering key.
type Event struct {
	Seq       uint64 `json:"seq"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	Recipient string `json:"recipient,omitempty"`
}

func (e Event) Terminal() bool { return e.Kind == KindTerminal }

// Stream is an append-only event log with any number of readers.
type Stream struct {
	mu         sync.Mutex
	events     []Event
	terminated bool
	// wake is closed and replaced on every append.
	wake chan struct{}
	done chan struct{}
}

func NewStream() *Stream {
	return &Stream{
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Publish appends an event. Events published after the terminal event are
// dropped and the zero Event is returned.
func (s *Stream) Publish(kind Kind, text, recipient string) Event {
	if kind == KindTerminal {
		return s.Terminate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return Event{}
	}
	return s.appendLocked(kind, text, recipient)
}

// Terminate appends the terminal event. Only the first call has an effect;
// later calls return the zero Event.
func (s *Stream) Terminate() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return Event{}
	}
	e := s.appendLocked(KindTerminal, TerminalMarker, "")
	s.terminated = true
	close(s.done)
	return e
}

func (s *Stream) appendLocked(kind Kind, text, recipient string) Event {
	e := Event{
		Seq:       uint64(len(s.events) + 1),
		Kind:      kind,
		Text:      text,
		Recipient: recipient,
	}
	s.events = append(s.events, e)
	close(s.wake)
	s.wake = make(chan struct{})
	return e
}

// Done is closed once the terminal event has been published.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Snapshot returns a copy of every event published so far.
func (s *Stream) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Subscribe returns a reader positioned before the first event.
func (s *Stream) Subscribe() *Subscription { return s.SubscribeFrom(0) }

// SubscribeFrom returns a reader whose first event is the one after seq.
func (s *Stream) SubscribeFrom(seq uint64) *Subscription {
	return &Subscription{s: s, next: seq}
}

// Subscription is a cursor over a Stream. It is not safe for concurrent use;
// give every observer its own.
type Subscription struct {
	s    *Stream
	next uint64 // index of the next event to deliver
}

// Next blocks until the next event is available. After the terminal event
// has been delivered it returns io.EOF. If ctx ends first, ctx.Err() is
// returned and the cursor does not move.
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		sub.s.mu.Lock()
		if sub.next < uint64(len(sub.s.events)) {
			e := sub.s.events[sub.next]
			sub.next++
			sub.s.mu.Unlock()
			return e, nil
		}
		if sub.s.terminated {
			sub.s.mu.Unlock()
			return Event{}, io.EOF
		}
		wake := sub.s.wake
		sub.s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wake:
		}
	}
}

// C delivers the remaining events on a channel that is closed after the
// terminal event or when ctx ends.
func (sub *Subscription) C(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
