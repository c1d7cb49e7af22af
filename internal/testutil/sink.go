package testutil

import (
	"context"
	"sync"

	"cdist-go/internal/cdist"
)

// RecordingSink collects every event it receives. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	names  []string
	events []cdist.Event
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Notify(_ context.Context, name string, event cdist.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.events = append(s.events, event)
}

// Events returns a copy of all recorded events in arrival order.
func (s *RecordingSink) Events() []cdist.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdist.Event(nil), s.events...)
}

// Names returns the event names in arrival order.
func (s *RecordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// ByAction returns the recorded events with the given action.
func (s *RecordingSink) ByAction(action cdist.Action) []cdist.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cdist.Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = nil
	s.events = nil
}

var _ cdist.EventSink = (*RecordingSink)(nil)
