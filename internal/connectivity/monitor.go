// Package connectivity provides the "is online" signal. Offline is a reason to
// skip remote work, never an error.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSubscriberBuffer = 4

// Monitor reports whether the backend is currently reachable.
type Monitor interface {
	IsOnline() bool
}

// Event announces a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Switch is a Monitor driven by explicit updates, fanning transitions out to subscribers.
type Switch struct {
	online atomic.Bool
	clock  func() time.Time

	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
}

// NewSwitch returns a Switch in the given initial state.
func NewSwitch(online bool) *Switch {
	s := &Switch{
		clock:       time.Now,
		subscribers: make(map[int64]chan Event),
	}
	s.online.Store(online)
	return s
}

// IsOnline reports the last known state.
func (s *Switch) IsOnline() bool {
	return s.online.Load()
}

// Set records the state and notifies subscribers when it changed.
func (s *Switch) Set(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	s.publish(Event{Online: online, At: s.clock().UTC()})
}

// Subscribe streams transitions until ctx ends or the returned cleanup runs.
// Slow subscribers miss events rather than blocking publishers.
func (s *Switch) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, defaultSubscriberBuffer)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = stream
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return stream, func() {
		stop()
		unsubscribe()
	}
}

func (s *Switch) subscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *Switch) publish(event Event) {
	s.mu.RLock()
	copies := make([]chan Event, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		copies = append(copies, subscriber)
	}
	s.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber <- event:
		default:
		}
	}
}
