package stream

import (
	"context"
	"sync"
	"time"
)

// ChangeEvent announces that a device pushed a batch of changes to a group.
// It carries counts only; payload bytes never travel over the stream.
// Subscribers react by re-polling the pull endpoint with their own cursor.
type ChangeEvent struct {
	GroupID   string    `json:"groupId"`
	DeviceID  string    `json:"deviceId"`
	Accepted  int       `json:"accepted"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fans change notifications out to all active subscribers
// (SSE clients). Group filtering happens at the subscription edge.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ChangeEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all subscribers.
func (s *Stream) Publish(evt ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
