package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Name is the live channel event name carried by every Event.
const Name = "processingUpdate"

// Event is one processingUpdate payload. VideoID is additive; listeners that
// only know {progress, message} ignore it.
type Event struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	VideoID  string  `json:"videoId,omitempty"`
}

// Publisher is the write side of the live channel.
type Publisher interface {
	Publish(Event)
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Published   uint64
	Subscribers int
	Sent        uint64
	Dropped     uint64
}

type subscriber struct {
	ch      chan Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Broadcaster fans events out to every current subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]*subscriber)}
}

// Subscription is one listener's view of the channel.
type Subscription struct {
	id   string
	sub  *subscriber
	b    *Broadcaster
	once sync.Once
}

// Subscribe registers a listener with the given buffer size. The returned
// channel is closed by Subscription.Close or Broadcaster.Close.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	s := &Subscription{id: uuid.NewString(), sub: sub, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		s.once.Do(func() {})
		return s
	}
	b.subscribers[s.id] = sub
	return s
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if _, ok := s.b.subscribers[s.id]; ok {
			delete(s.b.subscribers, s.id)
			close(s.sub.ch)
		}
	})
}

func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			sub.sent.Add(1)
			b.sent.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Subscribers: len(b.subscribers),
		Sent:        b.sent.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close closes every subscription channel; later publishes are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
