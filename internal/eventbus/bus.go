package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between the poller and its observers
// (delivery journal, alerts, webhook log).
//
// Publish never blocks; a subscriber whose buffer is full misses the event
// and the miss is counted in Stats.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose type matches one of types, or every
	// event when types is empty. A type ending in "." matches as a prefix.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	exact  map[string]struct{}
	prefix []string
}

func (s *subscription) wants(typ string) bool {
	if s.exact == nil && len(s.prefix) == 0 {
		return true
	}
	if _, ok := s.exact[typ]; ok {
		return true
	}
	for _, p := range s.prefix {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	// mu is held for reading while publishing so unsubscribe cannot close a
	// channel mid-send.
	mu   sync.RWMutex
	subs map[uint64]*subscription
	seq  uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}
	for _, t := range types {
		if strings.HasSuffix(t, ".") {
			s.prefix = append(s.prefix, t)
			continue
		}
		if s.exact == nil {
			s.exact = map[string]struct{}{}
		}
		s.exact[t] = struct{}{}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
