package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event carries one of the payload types in events.go.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is an in-process fanout. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the given types, or all events when none
	// are named. The returned func is idempotent and closes the channel.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]bool
}

func (s *subscriber) wants(typ string) bool { return len(s.types) == 0 || s.types[typ] }

type memBus struct {
	// Publish sends under the read lock; unsubscribe closes under the write
	// lock, so a send never hits a closed channel.
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
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
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
