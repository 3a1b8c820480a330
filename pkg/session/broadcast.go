package session

import (
	"sync"
)

// broadcaster delivers state snapshots to subscribers. Deliveries are
// serialized so every subscriber observes the same order of states.
type broadcaster struct {
	emitMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   []subscriber
}

type subscriber struct {
	id uint64
	fn func(State)
}

// subscribe registers fn and delivers the current snapshot to it right away.
func (b *broadcaster) subscribe(fn func(State), snapshot func() State) func() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	fn(snapshot())

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// publish takes a snapshot and hands a copy of it to every subscriber.
func (b *broadcaster) publish(snapshot func() State) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	subs := append([]subscriber{}, b.subs...)
	b.mu.Unlock()

	state := snapshot()
	for _, sub := range subs {
		sub.fn(state)
	}
}

func (b *broadcaster) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
