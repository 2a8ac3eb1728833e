package events

import (
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	LockAcquired        Type = "lock_acquired"
	LockReclaimed       Type = "lock_reclaimed"
	LockReleased        Type = "lock_released"
	ArtifactVersioned   Type = "artifact_versioned"
	ArtifactStale       Type = "artifact_stale"
	StaleOverridden     Type = "stale_overridden"
	IterationTransition Type = "iteration_transition"
	ChecksCompleted     Type = "checks_completed"
	ReviewCompleted     Type = "review_completed"
	ReviewUnparseable   Type = "review_unparseable"
	UnitFinished        Type = "unit_finished"
	BatchFinished       Type = "batch_finished"
)

type Event struct {
	Type      Type
	Timestamp time.Time
	RunID     string
	Unit      string
	Iteration int
	Details   map[string]any
}

// Subscriber receives events.
type Subscriber func(Event)

// Bus delivers each event synchronously to every subscriber, in
// subscription order. A panicking subscriber does not affect the others.
// A nil *Bus drops events.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscription
	nextID      int
	now         func() time.Time
}

type subscription struct {
	id int
	fn Subscriber
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps ev and delivers it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() { _ = recover() }()
			s.fn(ev)
		}()
	}
}
