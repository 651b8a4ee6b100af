package events

import (
	"context"
	"sync"
	"time"
)

const (
	// TransitionIsolated marks a realm moved off the global stream onto a stalled dedicated cursor.
	TransitionIsolated = "isolated"
	// TransitionStalled marks a dedicated cursor parked in place.
	TransitionStalled = "stalled"
	// TransitionDrained marks a dedicated cursor deleted after its backlog emptied.
	TransitionDrained = "drained"
	// TransitionCleared marks an operator resolution of a stall.
	TransitionCleared = "cleared"

	allRealms         = int64(0)
	defaultBufferSize = 16
)

// CursorEvent describes a cursor transition operators may want to see live.
type CursorEvent struct {
	CursorID   int64     `json:"cursor_id"`
	RealmID    int64     `json:"realm_id"`
	Transition string    `json:"transition"`
	State      string    `json:"state"`
	EntryID    int64     `json:"entry_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatcher fans cursor events out to subscribers. Slow subscribers drop events.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan CursorEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for one realm, or for every realm when realmID is zero.
// The subscription ends when ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, realmID int64) (<-chan CursorEvent, func()) {
	if realmID < 0 {
		ch := make(chan CursorEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan CursorEvent, d.bufferSize),
	}
	d.register(realmID, sub)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(realmID, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers event to the realm's subscribers and to all-realm subscribers.
func (d *Dispatcher) Publish(event CursorEvent) {
	if event.Transition == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, sub := range d.subscribers[allRealms] {
		targets = append(targets, sub)
	}
	if event.RealmID != allRealms {
		for _, sub := range d.subscribers[event.RealmID] {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(realmID int64, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[realmID]; !ok {
		d.subscribers[realmID] = make(map[int64]*subscriber)
	}
	d.subscribers[realmID][sub.id] = sub
}

func (d *Dispatcher) unregister(realmID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[realmID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, realmID)
		}
	}
	d.mu.Unlock()
}
