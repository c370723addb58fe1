// Package events fans order events out to live subscribers and renders them
// as Server-Sent Events.
package events

import (
	"sync"

	"ivxp/internal/metrics"
)

type Type string

const (
	TypeStatusUpdate Type = "status_update"
	TypeProgress     Type = "progress"
	TypeCompleted    Type = "completed"
	TypeFailed       Type = "failed"
)

// Terminal reports whether a stream ends after an event of this type.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed
}

type Event struct {
	Type Type
	Data any
}

// Listener must not block; it runs on the pushing goroutine.
type Listener func(Event)

// Emitter is a per-order publish/subscribe hub.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Listener
	nextID uint64
	done   chan struct{}
	closed bool
}

func NewEmitter() *Emitter {
	return &Emitter{
		subs: map[string]map[uint64]Listener{},
		done: make(chan struct{}),
	}
}

// Subscribe registers l for events of orderID. The returned function
// removes it and may be called more than once.
func (e *Emitter) Subscribe(orderID string, l Listener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	e.nextID++
	id := e.nextID
	if e.subs[orderID] == nil {
		e.subs[orderID] = map[uint64]Listener{}
	}
	e.subs[orderID][id] = l
	metrics.SSESubscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(orderID, id) })
	}
}

func (e *Emitter) remove(orderID string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs, ok := e.subs[orderID]
	if !ok {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	metrics.SSESubscribers.Dec()
	if len(subs) == 0 {
		delete(e.subs, orderID)
	}
}

// Push delivers ev synchronously to the current subscribers of orderID.
func (e *Emitter) Push(orderID string, ev Event) {
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.subs[orderID]))
	for _, l := range e.subs[orderID] {
		listeners = append(listeners, l)
	}
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (e *Emitter) SubscriberCount(orderID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[orderID])
}

func (e *Emitter) HasSubscribers(orderID string) bool {
	return e.SubscriberCount(orderID) > 0
}

// Done is closed when the emitter shuts down.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

// Close drops every subscriber and ends open streams.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for orderID, subs := range e.subs {
		metrics.SSESubscribers.Sub(float64(len(subs)))
		delete(e.subs, orderID)
	}
	close(e.done)
}
