// Package events fans route lifecycle events out to stream subscribers.
package events

import (
	"sync"
	"time"
)

// Event types published by the planner and scheduler.
const (
	RouteCreated          = "route.created"
	RouteStatus           = "route.status"
	RouteDeleted          = "route.deleted"
	RouteOptimized        = "route.optimized"
	RouteReordered        = "route.reordered"
	RouteTotals           = "route.totals"
	StopAdded             = "route.stop_added"
	StopRemoved           = "route.stop_removed"
	AssignmentCreated     = "assignment.created"
	AssignmentTransferred = "assignment.transferred"
	AssignmentUpdated     = "assignment.updated"
	AssignmentGenerated   = "assignment.generated"
)

type Event struct {
	Type    string         `json:"type"`
	RouteID string         `json:"routeId"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(typ, routeID string, data map[string]any) Event {
	return Event{Type: typ, RouteID: routeID, At: time.Now().UTC(), Data: data}
}

// Broker delivers events per route. Publish never blocks; slow subscribers drop events.
type Broker interface {
	Subscribe(routeID string) chan Event
	Unsubscribe(routeID string, ch chan Event)
	Publish(routeID string, evt Event)
}

// Memory is the in-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // routeId -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(routeID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[routeID] == nil {
		b.subs[routeID] = map[chan Event]struct{}{}
	}
	b.subs[routeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(routeID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[routeID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, routeID)
	}
	close(ch)
}

func (b *Memory) Publish(routeID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[routeID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Subscribe(string) chan Event         { return make(chan Event) }
func (Nop) Unsubscribe(_ string, ch chan Event) { close(ch) }
func (Nop) Publish(string, Event)               {}
