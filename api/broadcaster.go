// Package api exposes micro-wibble sessions over HTTP and WebSocket:
// load an image, start/resume/cancel a run, read globals/heap, and
// stream fault/trace events to remote observers.
//
// A single fan-out Broadcaster goroutine owns the subscription set;
// a SessionManager keyed by random session ID tracks every live
// session; net/http routes requests and gorilla/websocket pumps the
// event stream to each connected client.
package api

import "sync"

// EventType categorizes a BroadcastEvent.
type EventType string

const (
	// EventTypeState is a VM state-transition event (ready -> running
	// -> halted/faulted/cancelled/cpu_exhausted).
	EventTypeState EventType = "state"
	// EventTypeFault is emitted when a session's Run/Resume returns a
	// fault.
	EventTypeFault EventType = "fault"
	// EventTypeTrace is emitted for execution-trace output, if a
	// session enables tracing.
	EventTypeTrace EventType = "trace"
)

// BroadcastEvent is one event sent to subscribed WebSocket clients.
type BroadcastEvent struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is one client's filtered view of the broadcast stream.
type Subscription struct {
	SessionID  string
	EventTypes map[EventType]bool
	Channel    chan BroadcastEvent
}

// Broadcaster fans out BroadcastEvents to every matching Subscription.
// A single goroutine owns register/unregister/broadcast; the RWMutex
// only guards SubscriptionCount reads from other goroutines.
type Broadcaster struct {
	mu            sync.RWMutex
	subscriptions map[*Subscription]bool
	broadcast     chan BroadcastEvent
	register      chan *Subscription
	unregister    chan *Subscription
	done          chan struct{}
}

// NewBroadcaster creates and starts a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subscriptions: make(map[*Subscription]bool),
		broadcast:     make(chan BroadcastEvent, 256),
		register:      make(chan *Subscription),
		unregister:    make(chan *Subscription),
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broadcaster) run() {
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subscriptions[sub] = true
			b.mu.Unlock()

		case sub := <-b.unregister:
			b.mu.Lock()
			if b.subscriptions[sub] {
				delete(b.subscriptions, sub)
				close(sub.Channel)
			}
			b.mu.Unlock()

		case event := <-b.broadcast:
			b.mu.RLock()
			for sub := range b.subscriptions {
				if sub.SessionID != "" && sub.SessionID != event.SessionID {
					continue
				}
				if len(sub.EventTypes) > 0 && !sub.EventTypes[event.Type] {
					continue
				}
				select {
				case sub.Channel <- event:
				default:
					// slow client: drop rather than block the broadcaster
				}
			}
			b.mu.RUnlock()

		case <-b.done:
			b.mu.Lock()
			for sub := range b.subscriptions {
				close(sub.Channel)
			}
			b.subscriptions = make(map[*Subscription]bool)
			b.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a new Subscription; sessionID == "" subscribes
// to every session, and an empty eventTypes subscribes to every event
// type.
func (b *Broadcaster) Subscribe(sessionID string, eventTypes []EventType) *Subscription {
	m := make(map[EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		m[et] = true
	}
	sub := &Subscription{SessionID: sessionID, EventTypes: m, Channel: make(chan BroadcastEvent, 64)}
	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.Channel)
	}
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call after
// Close: a closed broadcaster has already torn every subscription
// down, so the send is skipped rather than left blocking.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	select {
	case b.unregister <- sub:
	case <-b.done:
	}
}

// Broadcast enqueues event for delivery to matching subscriptions,
// dropping it if the broadcaster's internal queue is full rather than
// blocking the caller (an interpreter loop must never stall on a slow
// WebSocket client).
func (b *Broadcaster) Broadcast(event BroadcastEvent) {
	select {
	case b.broadcast <- event:
	default:
	}
}

// BroadcastState sends a state-transition event for sessionID.
func (b *Broadcaster) BroadcastState(sessionID, state string) {
	b.Broadcast(BroadcastEvent{Type: EventTypeState, SessionID: sessionID, Data: map[string]interface{}{"state": state}})
}

// BroadcastFault sends a fault event for sessionID.
func (b *Broadcaster) BroadcastFault(sessionID, kind, reason string) {
	b.Broadcast(BroadcastEvent{Type: EventTypeFault, SessionID: sessionID, Data: map[string]interface{}{
		"kind": kind, "reason": reason,
	}})
}

// BroadcastTrace sends a raw trace-output chunk for sessionID, wired
// as the EventFunc a service.EventEmittingWriter calls.
func (b *Broadcaster) BroadcastTrace(sessionID, chunk string) {
	b.Broadcast(BroadcastEvent{Type: EventTypeTrace, SessionID: sessionID, Data: map[string]interface{}{"chunk": chunk}})
}

// Close shuts down the broadcaster and every active subscription.
func (b *Broadcaster) Close() { close(b.done) }

// SubscriptionCount reports the number of active subscriptions.
func (b *Broadcaster) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}
