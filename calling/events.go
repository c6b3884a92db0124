/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// ---- Call State & Event Enums ----

// State is the controller's own view of the call, derived from provider
// callbacks. It can briefly disagree with ShouldConnect during a switch.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Event identifies a lifecycle event emitted by the controller.
type Event string

const (
	// EventConnecting carries the call id being joined.
	EventConnecting Event = "connecting"
	// EventConnected carries the call id now connected.
	EventConnected Event = "connected"
	// EventDisconnected carries the call id that was left.
	EventDisconnected Event = "disconnected"
	// EventShouldConnect carries the new shouldConnect value.
	EventShouldConnect Event = "should_connect"
	// EventSwitchRequested carries a SwitchRequest awaiting ConfirmSwitch or CancelSwitch.
	EventSwitchRequested Event = "switch_requested"
	// EventSwitchCancelled carries the abandoned SwitchRequest.
	EventSwitchCancelled Event = "switch_cancelled"
	// EventInviteError carries the error returned by the invite request.
	EventInviteError Event = "invite_error"
)

// SwitchRequest describes a connect to another call while one is active.
type SwitchRequest struct {
	From string
	To   string
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Event]map[uint64]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[Event]map[uint64]EventHandler),
	}
}

// On registers an event handler and returns a func removing it
func (e *EventEmitter) On(event Event, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[uint64]EventHandler)
	}
	e.handlers[event][id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers synchronously
func (e *EventEmitter) Emit(event Event, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
