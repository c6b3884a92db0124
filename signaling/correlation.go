/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

// response is the outcome delivered to a waiting request.
type response struct {
	frame *Frame
	err   error
}

// pendingRequest is one in-flight request. The channel is buffered so the
// single delivery never blocks; whoever removes the entry from the map owns
// that delivery.
type pendingRequest struct {
	id      string
	msgType string
	result  chan response
	timer   *time.Timer
}

// correlationMap tracks in-flight requests by id. Only the Client touches it.
type correlationMap struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
}

func newCorrelationMap(timeout time.Duration) *correlationMap {
	return &correlationMap{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
	}
}

// generateRequestID returns a fresh random correlation id.
func generateRequestID() string {
	return uuid.NewString()
}

// add registers a request and arms its deadline.
func (m *correlationMap) add(id, msgType string) <-chan response {
	req := &pendingRequest{
		id:      id,
		msgType: msgType,
		result:  make(chan response, 1),
	}

	m.mu.Lock()
	m.pending[id] = req
	if m.timeout > 0 {
		req.timer = time.AfterFunc(m.timeout, func() {
			m.settle(id, response{err: ErrRequestTimeout})
		})
	}
	m.mu.Unlock()

	return req.result
}

// resolve delivers an inbound frame to the request with the same id.
// It reports false when no such request is pending.
func (m *correlationMap) resolve(f *Frame) bool {
	if f.ID == "" {
		return false
	}
	if f.IsError() {
		return m.settle(f.ID, response{err: huddlesdk.NewRemoteError("signaling.request", f.Type, f.Data)})
	}
	return m.settle(f.ID, response{frame: f})
}

// cancel removes a request without delivering anything.
func (m *correlationMap) cancel(id string) bool {
	m.mu.Lock()
	req, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if ok && req.timer != nil {
		req.timer.Stop()
	}
	return ok
}

// settle removes the request and delivers res to it exactly once.
func (m *correlationMap) settle(id string, res response) bool {
	m.mu.Lock()
	req, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.result <- res
	return true
}

// rejectAll fails every pending request with err and empties the map.
func (m *correlationMap) rejectAll(err error) int {
	m.mu.Lock()
	drained := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	for _, req := range drained {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.result <- response{err: err}
	}
	return len(drained)
}

// len returns the number of requests in flight.
func (m *correlationMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
