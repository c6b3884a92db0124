/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling multiplexes request/response exchanges and unsolicited
// pushes over a single long-lived websocket connection.
package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReadyState is the state of the underlying socket.
type ReadyState string

const (
	StateUninstantiated ReadyState = "UNINSTANTIATED"
	StateConnecting     ReadyState = "CONNECTING"
	StateOpen           ReadyState = "OPEN"
	StateClosing        ReadyState = "CLOSING"
	StateClosed         ReadyState = "CLOSED"
)

// Config holds the configuration for the signaling client
type Config struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`   // Deadline for every request/response exchange
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // Websocket opening handshake timeout
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // Deadline for a single frame write
	PingInterval     time.Duration `yaml:"ping_interval"`     // Interval between pings, 0 disables keepalive
	PongTimeout      time.Duration `yaml:"pong_timeout"`      // Extra time allowed for a pong after PingInterval
	MaxMessageSize   int64         `yaml:"max_message_size"`  // Inbound frame size limit in bytes
	SendRate         float64       `yaml:"send_rate"`         // Outbound frames per second, 0 disables limiting
	SendBurst        int           `yaml:"send_burst"`        // Outbound burst size
	Reconnect        bool          `yaml:"reconnect"`         // Redial after an unexpected close
	BackoffTimeReset time.Duration `yaml:"backoff_time_reset"`
	BackoffTimeMax   time.Duration `yaml:"backoff_time_max"`
	MaxRetries       int           `yaml:"max_retries"`
}

// DefaultConfig returns the default configuration for the signaling client
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		MaxMessageSize:   1 << 20,
		SendRate:         50,
		SendBurst:        20,
		Reconnect:        false,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   32 * time.Second,
		MaxRetries:       5,
	}
}

// EventHandler receives frames that did not answer a pending request.
type EventHandler func(frame *Frame)

// StateHandler receives every ReadyState transition.
type StateHandler func(state ReadyState)

// Client is the signaling RPC multiplexer. It owns exactly one socket at a
// time and the correlation map of requests sent over it.
type Client struct {
	mu             sync.Mutex
	config         *Config
	logger         huddlesdk.LoggerAdapter
	conn           *websocket.Conn
	state          ReadyState
	identified     bool
	closed         bool
	pending        *correlationMap
	limiter        *rate.Limiter
	writeMu        sync.Mutex
	eventHandlers  map[string]map[uint64]EventHandler
	stateHandlers  map[uint64]StateHandler
	nextHandlerID  uint64
	lastEvent      *Frame
	closeCh        chan struct{}
	url            string
	header         http.Header
	currentBackoff time.Duration
}

// New creates a new signaling client
func New(config *Config, logger huddlesdk.LoggerAdapter) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Client{
		config:         config,
		logger:         huddlesdk.OrNop(logger).With(zap.String("component", "signaling")),
		state:          StateUninstantiated,
		pending:        newCorrelationMap(config.RequestTimeout),
		eventHandlers:  make(map[string]map[uint64]EventHandler),
		stateHandlers:  make(map[uint64]StateHandler),
		closeCh:        make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
	if config.SendRate > 0 {
		burst := config.SendBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.SendRate), burst)
	}
	return c
}

// Connect dials url and starts reading frames. It returns once the socket is OPEN.
func (c *Client) Connect(ctx context.Context, url string, header http.Header) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.url = url
	c.header = header
	c.closed = false
	c.closeCh = make(chan struct{})
	c.currentBackoff = c.config.BackoffTimeReset
	c.mu.Unlock()

	c.setState(StateConnecting)
	conn, err := c.dial(ctx, url, header)
	if err != nil {
		c.setState(StateClosed)
		return err
	}
	c.adopt(conn)
	return nil
}

// Attach adopts an already established connection.
func (c *Client) Attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closed = false
	c.closeCh = make(chan struct{})
	c.mu.Unlock()

	c.adopt(conn)
	return nil
}

// Close closes the connection. Every pending request is rejected with
// ErrDisconnected and automatic reconnection stops.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.setState(StateClosed)
		return nil
	}

	c.setState(StateClosing)
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by client"),
		time.Now().Add(c.config.WriteTimeout))
	c.writeMu.Unlock()
	err := conn.Close()

	c.setState(StateClosed)
	if n := c.pending.rejectAll(ErrDisconnected); n > 0 {
		c.logger.Debug("rejected pending requests on close", zap.Int("count", n))
	}
	return err
}

// State returns the socket state.
func (c *Client) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identified reports whether the handshake has completed on the current connection.
func (c *Client) Identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identified
}

// SetIdentified marks the current connection as identified. It is ignored
// unless the socket is OPEN.
func (c *Client) SetIdentified(identified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		c.identified = false
		return
	}
	c.identified = identified
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	return c.pending.len()
}

// LastEvent returns the most recent frame that did not answer a request.
func (c *Client) LastEvent() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// Send writes a frame of msgType carrying payload.
//
// The socket must be OPEN, and the session identified unless msgType is a
// handshake type; otherwise ErrSocketNotReady is returned and nothing is
// written. With fireAndForget the frame carries no id and Send returns an
// empty frame as soon as it is written. Otherwise Send blocks until the
// response with the same id arrives, the request deadline passes
// (ErrRequestTimeout), the connection closes (ErrDisconnected) or ctx ends.
// Error frames are returned as *huddlesdk.RemoteError.
func (c *Client) Send(ctx context.Context, msgType string, payload any, fireAndForget bool) (*Frame, error) {
	c.mu.Lock()
	conn := c.conn
	ready := conn != nil && c.state == StateOpen && (c.identified || IsHandshakeType(msgType))
	c.mu.Unlock()

	if !ready {
		return nil, ErrSocketNotReady
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	if fireAndForget {
		if err := c.writeFrame(ctx, conn, &Frame{Type: msgType, Data: data}); err != nil {
			return nil, err
		}
		return &Frame{Type: msgType}, nil
	}

	id := generateRequestID()
	result := c.pending.add(id, msgType)
	if err := c.writeFrame(ctx, conn, &Frame{ID: id, Type: msgType, Data: data}); err != nil {
		c.pending.cancel(id)
		return nil, err
	}

	select {
	case res := <-result:
		return res.frame, res.err
	case <-ctx.Done():
		if c.pending.cancel(id) {
			return nil, ctx.Err()
		}
		// Settled concurrently; the result is already buffered.
		res := <-result
		return res.frame, res.err
	}
}

// Request sends a frame and waits for its response.
func (c *Client) Request(ctx context.Context, msgType string, payload any) (*Frame, error) {
	return c.Send(ctx, msgType, payload, false)
}

// Notify sends a fire-and-forget frame.
func (c *Client) Notify(ctx context.Context, msgType string, payload any) error {
	_, err := c.Send(ctx, msgType, payload, true)
	return err
}

// On registers a handler for unsolicited frames of eventType ("*" for all).
// Handlers run on their own goroutine. The returned func removes the handler.
func (c *Client) On(eventType string, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	c.mu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	if c.eventHandlers[eventType] == nil {
		c.eventHandlers[eventType] = make(map[uint64]EventHandler)
	}
	c.eventHandlers[eventType][id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.eventHandlers[eventType], id)
		if len(c.eventHandlers[eventType]) == 0 {
			delete(c.eventHandlers, eventType)
		}
	}
}

// OnStateChange registers a handler for ReadyState transitions. Handlers run
// synchronously on the goroutine that caused the transition.
func (c *Client) OnStateChange(handler StateHandler) func() {
	if handler == nil {
		return func() {}
	}

	c.mu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.stateHandlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateHandlers, id)
		c.mu.Unlock()
	}
}

func (c *Client) setState(state ReadyState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	if state != StateOpen {
		c.identified = false
	}
	handlers := make([]StateHandler, 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	c.logger.Debug("ready state changed", zap.String("state", string(state)))
	for _, h := range handlers {
		h(state)
	}
}

// dial establishes a websocket connection
func (c *Client) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	return conn, nil
}

// adopt installs conn as the current connection and starts its goroutines.
func (c *Client) adopt(conn *websocket.Conn) {
	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}
	if c.config.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return c.extendReadDeadline(conn)
		})
		_ = c.extendReadDeadline(conn)
	}

	c.mu.Lock()
	c.conn = conn
	c.currentBackoff = c.config.BackoffTimeReset
	c.mu.Unlock()

	done := make(chan struct{})
	go c.listen(conn, done)
	if c.config.PingInterval > 0 {
		go c.keepalive(conn, done)
	}

	c.setState(StateOpen)
}

func (c *Client) extendReadDeadline(conn *websocket.Conn) error {
	if c.config.PingInterval <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
}

// listen reads frames until the connection fails
func (c *Client) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLost(conn, err)
			return
		}
		_ = c.extendReadDeadline(conn)

		frame, err := decodeFrame(message)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Int("size", len(message)), zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch routes a frame to its pending request, or to the event stream.
func (c *Client) dispatch(frame *Frame) {
	if c.pending.resolve(frame) {
		return
	}

	c.mu.Lock()
	c.lastEvent = frame
	var handlers []EventHandler
	for _, h := range c.eventHandlers[frame.Type] {
		handlers = append(handlers, h)
	}
	if frame.Type != "*" {
		for _, h := range c.eventHandlers["*"] {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		go handler(frame)
	}
}

// handleConnectionLost tears down state for a connection that failed on its own.
func (c *Client) handleConnectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Closed deliberately, or already replaced.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	reconnect := c.config.Reconnect && !c.closed && c.url != ""
	c.mu.Unlock()

	_ = conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("connection closed by peer", zap.Error(err))
	} else {
		c.logger.Error("connection lost", err)
	}

	c.setState(StateClosed)
	if n := c.pending.rejectAll(ErrDisconnected.Wrap(err)); n > 0 {
		c.logger.Debug("rejected pending requests on connection loss", zap.Int("count", n))
	}

	if reconnect {
		go c.reconnect()
	}
}

// keepalive pings the peer until the connection's read loop exits
func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			if err != nil {
				c.logger.Warn("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// reconnect redials with exponential backoff until it succeeds, retries run
// out, or Close is called.
func (c *Client) reconnect() {
	c.mu.Lock()
	url, header, closeCh := c.url, c.header, c.closeCh
	c.mu.Unlock()

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		c.mu.Lock()
		backoff := c.currentBackoff
		c.currentBackoff *= 2
		if c.currentBackoff > c.config.BackoffTimeMax {
			c.currentBackoff = c.config.BackoffTimeMax
		}
		c.mu.Unlock()

		select {
		case <-time.After(backoff):
		case <-closeCh:
			return
		}

		c.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
		conn, err := c.dial(ctx, url, header)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			c.setState(StateClosed)
			continue
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			_ = conn.Close()
			return
		}

		c.logger.Info("reconnected", zap.Int("attempt", attempt))
		c.adopt(conn)
		return
	}

	c.logger.Warn("giving up reconnecting", zap.Int("attempts", c.config.MaxRetries))
}

// writeFrame encodes and writes a single frame
func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, frame *Frame) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	b, err := encodeFrame(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return ErrSocketNotReady.Wrap(err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return ErrSocketNotReady.Wrap(err)
	}
	return nil
}
