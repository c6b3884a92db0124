/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling drives the lifecycle of one call against a media room
// provider: connect, disconnect and switching from one call to another.
//
// Every transition is confirmed by the provider asynchronously. Callers
// block in Connect until the provider reports the room connected; a newer
// Connect rejects the older one with ErrReplaced and a provider disconnect
// rejects it with ErrDisconnectedBeforeConnect, so no caller is ever left
// waiting forever.
package calling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/signaling"
	"github.com/tejzpr/huddle-go-sdk/transport"
)

// Signaling request types used by the controller.
const (
	TypeCreateCall = "create_call"
	TypeJoinCall   = "join_call"
	TypeInvite     = "invite"
)

var (
	// ErrReplaced rejects a pending connect superseded by a newer one.
	ErrReplaced = huddlesdk.NewError(huddlesdk.CategoryPreempted, "calling.connect", "replaced by new connect")

	// ErrDisconnectedBeforeConnect rejects a pending connect when the room
	// disconnects, or Disconnect is called, before it completes.
	ErrDisconnectedBeforeConnect = huddlesdk.NewError(huddlesdk.CategoryDisconnected, "calling.connect", "disconnected before connect completed")

	// ErrSwitchCancelled rejects a connect blocked on a switch that was cancelled.
	ErrSwitchCancelled = huddlesdk.NewError(huddlesdk.CategorySwitchCancelled, "calling.connect", "call switch cancelled")

	// ErrNoPendingSwitch is returned by ConfirmSwitch and CancelSwitch when no
	// switch awaits a decision.
	ErrNoPendingSwitch = huddlesdk.NewError(huddlesdk.CategoryInvalidArgument, "calling.switch", "no call switch pending")

	// ErrNoRPC is returned by StartCall and JoinCall when the controller has
	// no signaling client.
	ErrNoRPC = huddlesdk.NewError(huddlesdk.CategoryInvalidArgument, "calling.rpc", "no signaling client configured")

	// ErrConnectTimeout rejects a connect the provider did not confirm in time.
	ErrConnectTimeout = huddlesdk.NewError(huddlesdk.CategoryTimeout, "calling.connect", "provider did not confirm connection")
)

// RPC is the signaling request surface used for call setup and invites.
type RPC interface {
	Request(ctx context.Context, msgType string, payload any) (*signaling.Frame, error)
}

// Config holds controller settings.
type Config struct {
	// ServerURL is the room server used when a request does not name one.
	ServerURL string `yaml:"server_url"`
	// DisconnectTimeout bounds the wait for disconnect confirmation when
	// switching calls. The switch proceeds when it expires.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	// ConnectTimeout bounds the wait for the provider to confirm a connect.
	// Zero waits until ctx ends.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// InviteTimeout bounds the invite request sent after connecting.
	InviteTimeout time.Duration `yaml:"invite_timeout"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() *Config {
	return &Config{
		DisconnectTimeout: 3 * time.Second,
		ConnectTimeout:    30 * time.Second,
		InviteTimeout:     10 * time.Second,
	}
}

// ConnectRequest asks the controller to join a call.
type ConnectRequest struct {
	Token  string
	CallID string
	// Peer is invited once connected, unless SuppressInvite is set.
	Peer string
	// SuppressInvite skips the invite, e.g. when joining through an
	// invitation received from someone else.
	SuppressInvite bool
	// ServerURL overrides Config.ServerURL.
	ServerURL string
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	State         State
	ShouldConnect bool
	Token         string
	CallID        string
}

// pendingOp is a single-resolution slot for an operation confirmed later by
// the provider. Whichever path settles it first wins; later settles are
// ignored and reported as false.
type pendingOp struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newPendingOp() *pendingOp {
	return &pendingOp{done: make(chan struct{})}
}

func (p *pendingOp) settle(err error) bool {
	if p == nil {
		return false
	}
	settled := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// switchOp is a connect stashed until the caller decides.
type switchOp struct {
	req      ConnectRequest
	from     string
	decision chan error
}

func (s *switchOp) decide(err error) {
	select {
	case s.decision <- err:
	default:
	}
}

// Controller owns shouldConnect, the token and call id, and the connect,
// disconnect and switch operations for one session.
type Controller struct {
	mu       sync.Mutex
	config   *Config
	logger   huddlesdk.LoggerAdapter
	provider transport.Provider
	rpc      RPC

	state          State
	shouldConnect  bool
	token          string
	callID         string
	peer           string
	suppressInvite bool

	pendingConnect    *pendingOp
	pendingDisconnect *pendingOp
	pendingSwitch     *switchOp
	// unconfirmed counts disconnects abandoned after DisconnectTimeout whose
	// confirmation may still arrive.
	unconfirmed int

	// connectMu serialises the setup phase of performConnect so that two
	// connects never interleave their disconnect and connect steps.
	connectMu sync.Mutex

	removeCallback func()

	// Emitter publishes lifecycle events.
	Emitter *EventEmitter
}

// New creates a controller driving provider. rpc may be nil, in which case
// no invites are sent and StartCall/JoinCall are unavailable.
func New(config *Config, provider transport.Provider, rpc RPC, logger huddlesdk.LoggerAdapter) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Controller{
		config:   config,
		logger:   huddlesdk.OrNop(logger).With(zap.String("component", "calling")),
		provider: provider,
		rpc:      rpc,
		state:    StateDisconnected,
		Emitter:  NewEventEmitter(),
	}
	c.removeCallback = provider.AddCallback(&transport.Callback{
		OnConnectionStateChanged: c.handleConnectionState,
	})
	return c
}

// Close detaches the controller from the provider. It does not disconnect.
func (c *Controller) Close() {
	c.mu.Lock()
	remove := c.removeCallback
	c.removeCallback = nil
	c.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// State returns the controller's view of the call.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the lifecycle state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:         c.state,
		ShouldConnect: c.shouldConnect,
		Token:         c.token,
		CallID:        c.callID,
	}
}

// PendingSwitch returns the switch awaiting a decision, if any.
func (c *Controller) PendingSwitch() (SwitchRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingSwitch == nil {
		return SwitchRequest{}, false
	}
	return SwitchRequest{From: c.pendingSwitch.from, To: c.pendingSwitch.req.CallID}, true
}

// Connect joins the call in req and blocks until the provider confirms it.
//
// With no call active it connects directly. Requesting the active call again
// returns nil at once. Requesting a different call while one is active emits
// EventSwitchRequested and blocks until ConfirmSwitch (the current call is
// left, then req is joined) or CancelSwitch (ErrSwitchCancelled). A newer
// switch request replaces a stashed one, whose Connect returns ErrReplaced.
func (c *Controller) Connect(ctx context.Context, req ConnectRequest) error {
	if req.Token == "" || req.CallID == "" {
		return huddlesdk.InvalidArgument("calling.connect", "token and call id are required")
	}

	c.mu.Lock()
	active := c.shouldConnect && c.callID != ""
	if !active {
		c.mu.Unlock()
		return c.performConnect(ctx, req)
	}
	if req.CallID == c.callID {
		c.mu.Unlock()
		c.logger.Debug("connect to active call ignored", zap.String("call_id", req.CallID))
		return nil
	}

	sw := &switchOp{req: req, from: c.callID, decision: make(chan error, 1)}
	prev := c.pendingSwitch
	c.pendingSwitch = sw
	c.mu.Unlock()

	if prev != nil {
		prev.decide(ErrReplaced)
	}
	c.logger.Info("call switch requested", zap.String("from", sw.from), zap.String("to", req.CallID))
	c.Emitter.Emit(EventSwitchRequested, SwitchRequest{From: sw.from, To: req.CallID})

	select {
	case err := <-sw.decision:
		if err != nil {
			return err
		}
		return c.performConnect(ctx, req)
	case <-ctx.Done():
		c.mu.Lock()
		if c.pendingSwitch == sw {
			c.pendingSwitch = nil
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// ConfirmSwitch lets a connect blocked on a switch proceed.
func (c *Controller) ConfirmSwitch() error {
	sw := c.takeSwitch()
	if sw == nil {
		return ErrNoPendingSwitch
	}
	c.logger.Info("call switch confirmed", zap.String("to", sw.req.CallID))
	sw.decide(nil)
	return nil
}

// CancelSwitch rejects a connect blocked on a switch with ErrSwitchCancelled.
// The active call is kept.
func (c *Controller) CancelSwitch() error {
	sw := c.takeSwitch()
	if sw == nil {
		return ErrNoPendingSwitch
	}
	c.logger.Info("call switch cancelled", zap.String("to", sw.req.CallID))
	sw.decide(ErrSwitchCancelled)
	c.Emitter.Emit(EventSwitchCancelled, SwitchRequest{From: sw.from, To: sw.req.CallID})
	return nil
}

func (c *Controller) takeSwitch() *switchOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw := c.pendingSwitch
	c.pendingSwitch = nil
	return sw
}

// performConnect leaves any other call, then joins req and waits for the
// provider to confirm.
func (c *Controller) performConnect(ctx context.Context, req ConnectRequest) error {
	c.connectMu.Lock()

	c.mu.Lock()
	superseded := c.pendingConnect
	c.pendingConnect = nil
	leaving := c.state != StateDisconnected || c.shouldConnect
	c.mu.Unlock()

	if superseded.settle(ErrReplaced) {
		c.logger.Info("pending connect replaced", zap.String("call_id", req.CallID))
	}

	if leaving {
		if err := c.disconnectAndWait(ctx); err != nil {
			c.connectMu.Unlock()
			return err
		}
	}

	serverURL := req.ServerURL
	if serverURL == "" {
		serverURL = c.config.ServerURL
	}

	op := newPendingOp()
	c.mu.Lock()
	c.state = StateConnecting
	c.token = req.Token
	c.callID = req.CallID
	c.peer = req.Peer
	c.suppressInvite = req.SuppressInvite
	c.shouldConnect = true
	c.pendingConnect = op
	c.mu.Unlock()

	c.logger.Info("connecting", zap.String("call_id", req.CallID), zap.String("server_url", serverURL))
	c.Emitter.Emit(EventConnecting, req.CallID)
	c.Emitter.Emit(EventShouldConnect, true)

	err := c.provider.Connect(ctx, serverURL, req.Token)
	c.connectMu.Unlock()
	if err != nil {
		c.failConnect(op, fmt.Errorf("provider connect: %w", err))
		return op.err
	}

	return c.waitConnect(ctx, op)
}

func (c *Controller) waitConnect(ctx context.Context, op *pendingOp) error {
	var timeout <-chan time.Time
	if c.config.ConnectTimeout > 0 {
		timer := time.NewTimer(c.config.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-op.done:
		return op.err
	case <-timeout:
		if c.failConnect(op, ErrConnectTimeout) {
			c.logger.Warn("connect not confirmed in time", zap.Duration("timeout", c.config.ConnectTimeout))
			c.provider.Disconnect()
		}
		<-op.done
		return op.err
	case <-ctx.Done():
		// The attempt itself keeps going; only this caller stops waiting.
		return ctx.Err()
	}
}

// failConnect settles op with err. If op is still the pending connect the
// call is abandoned and shouldConnect cleared.
func (c *Controller) failConnect(op *pendingOp, err error) bool {
	c.mu.Lock()
	current := c.pendingConnect == op
	if current {
		c.pendingConnect = nil
		c.shouldConnect = false
		c.token = ""
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
	}
	c.mu.Unlock()

	settled := op.settle(err)
	if current {
		c.Emitter.Emit(EventShouldConnect, false)
	}
	return settled
}

// disconnectAndWait disconnects and waits for confirmation, bounded by
// DisconnectTimeout.
func (c *Controller) disconnectAndWait(ctx context.Context) error {
	wait := c.disconnect()
	if wait == nil {
		return nil
	}
	select {
	case <-wait.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect leaves the current call and returns without waiting for the
// provider. A pending connect is rejected with ErrDisconnectedBeforeConnect
// and a stashed switch with ErrSwitchCancelled.
func (c *Controller) Disconnect() {
	c.disconnect()
}

func (c *Controller) disconnect() *pendingOp {
	c.mu.Lock()
	wasActive := c.shouldConnect
	c.shouldConnect = false
	c.token = ""
	pc := c.pendingConnect
	c.pendingConnect = nil
	sw := c.pendingSwitch
	c.pendingSwitch = nil

	if c.state == StateDisconnected && c.provider.ConnectionState() == transport.StateDisconnected {
		c.mu.Unlock()
		pc.settle(ErrDisconnectedBeforeConnect)
		if sw != nil {
			sw.decide(ErrSwitchCancelled)
		}
		if wasActive {
			c.Emitter.Emit(EventShouldConnect, false)
		}
		return nil
	}

	pd := c.pendingDisconnect
	if pd == nil {
		pd = newPendingOp()
		c.pendingDisconnect = pd
		if c.config.DisconnectTimeout > 0 {
			time.AfterFunc(c.config.DisconnectTimeout, func() {
				c.mu.Lock()
				if c.pendingDisconnect == pd {
					c.pendingDisconnect = nil
					c.unconfirmed++
				}
				c.mu.Unlock()
				if pd.settle(nil) {
					c.logger.Warn("disconnect not confirmed in time, proceeding", zap.Duration("timeout", c.config.DisconnectTimeout))
				}
			})
		}
	}
	c.mu.Unlock()

	if pc.settle(ErrDisconnectedBeforeConnect) {
		c.logger.Info("pending connect rejected by disconnect")
	}
	if sw != nil {
		sw.decide(ErrSwitchCancelled)
	}
	if wasActive {
		c.Emitter.Emit(EventShouldConnect, false)
	}
	c.provider.Disconnect()
	return pd
}

func (c *Controller) handleConnectionState(state transport.ConnectionState) {
	switch state {
	case transport.StateConnected:
		c.handleConnected()
	case transport.StateDisconnected:
		c.handleDisconnected()
	}
}

func (c *Controller) handleConnected() {
	c.mu.Lock()
	if !c.shouldConnect {
		c.mu.Unlock()
		c.logger.Warn("provider connected after disconnect was requested")
		c.provider.Disconnect()
		return
	}
	c.state = StateConnected
	pc := c.pendingConnect
	c.pendingConnect = nil
	callID, peer, suppress := c.callID, c.peer, c.suppressInvite
	c.suppressInvite = false
	c.mu.Unlock()

	pc.settle(nil)
	c.logger.Info("connected", zap.String("call_id", callID))
	c.Emitter.Emit(EventConnected, callID)

	if !suppress && peer != "" && c.rpc != nil {
		go c.invite(peer, callID)
	}
}

func (c *Controller) invite(peer, callID string) {
	ctx := context.Background()
	if c.config.InviteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.InviteTimeout)
		defer cancel()
	}
	_, err := c.rpc.Request(ctx, TypeInvite, map[string]string{"peer": peer, "call_id": callID})
	if err != nil {
		c.logger.Error("invite failed", err, zap.String("peer", peer), zap.String("call_id", callID))
		c.Emitter.Emit(EventInviteError, err)
	}
}

func (c *Controller) handleDisconnected() {
	c.mu.Lock()
	if c.unconfirmed > 0 {
		c.unconfirmed--
		// The confirmation of a disconnect that timed out belongs to the
		// previous room, not to the connect now in progress.
		if c.state == StateConnecting && c.pendingConnect != nil {
			callID := c.callID
			c.mu.Unlock()
			c.logger.Info("late disconnect confirmation ignored", zap.String("call_id", callID))
			return
		}
	}
	callID := c.callID
	c.state = StateDisconnected
	pd := c.pendingDisconnect
	c.pendingDisconnect = nil
	pc := c.pendingConnect
	c.pendingConnect = nil
	// An unrequested drop ends the call from the caller's point of view.
	dropped := c.shouldConnect
	c.shouldConnect = false
	if dropped {
		c.token = ""
	}
	c.mu.Unlock()

	pd.settle(nil)
	if pc.settle(ErrDisconnectedBeforeConnect) {
		c.logger.Warn("provider disconnected before connect completed", zap.String("call_id", callID))
	}
	c.logger.Info("disconnected", zap.String("call_id", callID))
	if dropped {
		c.Emitter.Emit(EventShouldConnect, false)
	}
	c.Emitter.Emit(EventDisconnected, callID)
}

type callGrant struct {
	Token     string `json:"token"`
	CallID    string `json:"call_id"`
	ServerURL string `json:"server_url"`
}

// StartCall asks the signaling server for a new call with peer and joins
// it. The peer is invited once the room connects.
func (c *Controller) StartCall(ctx context.Context, peer string) error {
	if peer == "" {
		return huddlesdk.InvalidArgument("calling.start", "peer is required")
	}
	grant, err := c.requestGrant(ctx, TypeCreateCall, map[string]string{"peer": peer})
	if err != nil {
		return err
	}
	return c.Connect(ctx, ConnectRequest{Token: grant.Token, CallID: grant.CallID, Peer: peer, ServerURL: grant.ServerURL})
}

// JoinCall asks the signaling server for a token to an existing call and
// joins it without sending an invite.
func (c *Controller) JoinCall(ctx context.Context, callID string) error {
	if callID == "" {
		return huddlesdk.InvalidArgument("calling.join", "call id is required")
	}
	grant, err := c.requestGrant(ctx, TypeJoinCall, map[string]string{"call_id": callID})
	if err != nil {
		return err
	}
	if grant.CallID == "" {
		grant.CallID = callID
	}
	return c.Connect(ctx, ConnectRequest{Token: grant.Token, CallID: grant.CallID, SuppressInvite: true, ServerURL: grant.ServerURL})
}

func (c *Controller) requestGrant(ctx context.Context, msgType string, payload any) (*callGrant, error) {
	if c.rpc == nil {
		return nil, ErrNoRPC
	}
	resp, err := c.rpc.Request(ctx, msgType, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msgType, err)
	}
	var grant callGrant
	if err := resp.Decode(&grant); err != nil {
		return nil, err
	}
	if grant.Token == "" || grant.CallID == "" {
		return nil, huddlesdk.InvalidArgument("calling."+msgType, "response is missing token or call_id")
	}
	return &grant, nil
}
