// Package worker implements the event-handler decision cascade of spec
// §4.4: identify, classify, authenticate, authorize, dispatch, reply.
// A Worker is stateless between events; all durable state lives in the
// registry and callstack packages it holds references to.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/messaging"
	"github.com/relaypbx/switchcore/internal/registry"
	"github.com/relaypbx/switchcore/internal/rtpproxy"
	"github.com/relaypbx/switchcore/internal/transport"
)

// bgCtx is used for fsm transitions driven by timer callbacks, which have
// no request-scoped context of their own.
var bgCtx = context.Background()

// Config carries the subset of the daemon configuration the worker needs
// at dispatch time (timer durations the registry/callstack packages
// don't already own, plus the trust and auth settings).
type Config struct {
	MinExpires    time.Duration
	Realm         string
	TrustedCIDRs  []string
	AuthThreshold int
	AuthWindow    time.Duration
}

// Worker wires the transport, registry, call stack, authenticator, and
// message store together and implements callstack.Sink so timer fires
// route back into the dispatch cascade.
type Worker struct {
	cfg   Config
	tx    *transport.Transport
	reg   *registry.Registry
	stack *callstack.Stack
	auth  *authenticator
	acl   *trustedACL

	messages *messaging.Store
	relay    *rtpproxy.Pool // optional; nil when no relay nodes are configured

	outboundMu sync.Mutex
	outbound   map[*callstack.Segment]*sip.Request // the INVITE sent for a still-pending fork, needed to build its CANCEL
}

// New builds a Worker and registers its method handlers on tx. The
// caller must call stack.SetSink(worker) once construction is complete.
func New(cfg Config, tx *transport.Transport, reg *registry.Registry, stack *callstack.Stack, messages *messaging.Store) (*Worker, error) {
	acl, err := newTrustedACL(cfg.TrustedCIDRs)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:      cfg,
		tx:       tx,
		reg:      reg,
		stack:    stack,
		acl:      acl,
		messages: messages,
		outbound: make(map[*callstack.Segment]*sip.Request),
	}
	w.auth = newAuthenticator(reg, cfg.Realm, cfg.AuthThreshold, cfg.AuthWindow)

	tx.OnRequest(sip.REGISTER, w.handleRegister)
	tx.OnRequest(sip.INVITE, w.handleInvite)
	tx.OnRequest(sip.ACK, w.handleAck)
	tx.OnRequest(sip.BYE, w.handleBye)
	tx.OnRequest(sip.CANCEL, w.handleCancel)
	tx.OnRequest(sip.OPTIONS, w.handleOptions)
	tx.OnRequest(sip.MESSAGE, w.handleMessage)

	return w, nil
}

// CleanExpiredNonces is called by the background thread alongside
// registry.Cleanup (spec §4.5).
func (w *Worker) CleanExpiredNonces() {
	w.auth.cleanExpiredNonces()
}

// SetRelay installs the optional RTP relay pool an ACK handler attaches to
// a newly-joined call when either leg's SDP classifies as NAT'd (spec §2's
// "RTP proxy hook"). Called once at daemon startup; nil leaves relaying
// disabled.
func (w *Worker) SetRelay(relay *rtpproxy.Pool) {
	w.relay = relay
}

// --- callstack.Sink ---

// OnRingTimer fires when a segment has rung for RingTimer with no
// response (spec §4.3's ring_timer row).
func (w *Worker) OnRingTimer(c *callstack.Call) {
	c.Lock()
	if !c.Can(callstack.EvRingTimerFired) {
		c.Unlock()
		return
	}
	err := c.Fire(bgCtx, callstack.EvRingTimerFired)
	c.Unlock()
	if err != nil {
		slog.Warn("[Worker] ring timer transition failed", "call", c.ID, "error", err)
		return
	}
	w.applyForwarding(c, callstack.FwdNA)
}

// OnCFNATimer fires when the total call-forward-no-answer window elapses.
func (w *Worker) OnCFNATimer(c *callstack.Call) {
	c.Lock()
	canFire := c.Can(callstack.EvRingTimerFired)
	if canFire {
		_ = c.Fire(bgCtx, callstack.EvRingTimerFired)
	}
	c.Unlock()
	if !canFire {
		return
	}
	w.applyForwarding(c, callstack.FwdNA)
}

// OnResetTimer moves a TERMINATE/BUSY/FAILED call to FINAL and returns it
// to the arena (spec §4.3's final lifecycle row).
func (w *Worker) OnResetTimer(c *callstack.Call) {
	c.Lock()
	if c.Can(callstack.EvResetTimerFired) {
		_ = c.Fire(bgCtx, callstack.EvResetTimerFired)
	}
	c.Ending = time.Now()
	c.Unlock()

	w.stack.Destroy(c)
}

// OnSafetyNet garbage-collects a call stuck in INITIAL (testable
// property 7: destroyed within the configured safety-net window).
func (w *Worker) OnSafetyNet(c *callstack.Call) {
	if c.State() != callstack.StateInitial {
		return
	}
	slog.Warn("[Worker] call stuck in INITIAL, garbage-collecting", "call", c.ID)
	w.stack.Destroy(c)
}
