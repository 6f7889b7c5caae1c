// Package callstack implements the call/session object graph of spec
// §4.3: the per-dialog state machine, the cid→segment lookup index, and
// the safety-net/ring/CFNA/reset timers that drive it. It is the second
// of the spec's three core components.
package callstack

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaypbx/switchcore/internal/arena"
)

// Config sizes the call/segment arenas and the default timer durations
// (spec §4.3, overridable via internal/config).
type Config struct {
	CallCapacity    int
	SegmentCapacity int

	RingTimer     time.Duration
	CFNATimer     time.Duration
	ResetTimer    time.Duration
	InviteExpires time.Duration
	CallSafetyNet time.Duration
}

// Stack owns the call arena, the segment arena, the cid-hash, and the
// active-call list. Lock order, per spec §5, is
// registry-shared < call-mutex < transport-lock. Stack's own lock
// (cidMu, for the hash/list) is held only briefly during insert/remove
// and lookups, and is never acquired while a call mutex is held;
// ActiveSegments and Snapshot take each call's mutex while holding
// cidMu for reading.
type Stack struct {
	cfg Config

	calls    *arena.Arena[*Call]
	segments *arena.Arena[*Segment]

	cidMu      sync.RWMutex
	bySIPCall  map[string]*Segment // SIP Call-ID -> segment (spec's cid-hash)
	activeByID map[string]*Call    // internal call id -> Call

	timersMu sync.Mutex
	timers   map[string]*timerSet // internal call id -> its timer set

	sink Sink
}

// New builds an empty Stack. SetSink must be called before any timer
// fires, normally right after worker construction.
func New(cfg Config) *Stack {
	return &Stack{
		cfg:        cfg,
		calls:      arena.New[*Call](cfg.CallCapacity),
		segments:   arena.New[*Segment](cfg.SegmentCapacity),
		bySIPCall:  make(map[string]*Segment),
		activeByID: make(map[string]*Call),
		timers:     make(map[string]*timerSet),
	}
}

// SetSink installs the timer callback target (internal/worker).
func (s *Stack) SetSink(sink Sink) { s.sink = sink }

func (s *Stack) timersFor(c *Call) *timerSet {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	ts, ok := s.timers[c.ID]
	if !ok {
		ts = &timerSet{}
		s.timers[c.ID] = ts
	}
	return ts
}

// Create allocates a call and its source segment bound to sipCallID,
// arms the safety-net timer, and inserts the call into the active-call
// list and the cid-hash (spec §4.3 "Lifecycle").
func (s *Stack) Create(sipCallID string, typ CallType) (*Call, error) {
	c := &Call{
		ID:   uuid.New().String(),
		Type: typ,
		Mode: ModeDirected,
	}
	c.fsmState = newFSM(c)

	src := &Segment{
		CallID: sipCallID,
		Parent: c,
		State:  SegOpen,
	}

	callHandle, err := s.calls.Allocate(c)
	if err != nil {
		return nil, ErrCapacityExhausted
	}
	segHandle, err := s.segments.Allocate(src)
	if err != nil {
		s.calls.Free(callHandle)
		return nil, ErrCapacityExhausted
	}
	c.handle = callHandle
	src.handle = segHandle

	c.Source = src
	c.Segments = append(c.Segments, src)
	c.Count = 1

	s.cidMu.Lock()
	s.bySIPCall[sipCallID] = src
	s.activeByID[c.ID] = c
	s.cidMu.Unlock()

	if s.sink != nil && s.cfg.CallSafetyNet > 0 {
		ts := s.timersFor(c)
		ts.arm(&ts.safetyNet, s.cfg.CallSafetyNet, func() { s.sink.OnSafetyNet(c) })
	}

	slog.Info("[Stack] call created", "call", c.ID, "sip_call_id", sipCallID, "type", typ)
	return c, nil
}

// LookupBySIPCallID resolves an inbound event's SIP Call-ID to the
// segment tracking it, the primary dispatch path for "continues an
// existing session" (spec §4.4 step 1).
func (s *Stack) LookupBySIPCallID(sipCallID string) (*Segment, error) {
	s.cidMu.RLock()
	defer s.cidMu.RUnlock()
	seg, ok := s.bySIPCall[sipCallID]
	if !ok {
		return nil, ErrNotFound
	}
	return seg, nil
}

// Lookup resolves an internal call id to its Call.
func (s *Stack) Lookup(id string) (*Call, error) {
	s.cidMu.RLock()
	defer s.cidMu.RUnlock()
	c, ok := s.activeByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// AddSegment allocates a new segment for one fork candidate and registers
// it in the cid-hash under its own SIP Call-ID, used when forking to
// CIRCULAR/TERMINAL/DISTRIBUTED targets (spec §4.3 "Fork/distribution").
func (s *Stack) AddSegment(c *Call, sipCallID string, registryID string) (*Segment, error) {
	seg := &Segment{
		CallID:     sipCallID,
		RegistryID: registryID,
		Parent:     c,
		State:      SegOpen,
	}
	segHandle, err := s.segments.Allocate(seg)
	if err != nil {
		return nil, ErrCapacityExhausted
	}
	seg.handle = segHandle

	c.Lock()
	c.Segments = append(c.Segments, seg)
	c.Count = len(c.Segments)
	c.Invited++
	c.Unlock()

	s.cidMu.Lock()
	s.bySIPCall[sipCallID] = seg
	s.cidMu.Unlock()

	return seg, nil
}

// RemoveSegment drops one segment from the cid-hash (e.g. a losing fork
// candidate receiving CANCEL) without destroying the call.
func (s *Stack) RemoveSegment(seg *Segment) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	if cur, ok := s.bySIPCall[seg.CallID]; ok && cur == seg {
		delete(s.bySIPCall, seg.CallID)
	}
}

// Destroy removes every segment of c from the cid-hash, frees the call
// and its segments back to their arenas, cancels all timers, and removes
// c from the active-call list. This is the FINAL→arena-return step of
// spec §4.3's lifecycle table; testable property 6 requires every
// segment be gone from the cid-hash once this returns.
func (s *Stack) Destroy(c *Call) {
	s.cidMu.Lock()
	for _, seg := range c.Segments {
		if cur, ok := s.bySIPCall[seg.CallID]; ok && cur == seg {
			delete(s.bySIPCall, seg.CallID)
		}
	}
	delete(s.activeByID, c.ID)
	s.cidMu.Unlock()

	s.timersMu.Lock()
	if ts, ok := s.timers[c.ID]; ok {
		ts.cancelAll()
		delete(s.timers, c.ID)
	}
	s.timersMu.Unlock()

	c.Lock()
	segs := c.Segments
	c.Segments = nil
	c.Unlock()
	for _, seg := range segs {
		s.segments.Free(seg.handle)
	}
	s.calls.Free(c.handle)

	slog.Info("[Stack] call destroyed", "call", c.ID)
}

// ActiveCalls returns the number of calls currently tracked.
func (s *Stack) ActiveCalls() int {
	s.cidMu.RLock()
	defer s.cidMu.RUnlock()
	return len(s.activeByID)
}

// ActiveSegments returns the total segment count across all active calls.
func (s *Stack) ActiveSegments() int {
	s.cidMu.RLock()
	defer s.cidMu.RUnlock()
	n := 0
	for _, c := range s.activeByID {
		c.Lock()
		n += len(c.Segments)
		c.Unlock()
	}
	return n
}

// Snapshot renders the plaintext "SIP Stack:" section of the
// control-channel snapshot command (spec §6).
func (s *Stack) Snapshot() []string {
	s.cidMu.RLock()
	defer s.cidMu.RUnlock()

	allocatedCalls := s.calls.InUse()
	allocatedSegments := s.segments.InUse()

	active := len(s.activeByID)
	sessions := 0
	for _, c := range s.activeByID {
		c.Lock()
		sessions += len(c.Segments)
		c.Unlock()
	}

	return []string{
		"SIP Stack:",
		"  mapped calls: " + strconv.Itoa(s.calls.Capacity()),
		"  active calls: " + strconv.Itoa(active),
		"  active sessions: " + strconv.Itoa(sessions),
		"  allocated calls: " + strconv.Itoa(allocatedCalls),
		"  allocated sessions: " + strconv.Itoa(allocatedSegments),
	}
}

// CancelAt expires the call via its reset timer path outside of a real
// timer fire: it arms the reset timer, the same step the worker's
// CANCEL/BYE handlers take by calling ArmResetTimer directly.
func (s *Stack) CancelAt(_ context.Context, c *Call) {
	s.ArmResetTimer(c)
}
