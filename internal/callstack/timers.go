package callstack

import (
	"sync"
	"time"
)

// Sink receives timer-fired callbacks from a Stack. Implementations
// (internal/worker) hold no call mutex when the callback runs and must
// acquire it themselves, the way spec §4.5 requires outbound work to
// happen outside the call mutex.
type Sink interface {
	OnRingTimer(call *Call)
	OnCFNATimer(call *Call)
	OnResetTimer(call *Call)
	OnSafetyNet(call *Call)
}

// timerSet is the small collection of per-call timers named in spec
// §4.3. Each is a plain time.AfterFunc rather than a hand-rolled
// timer-wheel: Go's runtime timer heap already gives millisecond
// resolution and cancellation, which is what the spec's TimerQueue asks
// for — a bespoke wheel would only duplicate what time.Timer provides.
type timerSet struct {
	mu         sync.Mutex
	ring       *time.Timer
	cfna       *time.Timer
	reset      *time.Timer
	safetyNet  *time.Timer
	invite     *time.Timer
}

func (ts *timerSet) arm(slot **time.Timer, d time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = time.AfterFunc(d, fn)
}

func (ts *timerSet) cancel(slot **time.Timer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

func (ts *timerSet) cancelAll() {
	ts.cancel(&ts.ring)
	ts.cancel(&ts.cfna)
	ts.cancel(&ts.reset)
	ts.cancel(&ts.safetyNet)
	ts.cancel(&ts.invite)
}

// ArmRingTimer arms the max per-segment ring timer (default 4s).
func (s *Stack) ArmRingTimer(c *Call) {
	ts := s.timersFor(c)
	ts.arm(&ts.ring, s.cfg.RingTimer, func() { s.sink.OnRingTimer(c) })
}

// ArmCFNATimer arms the total call-forward-no-answer window (default 16s).
func (s *Stack) ArmCFNATimer(c *Call) {
	ts := s.timersFor(c)
	ts.arm(&ts.cfna, s.cfg.CFNATimer, func() { s.sink.OnCFNATimer(c) })
}

// ArmResetTimer arms the post-terminal cleanup delay (default 6s).
func (s *Stack) ArmResetTimer(c *Call) {
	ts := s.timersFor(c)
	ts.arm(&ts.reset, s.cfg.ResetTimer, func() { s.sink.OnResetTimer(c) })
}

// CancelRingTimer stops the ring timer, e.g. on answer.
func (s *Stack) CancelRingTimer(c *Call) {
	ts := s.timersFor(c)
	ts.cancel(&ts.ring)
}

// CancelCFNATimer stops the CFNA timer.
func (s *Stack) CancelCFNATimer(c *Call) {
	ts := s.timersFor(c)
	ts.cancel(&ts.cfna)
}
