package callstack

import (
	"context"
	"testing"
	"time"
)

type fakeSink struct {
	ring, cfna, reset, safety chan *Call
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ring:   make(chan *Call, 4),
		cfna:   make(chan *Call, 4),
		reset:  make(chan *Call, 4),
		safety: make(chan *Call, 4),
	}
}

func (f *fakeSink) OnRingTimer(c *Call)   { f.ring <- c }
func (f *fakeSink) OnCFNATimer(c *Call)   { f.cfna <- c }
func (f *fakeSink) OnResetTimer(c *Call)  { f.reset <- c }
func (f *fakeSink) OnSafetyNet(c *Call)   { f.safety <- c }

func testConfig() Config {
	return Config{
		CallCapacity:    8,
		SegmentCapacity: 32,
		RingTimer:       20 * time.Millisecond,
		CFNATimer:       50 * time.Millisecond,
		ResetTimer:      20 * time.Millisecond,
		InviteExpires:   time.Second,
		CallSafetyNet:   30 * time.Millisecond,
	}
}

func TestCreateInsertsCidAndActiveList(t *testing.T) {
	s := New(testConfig())
	sink := newFakeSink()
	s.SetSink(sink)

	c, err := s.Create("call-abc", TypeIncoming)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateInitial {
		t.Fatalf("want INITIAL, got %v", c.State())
	}

	seg, err := s.LookupBySIPCallID("call-abc")
	if err != nil {
		t.Fatal(err)
	}
	if seg.Parent != c {
		t.Fatal("segment should belong to the created call")
	}
	if s.ActiveCalls() != 1 {
		t.Fatalf("want 1 active call, got %d", s.ActiveCalls())
	}
}

func TestCapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.CallCapacity = 1
	s := New(cfg)
	s.SetSink(newFakeSink())

	if _, err := s.Create("a", TypeIncoming); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("b", TypeIncoming); err != ErrCapacityExhausted {
		t.Fatalf("want ErrCapacityExhausted, got %v", err)
	}
}

func TestStateMachineHappyPath(t *testing.T) {
	s := New(testConfig())
	s.SetSink(newFakeSink())
	c, _ := s.Create("call-1", TypeIncoming)

	ctx := context.Background()
	c.Lock()
	defer c.Unlock()

	if err := c.Fire(ctx, EvInviteValid); err != nil {
		t.Fatal(err)
	}
	if err := c.Fire(ctx, EvTargetRings); err != nil {
		t.Fatal(err)
	}
	if err := c.Fire(ctx, EvTargetAnswered); err != nil {
		t.Fatal(err)
	}
	if err := c.Fire(ctx, EvSourceACK); err != nil {
		t.Fatal(err)
	}
	if got := parseState(c.fsmState.Current()); got != StateJoined {
		t.Fatalf("want JOINED, got %v", got)
	}
}

func TestSafetyNetFiresWhenStuckInInitial(t *testing.T) {
	s := New(testConfig())
	sink := newFakeSink()
	s.SetSink(sink)

	c, _ := s.Create("call-stuck", TypeIncoming)

	select {
	case fired := <-sink.safety:
		if fired != c {
			t.Fatal("safety net fired for the wrong call")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("safety net never fired")
	}
}

func TestDestroyRemovesAllSegmentsFromCidHash(t *testing.T) {
	s := New(testConfig())
	s.SetSink(newFakeSink())
	c, _ := s.Create("call-x", TypeIncoming)

	seg2, err := s.AddSegment(c, "call-x-fork2", "102")
	if err != nil {
		t.Fatal(err)
	}
	_ = seg2

	s.Destroy(c)

	if _, err := s.LookupBySIPCallID("call-x"); err != ErrNotFound {
		t.Fatal("source segment should be gone from the cid-hash")
	}
	if _, err := s.LookupBySIPCallID("call-x-fork2"); err != ErrNotFound {
		t.Fatal("forked segment should be gone from the cid-hash")
	}
	if s.ActiveCalls() != 0 {
		t.Fatalf("want 0 active calls after Destroy, got %d", s.ActiveCalls())
	}
}
