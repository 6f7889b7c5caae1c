package messaging

import (
	"testing"
	"time"
)

func TestEnqueueAndDeliver(t *testing.T) {
	s := New(10, time.Minute)

	m, err := s.Enqueue("alice", "bob", "", "text/plain", []byte("hi"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := s.Count("alice"); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	pending := s.Pending("alice")
	if len(pending) != 1 || pending[0] != m {
		t.Fatalf("Pending = %v, want [%v]", pending, m)
	}

	s.Deliver("alice", m)
	if got := s.Count("alice"); got != 0 {
		t.Fatalf("Count after deliver = %d, want 0", got)
	}
}

func TestCapacityExhausted(t *testing.T) {
	s := New(1, time.Minute)

	if _, err := s.Enqueue("alice", "bob", "", "text/plain", []byte("1")); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := s.Enqueue("carol", "bob", "", "text/plain", []byte("2")); err != ErrCapacityExhausted {
		t.Fatalf("second Enqueue err = %v, want ErrCapacityExhausted", err)
	}
}

func TestAutomaticExpiresPastTTL(t *testing.T) {
	s := New(10, time.Millisecond)

	if _, err := s.Enqueue("alice", "bob", "", "text/plain", []byte("hi")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	s.Automatic()

	if got := s.Count("alice"); got != 0 {
		t.Fatalf("Count after Automatic = %d, want 0", got)
	}
}
