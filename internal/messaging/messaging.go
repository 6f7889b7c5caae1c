// Package messaging implements the offline SMS-like store of spec §3:
// a bounded arena of pending message bodies, delivered on the
// recipient's next registration or expired after their TTL.
package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relaypbx/switchcore/internal/arena"
)

// Message is one pending body (spec §3 "Message (offline SMS-like)").
type Message struct {
	To      string
	From    string
	Reply   string // reply-to address, if distinct from From
	Type    string // MIME type, e.g. "text/plain"
	Body    []byte
	MsgLen  int
	Created time.Time
	Expires time.Time
	handle  arena.Handle
}

// Store is the bounded, per-recipient queue of pending messages.
type Store struct {
	mu       sync.Mutex
	messages *arena.Arena[*Message]
	byTo     map[string][]*Message
	ttl      time.Duration
}

// New builds a Store sized to capacity, with messages expiring after ttl
// unless delivered sooner.
func New(capacity int, ttl time.Duration) *Store {
	return &Store{
		messages: arena.New[*Message](capacity),
		byTo:     make(map[string][]*Message),
		ttl:      ttl,
	}
}

// Enqueue stores body for delivery to "to" on its next registration.
// Mirrors the MESSAGE dispatch branch of spec §4.4 step 5 ("queue/deliver").
func (s *Store) Enqueue(to, from, reply, msgType string, body []byte) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	m := &Message{
		To:      to,
		From:    from,
		Reply:   reply,
		Type:    msgType,
		Body:    body,
		MsgLen:  len(body),
		Created: now,
		Expires: now.Add(s.ttl),
	}
	h, err := s.messages.Allocate(m)
	if err != nil {
		return nil, ErrCapacityExhausted
	}
	m.handle = h
	s.byTo[to] = append(s.byTo[to], m)

	slog.Info("[Messaging] enqueued", "to", to, "from", from, "len", m.MsgLen)
	return m, nil
}

// Pending returns (and does not remove) the queued messages for id, used
// when a REGISTER arrives and the worker decides whether to push
// deliveries immediately.
func (s *Store) Pending(id string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.byTo[id]...)
}

// Deliver removes m from id's queue and frees its arena slot, called once
// the worker has successfully sent it to id's current target.
func (s *Store) Deliver(id string, m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id, m)
}

func (s *Store) removeLocked(id string, m *Message) {
	list := s.byTo[id]
	for i, cand := range list {
		if cand == m {
			s.byTo[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.byTo[id]) == 0 {
		delete(s.byTo, id)
	}
	s.messages.Free(m.handle)
}

// Automatic is the background thread's expiry sweep (spec §4.5 step 2,
// "messages::automatic()"): any message past its TTL is dropped. It does
// not retry delivery; queued messages are only sent when the recipient
// registers again.
func (s *Store) Automatic() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, list := range s.byTo {
		var kept []*Message
		for _, m := range list {
			if now.After(m.Expires) {
				s.messages.Free(m.handle)
				slog.Debug("[Messaging] expired undelivered message", "to", id, "from", m.From)
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.byTo, id)
		} else {
			s.byTo[id] = kept
		}
	}
}

// Count returns the number of messages currently queued for id.
func (s *Store) Count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTo[id])
}
