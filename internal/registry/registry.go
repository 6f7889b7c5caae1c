// Package registry implements the bounded user→binding map described in
// spec §4.2: a fixed-capacity id-hash of registry entries, a q-value
// ordered target set per entry for multi-device presence, and a
// priority-ordered routing pattern table.
//
// Entries and targets are drawn from internal/arena.Arena so the id-hash
// can never grow past its configured capacity; a REGISTER or provisioning
// call that would exceed it fails with ErrCapacityExhausted instead of
// growing unboundedly, mirroring the fixed-page allocator the spec
// describes for its shared-memory build.
package registry

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/relaypbx/switchcore/internal/arena"
)

// Config sizes the registry and its default/min/max REGISTER Expires.
type Config struct {
	EntryCapacity   int
	TargetCapacity  int
	PatternCapacity int
	Buckets         int // retained from the spec's id-hash sizing knob; Go's map needs no manual bucketing
	MinExpires      time.Duration
	MaxExpires      time.Duration
	DefaultExpires  time.Duration
}

// Registry is the shared id-hash plus routing pattern table. The shared
// mutex is the "registry-shared" lock named in the concurrency model
// (spec §5): readers (Address, Contact, GetRouting's pattern scan) take
// it for reading; writers (Create, Refresh, Expire, pattern mutation),
// and Access/Invite/Detach because they change InUse, take it
// exclusively. Per the documented lock order
// (registry-shared < call-mutex < transport-lock), callers must never
// hold a call mutex when entering the registry.
type Registry struct {
	mu sync.RWMutex

	entries *arena.Arena[*Entry]
	targets *arena.Arena[*Target]

	byID      map[string]arena.Handle
	byContact map[string]arena.Handle

	patterns    []*Pattern // kept sorted by Priority descending
	patternsCap int

	minExpires     time.Duration
	maxExpires     time.Duration
	defaultExpires time.Duration

	extPrefix int
	extRange  int
}

// New builds an empty Registry sized per cfg.
func New(cfg Config) *Registry {
	return &Registry{
		entries:        arena.New[*Entry](cfg.EntryCapacity),
		targets:        arena.New[*Target](cfg.TargetCapacity),
		byID:           make(map[string]arena.Handle),
		byContact:      make(map[string]arena.Handle),
		patternsCap:    cfg.PatternCapacity,
		minExpires:     cfg.MinExpires,
		maxExpires:     cfg.MaxExpires,
		defaultExpires: cfg.DefaultExpires,
	}
}

// SetExtensionRange configures the numeric extension window consulted by
// IsExtension (spec §4.2's `isExtension(id)`).
func (r *Registry) SetExtensionRange(prefix, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extPrefix = prefix
	r.extRange = count
}

// IsExtension reports whether id is numeric and falls within
// [prefix, prefix+range).
func (r *Registry) IsExtension(id string) bool {
	n, err := strconv.Atoi(id)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.extRange == 0 {
		return false
	}
	return n >= r.extPrefix && n < r.extPrefix+r.extRange
}

// Provision sets (or creates then sets) an entry's static profile and
// extension number, the data a provisioning source would push in before
// any SIP traffic arrives.
func (r *Registry) Provision(id string, ext int, profile Profile) (*Entry, error) {
	e, err := r.Create(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	e.Ext = ext
	e.Profile = profile
	r.mu.Unlock()
	return e, nil
}

// Create idempotently returns the entry for id, allocating it from the
// arena on first use. It never fails on a repeat call for the same id.
func (r *Registry) Create(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byID[id]; ok {
		e, err := r.entries.Get(h)
		if err == nil {
			return e, nil
		}
		delete(r.byID, id)
	}

	e := &Entry{
		UserID:  id,
		Type:    TypeUser,
		Created: time.Now(),
	}
	h, err := r.entries.Allocate(e)
	if err != nil {
		return nil, ErrCapacityExhausted
	}
	r.byID[id] = h
	slog.Info("[Registry] created entry", "id", id)
	return e, nil
}

// Access performs a read-only lookup, incrementing InUse. The caller
// must call Detach when done consulting the entry.
func (r *Registry) Access(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e, err := r.entries.Get(h)
	if err != nil {
		delete(r.byID, id)
		return nil, ErrNotFound
	}
	e.InUse++
	return e, nil
}

// Detach releases a reference taken by Access or Invite.
func (r *Registry) Detach(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.InUse > 0 {
		e.InUse--
	}
	r.reapLocked(e)
}

// Invite is like Access but fails if the entry is EXPIRED or REJECT —
// the variant the INVITE dispatch path uses to resolve a callee.
func (r *Registry) Invite(id string) (*Entry, error) {
	e, err := r.Access(id)
	if err != nil {
		return nil, err
	}
	if e.Type == TypeExpired || e.Type == TypeReject {
		r.Detach(e)
		return nil, ErrRejected
	}
	return e, nil
}

// Address performs the reverse lookup: given a socket address string
// ("ip:port"), find the entry whose current target matches it.
func (r *Registry) Address(sockaddr string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	for _, h := range r.byID {
		e, err := r.entries.Get(h)
		if err != nil {
			continue
		}
		for _, t := range e.Targets {
			if now.After(t.Expires) {
				continue
			}
			if t.ReceivedIP != "" && t.ReceivedPort > 0 {
				if sockaddr == t.ReceivedIP+":"+strconv.Itoa(t.ReceivedPort) {
					return e, nil
				}
			}
		}
	}
	return nil, ErrNotFound
}

// Contact resolves a registered contact URI back to its owning entry.
func (r *Registry) Contact(uri string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byContact[uri]; ok {
		if e, err := r.entries.Get(h); err == nil {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// RefreshParams carries the fields a REGISTER contributes to Refresh.
type RefreshParams struct {
	ContactURI   string
	ReceivedIP   string
	ReceivedPort int
	Transport    string
	Priority     float32
	InstanceID   string
	Path         []string
	CallID       string
	CSeq         uint32
	Expires      time.Duration // 0 means "use configured default"
}

// Refresh renews id's binding TTL, replacing the primary target if the
// source address changed or adding a new target for a distinct contact
// (multi-device). It clamps the requested Expires into
// [minExpires, maxExpires] and fails with ErrIntervalTooBrief if the
// caller explicitly requested less than the minimum.
func (r *Registry) Refresh(id string, p RefreshParams) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requestedZero := p.Expires == 0
	expires := p.Expires
	if expires == 0 {
		expires = r.defaultExpires
	} else if expires < r.minExpires {
		return nil, ErrIntervalTooBrief
	}
	if expires > r.maxExpires {
		expires = r.maxExpires
	}
	_ = requestedZero

	h, ok := r.byID[id]
	var e *Entry
	if ok {
		var err error
		e, err = r.entries.Get(h)
		if err != nil {
			ok = false
		}
	}
	if !ok {
		e = &Entry{UserID: id, Type: TypeUser, Created: time.Now()}
		nh, err := r.entries.Allocate(e)
		if err != nil {
			return nil, ErrCapacityExhausted
		}
		r.byID[id] = nh
	}

	now := time.Now()
	expiresAt := now.Add(expires)

	var existing *Target
	for _, t := range e.Targets {
		if t.URI == p.ContactURI {
			existing = t
			break
		}
	}
	if existing == nil {
		existing = &Target{URI: p.ContactURI}
		if _, err := r.targets.Allocate(existing); err != nil {
			return nil, ErrCapacityExhausted
		}
		e.Targets = append(e.Targets, existing)
	}

	existing.ReceivedIP = p.ReceivedIP
	existing.ReceivedPort = p.ReceivedPort
	existing.Transport = p.Transport
	existing.Priority = p.Priority
	existing.InstanceID = p.InstanceID
	existing.Path = p.Path
	existing.CallID = p.CallID
	existing.CSeq = p.CSeq
	existing.Expires = expiresAt
	existing.Presence = PresenceReady

	e.Type = TypeUser
	e.Contact = p.ContactURI
	e.Expires = expiresAt
	r.byContact[p.ContactURI] = r.byID[id]

	slog.Info("[Registry] refreshed binding", "id", id, "contact", p.ContactURI, "expires_in", expires)
	return e, nil
}

// Expire marks id's primary binding EXPIRED and clears its targets. The
// record itself is only removed from the id-hash once InUse reaches
// zero, per the spec's ownership rule.
func (r *Registry) Expire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	if !ok {
		return
	}
	e, err := r.entries.Get(h)
	if err != nil {
		delete(r.byID, id)
		return
	}

	for _, t := range e.Targets {
		delete(r.byContact, t.URI)
	}
	e.Targets = nil
	e.Type = TypeExpired

	slog.Info("[Registry] expired entry", "id", id)
	r.reapLocked(e)
}

// reapLocked removes e from the id-hash once it is EXPIRED and unreferenced.
// Must be called with mu held.
func (r *Registry) reapLocked(e *Entry) {
	if e.Type != TypeExpired || e.InUse > 0 {
		return
	}
	if h, ok := r.byID[e.UserID]; ok {
		r.entries.Free(h)
		delete(r.byID, e.UserID)
	}
}

// Cleanup sweeps every entry and expires those whose binding has lapsed.
// The background thread calls this once per configured interval
// (spec §4.5).
func (r *Registry) Cleanup() {
	r.mu.RLock()
	now := time.Now()
	var expired []string
	for id, h := range r.byID {
		e, err := r.entries.Get(h)
		if err != nil {
			continue
		}
		if e.Type == TypeExpired {
			continue
		}
		if now.After(e.Expires) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Expire(id)
	}
}

// AddPattern inserts a routing pattern, keeping the table sorted by
// Priority descending (spec §4.2: "pattern table is a singly-linked
// list ordered by priority descending").
func (r *Registry) AddPattern(p *Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.patternsCap > 0 && len(r.patterns) >= r.patternsCap {
		return ErrCapacityExhausted
	}
	r.patterns = append(r.patterns, p)
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return r.patterns[i].Priority > r.patterns[j].Priority
	})
	return nil
}

// GetRouting scans patterns highest-priority first and returns the first
// whose prefix/suffix wrap dialed, then resolves that pattern's target id
// through Invite.
func (r *Registry) GetRouting(dialed string) (*Entry, error) {
	r.mu.RLock()
	var match *Pattern
	for _, p := range r.patterns {
		if p.Matches(dialed) {
			match = p
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		return nil, ErrNoRoute
	}
	return r.Invite(match.Target)
}

// Snapshot renders the plaintext registry section of the control-channel
// `snapshot` command (spec §6), one line per live entry.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := make([]string, 0, len(r.byID))
	for id, h := range r.byID {
		e, err := r.entries.Get(h)
		if err != nil {
			continue
		}
		lines = append(lines, entrySnapshotLine(id, e))
	}
	sort.Strings(lines)
	return lines
}

func entrySnapshotLine(id string, e *Entry) string {
	contact := e.Contact
	if contact == "" {
		if t := e.PrimaryTarget(time.Now()); t != nil {
			contact = t.EffectiveURI()
		}
	}
	return id + " type=" + e.Type.String() +
		" ext=" + strconv.Itoa(e.Ext) +
		" contact=" + contact +
		" expires=" + strconv.FormatInt(e.Expires.Unix(), 10) +
		" targets=" + strconv.Itoa(len(e.Targets))
}

// Count returns the number of live (non-reaped) entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
