package callstack

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/relaypbx/switchcore/internal/arena"
)

// Mode is the call's distribution strategy when its destination resolves
// to more than one target (spec §4.3 "Fork/distribution").
type Mode int

const (
	ModeDirected Mode = iota
	ModeCircular
	ModeTerminal
	ModeRedirected
	ModeDistributed
)

func (m Mode) String() string {
	switch m {
	case ModeDirected:
		return "DIRECTED"
	case ModeCircular:
		return "CIRCULAR"
	case ModeTerminal:
		return "TERMINAL"
	case ModeRedirected:
		return "REDIRECTED"
	case ModeDistributed:
		return "DISTRIBUTED"
	default:
		return "DIRECTED"
	}
}

// CallType distinguishes where a call originated.
type CallType int

const (
	TypeLocal CallType = iota
	TypeIncoming
	TypeOutgoing
	TypeRefer
)

func (t CallType) String() string {
	switch t {
	case TypeLocal:
		return "LOCAL"
	case TypeIncoming:
		return "INCOMING"
	case TypeOutgoing:
		return "OUTGOING"
	case TypeRefer:
		return "REFER"
	default:
		return "LOCAL"
	}
}

// Forwarding is the cause that triggered a call-forward rewrite
// (spec §4.3 "Forwarding").
type Forwarding int

const (
	FwdNone Forwarding = iota
	FwdIgnore
	FwdNA
	FwdBusy
	FwdDND
	FwdAway
	FwdAll
)

func (f Forwarding) String() string {
	switch f {
	case FwdIgnore:
		return "FWD_IGNORE"
	case FwdNA:
		return "FWD_NA"
	case FwdBusy:
		return "FWD_BUSY"
	case FwdDND:
		return "FWD_DND"
	case FwdAway:
		return "FWD_AWAY"
	case FwdAll:
		return "FWD_ALL"
	default:
		return "FWD_NONE"
	}
}

// SegmentState is one dialog leg's local state (spec §3 "Session (segment)").
type SegmentState int

const (
	SegOpen SegmentState = iota
	SegClosed
	SegRing
	SegBusy
	SegReorder
	SegRefer
)

func (s SegmentState) String() string {
	switch s {
	case SegOpen:
		return "OPEN"
	case SegClosed:
		return "CLOSED"
	case SegRing:
		return "RING"
	case SegBusy:
		return "BUSY"
	case SegReorder:
		return "REORDER"
	case SegRefer:
		return "REFER"
	default:
		return "OPEN"
	}
}

// Segment is one dialog leg of a call: one INVITE sent to one candidate
// target (spec §3 and GLOSSARY).
type Segment struct {
	handle arena.Handle // this segment's slot in Stack.segments, for Destroy's Free

	CallID        string // SIP Call-ID
	TransactionID string
	DialogID      string

	RegistryID string // the registry entry this segment targets, if any
	Parent     *Call

	State SegmentState

	Iface      string
	Expires    time.Time
	Ringing    bool
	SDP        []byte
	Identity   string
	SysIdent   string
	Display    string
	From       string
	AuthID     string
	Secret     string
	AuthType   string

	// Media classifier fields consulted by internal/rtpproxy.
	MediaLocalAddr  string
	MediaRemoteAddr string

	// ServerTx and InviteRequest are the inbound server transaction and
	// request this segment was created from; only ever set on a call's
	// Source segment. A CANCEL arrives as its own, separate transaction, so
	// terminating the original INVITE with 487 needs both of these held
	// over from when the INVITE was first seen (grounded on the teacher's
	// Dialog.Transaction/Dialog.InviteRequest pair in
	// dialog.Manager.HandleIncomingCANCEL).
	ServerTx      sip.ServerTransaction
	InviteRequest *sip.Request

	// Dialog state needed to originate a further in-dialog request (BYE)
	// toward this segment's remote party once it has answered, grounded
	// on the teacher's Leg.GetOutboundDialogState.
	RemoteContactURI string // where to address further in-dialog requests
	RemoteToURI      string // this leg's remote AOR, used as To on requests we originate
	LocalFromURI     string // our own identity in this dialog, used as From
	RemoteTag        string
	LocalTag         string
	DialogCSeq       uint32
}

// Call is one logical conversation rooted at one INVITE (spec §3).
type Call struct {
	mu sync.Mutex

	handle arena.Handle // this call's slot in Stack.calls, for Destroy's Free

	ID   string // internal id
	Slot int    // mapped slot index, for snapshots

	fsmState *fsm.FSM

	Mode Mode
	Type CallType

	Count     int
	Invited   int
	Ringing   int
	RingBusy  int
	Unreachable int

	Source  *Segment
	Target  *Segment
	Select  int // segment cursor into Segments
	Segments []*Segment

	Forwarding Forwarding
	Reason     string

	// Call timestamps (spec §4.3's expires/starting/ending). The timers
	// themselves live in the Stack's per-call timerSet. The worker sets
	// Starting on answer and Ending when the reset timer fires; nothing in
	// this module sets ExpiresAt.
	ExpiresAt time.Time
	Starting  time.Time
	Ending    time.Time

	RTPHandle string // opaque handle into internal/rtpproxy, empty if unattached

	// ReferChain records the forward path (original target -> next target)
	// so that repeated forwards cannot loop (spec §4.3 "Forwarding").
	ReferChain []string
}

// State returns the call's current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return parseState(c.fsmState.Current())
}

// Lock/Unlock expose the call mutex directly so the worker can hold it
// across a multi-step transition the way spec §4.4 describes ("the
// worker holds the call mutex only for the duration of state mutation").
func (c *Call) Lock()   { c.mu.Lock() }
func (c *Call) Unlock() { c.mu.Unlock() }
