package callstack

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// State is the call's position in the lifecycle table of spec §4.3.
type State int

const (
	StateInitial State = iota
	StateTrying
	StateRinging
	StateRingback
	StateReorder
	StateHolding
	StateAnswered
	StateJoined
	StateTransfer
	StateRedirect
	StateBusy
	StateTerminate
	StateFailed
	StateFinal
)

var stateNames = [...]string{
	"INITIAL", "TRYING", "RINGING", "RINGBACK", "REORDER", "HOLDING",
	"ANSWERED", "JOINED", "TRANSFER", "REDIRECT", "BUSY", "TERMINATE",
	"FAILED", "FINAL",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func parseState(s string) State {
	for i, n := range stateNames {
		if n == s {
			return State(i)
		}
	}
	return StateInitial
}

// Event names drive the fsm transitions of the callee-perspective table
// in spec §4.3.
const (
	EvInviteValid       = "invite_valid"
	EvTargetRings       = "target_rings"
	EvAllBusy           = "all_busy"
	EvAllUnreachable    = "all_unreachable"
	EvRingingFromTarget = "ringing_from_target"
	EvRingTimerFired    = "ring_timer_fired"
	EvTargetAnswered    = "target_answered"
	EvSourceACK         = "source_ack"
	EvBye               = "bye"
	EvCancel            = "cancel"
	EvResetTimerFired   = "reset_timer_fired"

	// Supplementary events for states the per-segment table doesn't walk
	// through directly: hold/unhold, blind/attended transfer, and 3xx
	// redirect resolution.
	EvHold             = "hold"
	EvUnhold           = "unhold"
	EvTransferStart    = "transfer_start"
	EvTransferDone     = "transfer_done"
	EvRedirect         = "redirect"
	EvRedirectResolved = "redirect_resolved"
)

// newFSM builds the looplab/fsm machine backing one Call, wiring the
// transition table of spec §4.3 and routing "after_event" back into the
// Call's own state bookkeeping the way the teacher's Dialog.initFSM
// mirrors its fsm state into a plain field for cheap reads.
func newFSM(c *Call) *fsm.FSM {
	return fsm.NewFSM(
		StateInitial.String(),
		fsm.Events{
			{Name: EvInviteValid, Src: []string{StateInitial.String()}, Dst: StateTrying.String()},

			{Name: EvTargetRings, Src: []string{StateTrying.String()}, Dst: StateRinging.String()},
			{Name: EvAllBusy, Src: []string{StateTrying.String()}, Dst: StateBusy.String()},
			{Name: EvAllUnreachable, Src: []string{StateTrying.String()}, Dst: StateFailed.String()},

			{Name: EvRingingFromTarget, Src: []string{StateRinging.String()}, Dst: StateRingback.String()},
			{Name: EvRingTimerFired, Src: []string{StateRinging.String(), StateRingback.String()}, Dst: StateBusy.String()},

			{Name: EvTargetAnswered, Src: []string{StateRinging.String(), StateRingback.String()}, Dst: StateAnswered.String()},
			{Name: EvSourceACK, Src: []string{StateAnswered.String()}, Dst: StateJoined.String()},

			{Name: EvBye, Src: []string{StateJoined.String()}, Dst: StateTerminate.String()},
			{Name: EvCancel, Src: []string{
				StateInitial.String(), StateTrying.String(), StateRinging.String(),
				StateRingback.String(), StateHolding.String(),
			}, Dst: StateTerminate.String()},

			{Name: EvResetTimerFired, Src: []string{
				StateTerminate.String(), StateBusy.String(), StateFailed.String(),
			}, Dst: StateFinal.String()},

			{Name: EvHold, Src: []string{StateJoined.String()}, Dst: StateHolding.String()},
			{Name: EvUnhold, Src: []string{StateHolding.String()}, Dst: StateJoined.String()},
			{Name: EvTransferStart, Src: []string{StateJoined.String()}, Dst: StateTransfer.String()},
			{Name: EvTransferDone, Src: []string{StateTransfer.String()}, Dst: StateJoined.String()},
			{Name: EvRedirect, Src: []string{StateTrying.String(), StateRinging.String()}, Dst: StateRedirect.String()},
			{Name: EvRedirectResolved, Src: []string{StateRedirect.String()}, Dst: StateTrying.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				slog.Debug("[Stack] call transition", "call", c.ID, "event", e.Event, "src", e.Src, "dst", e.Dst)
			},
		},
	)
}

// Fire drives one event through the call's machine. Caller must hold the
// call's mutex (spec §5: "all state transitions are serialized by that
// call's mutex").
func (c *Call) Fire(ctx context.Context, event string, args ...interface{}) error {
	return c.fsmState.Event(ctx, event, args...)
}

// Can reports whether event is valid from the call's current state.
func (c *Call) Can(event string) bool {
	return c.fsmState.Can(event)
}
