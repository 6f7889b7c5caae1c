package worker

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/relaypbx/switchcore/internal/callstack"
)

// handleCancel tears down a call that is still being set up (spec §4.3's
// "Cancel" row: any of INITIAL/TRYING/RINGING/RINGBACK/HOLDING ->
// TERMINATE). Per RFC 3261 §9.2 the CANCEL itself always gets 200 OK; the
// original INVITE transaction, if still open, gets 487.
func (w *Worker) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := ""
	if req.CallID() != nil {
		sipCallID = req.CallID().String()
	}

	seg, err := w.stack.LookupBySIPCallID(sipCallID)
	if err != nil {
		w.reply(req, tx, sip.StatusCode(481), "Call/Transaction Does Not Exist")
		return
	}
	call := seg.Parent

	res := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", nil)
	addViaParams(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[Worker] failed to respond to CANCEL", "error", err)
	}

	call.Lock()
	canCancel := call.Can(callstack.EvCancel)
	if canCancel {
		if err := call.Fire(context.Background(), callstack.EvCancel); err != nil {
			slog.Warn("[Worker] cancel transition failed", "call", call.ID, "error", err)
			canCancel = false
		}
	}
	sourceTx := call.Source.ServerTx
	inviteReq := call.Source.InviteRequest
	segs := append([]*callstack.Segment(nil), call.Segments...)
	call.Unlock()

	if !canCancel {
		return
	}

	// The 487 is built from the original INVITE, not the CANCEL: their Via
	// branch matches per RFC 3261 §9.1, but the CSeq method must stay
	// INVITE, which only the stored original request carries. Grounded on
	// the teacher's dialog.Manager.HandleIncomingCANCEL.
	if sourceTx != nil && inviteReq != nil {
		terminated := sip.NewResponseFromRequest(inviteReq, sip.StatusCode(487), "Request Terminated", nil)
		addViaParams(terminated, inviteReq)
		if err := sourceTx.Respond(terminated); err != nil {
			slog.Warn("[Worker] failed to terminate original INVITE", "call", call.ID, "error", err)
		}
	}

	for _, s := range segs {
		if s == call.Source {
			continue
		}
		w.sendCancel(s)
		w.stack.RemoveSegment(s)
	}
	w.stack.RemoveSegment(call.Source)
	w.stack.ArmResetTimer(call)

	slog.Info("[Worker] call canceled", "call", call.ID)
}
