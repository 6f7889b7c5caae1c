package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/relaypbx/switchcore/internal/callstack"
)

// handleBye ends a joined call: whichever leg sent the BYE, the other is
// torn down in turn and the relay session, if any, is released (spec §4.4
// step 5, §4.3's JOINED->TERMINATE row).
func (w *Worker) handleBye(req *sip.Request, tx sip.ServerTransaction) {
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

	call.Lock()
	var peer *callstack.Segment
	if seg == call.Source {
		peer = call.Target
	} else {
		peer = call.Source
	}
	if call.Can(callstack.EvBye) {
		if err := call.Fire(context.Background(), callstack.EvBye); err != nil {
			slog.Warn("[Worker] bye transition failed", "call", call.ID, "error", err)
		}
	}
	var duration time.Duration
	if !call.Starting.IsZero() {
		duration = time.Since(call.Starting)
	}
	call.Unlock()

	res := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", nil)
	addViaParams(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[Worker] failed to respond to BYE", "error", err)
	}

	w.forwardBye(peer)
	w.releaseRelay(call)

	slog.Info("[Worker] call ended", "call", call.ID, "duration", duration)

	w.stack.RemoveSegment(seg)
	w.stack.ArmResetTimer(call)
}

// forwardBye originates a BYE toward peer's remote party, reusing the
// dialog state recorded when peer was created/answered, grounded on the
// teacher's Originator.SendBYE.
func (w *Worker) forwardBye(peer *callstack.Segment) {
	if peer == nil || peer.RemoteContactURI == "" {
		return
	}

	var reqURI sip.Uri
	if err := sip.ParseUri(peer.RemoteContactURI, &reqURI); err != nil {
		slog.Warn("[Worker] failed to parse peer contact for BYE", "uri", peer.RemoteContactURI, "error", err)
		return
	}

	byeReq := sip.NewRequest(sip.BYE, reqURI)
	maxFwd := sip.MaxForwardsHeader(70)
	byeReq.AppendHeader(&maxFwd)

	fromURI := reqURI
	if peer.LocalFromURI != "" {
		_ = sip.ParseUri(peer.LocalFromURI, &fromURI)
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", peer.LocalTag)
	byeReq.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toURI := reqURI
	if peer.RemoteToURI != "" {
		_ = sip.ParseUri(peer.RemoteToURI, &toURI)
	}
	toParams := sip.NewParams()
	toParams.Add("tag", peer.RemoteTag)
	byeReq.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(peer.CallID)
	byeReq.AppendHeader(&callIDHdr)

	peer.DialogCSeq++
	byeReq.AppendHeader(&sip.CSeqHeader{SeqNo: peer.DialogCSeq, MethodName: sip.BYE})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.tx.Send(ctx, byeReq); err != nil {
		slog.Warn("[Worker] failed to forward BYE", "error", err)
	}
}

// releaseRelay tears down the relay session attached at ACK time, if any.
func (w *Worker) releaseRelay(call *callstack.Call) {
	if w.relay == nil {
		return
	}
	call.Lock()
	handle := call.RTPHandle
	call.RTPHandle = ""
	call.Unlock()
	if handle == "" || call.Source == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := w.relay.DestroySession(ctx, call.Source.CallID, handle); err != nil {
		slog.Warn("[Worker] rtp relay release failed", "call", call.ID, "error", err)
	}
}
