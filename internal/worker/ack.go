package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/rtpproxy"
)

// handleAck is the ACK branch of spec §4.4 step 5 ("ACK from source → log
// call start; attach rtp relay if required"). The source's ACK is what
// moves an answered call into JOINED; it carries no response of its own.
func (w *Worker) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := ""
	if req.CallID() != nil {
		sipCallID = req.CallID().String()
	}

	seg, err := w.stack.LookupBySIPCallID(sipCallID)
	if err != nil {
		slog.Debug("[Worker] ACK for unknown call", "call_id", sipCallID)
		return
	}
	call := seg.Parent

	call.Lock()
	if call.Can(callstack.EvSourceACK) {
		if err := call.Fire(context.Background(), callstack.EvSourceACK); err != nil {
			slog.Warn("[Worker] ack transition failed", "call", call.ID, "error", err)
		}
	}
	call.Unlock()

	w.stack.CancelCFNATimer(call)

	slog.Info("[Worker] call joined", "call", call.ID, "from", call.Source.From)

	w.attachRelay(call)
}

// attachRelay classifies both legs' SDP and, if either advertises a
// private address, asks the configured relay pool for a session (spec §2's
// RTP proxy hook: "classifying ... and, if required, requesting that the
// relay allocate and release sessions").
func (w *Worker) attachRelay(call *callstack.Call) {
	if w.relay == nil || !w.relay.Ready() {
		return
	}
	if call.Source == nil || call.Target == nil {
		return
	}
	if len(call.Source.SDP) == 0 || len(call.Target.SDP) == 0 {
		return
	}

	_, srcClass, err := rtpproxy.Classify(call.Source.SDP)
	if err != nil {
		slog.Debug("[Worker] relay classify source sdp failed", "call", call.ID, "error", err)
		return
	}
	_, dstClass, err := rtpproxy.Classify(call.Target.SDP)
	if err != nil {
		slog.Debug("[Worker] relay classify target sdp failed", "call", call.ID, "error", err)
		return
	}
	if srcClass != rtpproxy.ClassPrivate && dstClass != rtpproxy.ClassPrivate {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := w.relay.CreateSession(ctx, rtpproxy.SessionInfo{CallID: call.Source.CallID})
	if err != nil {
		slog.Warn("[Worker] rtp relay attach failed", "call", call.ID, "error", err)
		return
	}

	call.Lock()
	call.RTPHandle = result.SessionID
	call.Unlock()

	slog.Info("[Worker] rtp relay attached", "call", call.ID, "session", result.SessionID)
}
