package worker

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/registry"
)

// handleInvite is the call-creation branch of spec §4.4 step 5. An
// in-dialog INVITE (found in the cid-hash already) is answered by
// handleReinvite instead of starting a new call.
func (w *Worker) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := ""
	if req.CallID() != nil {
		sipCallID = req.CallID().String()
	}

	if seg, err := w.stack.LookupBySIPCallID(sipCallID); err == nil {
		w.handleReinvite(req, tx, seg)
		return
	}

	source := req.Source()
	toHeader := req.To()
	if toHeader == nil {
		w.reply(req, tx, sip.StatusCode(400), "Missing To header")
		return
	}
	dialed := idFromAOR(toHeader.Address.String())

	dest := w.classify(source, dialed)
	if dest == DestExternal || dest == DestRouted {
		entry, ok := w.auth.authenticate(req, tx)
		if !ok {
			return
		}
		w.reg.Detach(entry)
	}

	call, err := w.stack.Create(sipCallID, callstack.TypeIncoming)
	if err != nil {
		w.replyForError(req, tx, err)
		return
	}
	call.Source.SDP = req.Body()
	call.Source.ServerTx = tx
	call.Source.InviteRequest = req
	call.Source.DialogCSeq = 1
	call.Source.From = ""
	if fromHdr := req.From(); fromHdr != nil {
		call.Source.From = fromHdr.Address.String()
		call.Source.RemoteToURI = fromHdr.Address.String()
		if fromHdr.Params != nil {
			call.Source.RemoteTag, _ = fromHdr.Params.Get("tag")
		}
	}
	if toHeader.Address.String() != "" {
		call.Source.LocalFromURI = toHeader.Address.String()
	}
	if contactHdr := req.Contact(); contactHdr != nil {
		call.Source.RemoteContactURI = contactHdr.Address.String()
	}

	call.Lock()
	if err := call.Fire(context.Background(), callstack.EvInviteValid); err != nil {
		call.Unlock()
		slog.Error("[Worker] invite transition failed", "call", call.ID, "error", err)
		w.reply(req, tx, sip.StatusCode(500), "Server Internal Error")
		w.stack.Destroy(call)
		return
	}
	call.Unlock()

	trying := sip.NewResponseFromRequest(req, sip.StatusCode(100), "Trying", nil)
	addViaParams(trying, req)
	if err := tx.Respond(trying); err != nil {
		slog.Warn("[Worker] failed to send 100 Trying", "error", err)
	}

	// Arms the total call-forward-no-answer window for the call's first
	// fork attempt (spec §4.3's 16s cfna_timer row); canceled on ACK by
	// ack.go, and re-armed by applyForwarding for each subsequent forward.
	w.stack.ArmCFNATimer(call)

	w.resolveAndFork(req, tx, call, dialed, []string{dialed})
}

// resolveAndFork resolves dialed through the registry and originates one
// segment per live target (spec §4.3 "Fork/distribution"). forwarding
// holds the ids appended to the call's refer chain: the originally dialed
// id for the first fork, the forward alias for each CFNA/busy/DND/away
// rewrite, so the chain records original target -> next target.
func (w *Worker) resolveAndFork(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, dialed string, forwarding []string) {
	entry, err := w.resolveDestination(dialed)
	if err != nil {
		w.failCall(req, tx, call, err)
		return
	}
	defer w.reg.Detach(entry)

	targets := liveTargetsSorted(entry)
	if len(targets) == 0 {
		w.failCall(req, tx, call, registry.ErrNoRoute)
		return
	}

	call.Lock()
	if len(targets) > 1 {
		call.Mode = callstack.ModeDistributed
	}
	call.ReferChain = append(call.ReferChain, forwarding...)
	call.Unlock()

	for _, target := range targets {
		w.originateSegment(req, tx, call, entry.UserID, target)
	}
}

func (w *Worker) resolveDestination(dialed string) (*registry.Entry, error) {
	if w.reg.IsExtension(dialed) {
		return w.reg.Invite(dialed)
	}
	return w.reg.GetRouting(dialed)
}

func liveTargetsSorted(e *registry.Entry) []*registry.Target {
	now := time.Now()
	var live []*registry.Target
	for _, t := range e.Targets {
		if now.Before(t.Expires) {
			live = append(live, t)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority > live[j].Priority
		}
		return live[i].Expires.After(live[j].Expires)
	})
	return live
}

// originateSegment sends one outbound INVITE toward target and drives the
// response-handling loop in its own goroutine, the same shape as the
// teacher's executeINVITE but feeding the call's fsm instead of a B2BUA
// leg object.
func (w *Worker) originateSegment(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, registryID string, target *registry.Target) {
	branchCallID := uuid.New().String()
	seg, err := w.stack.AddSegment(call, branchCallID, registryID)
	if err != nil {
		slog.Warn("[Worker] failed to allocate fork segment", "call", call.ID, "error", err)
		return
	}
	seg.Iface = target.Interface
	seg.DialogCSeq = 1

	localTag := uuid.New().String()
	seg.LocalTag = localTag
	seg.RemoteToURI = target.EffectiveURI()
	out, err := w.tx.NewOutboundRequest(sip.INVITE, target.EffectiveURI(), "switchd", branchCallID, 1, localTag)
	if err != nil {
		slog.Warn("[Worker] failed to build outbound INVITE", "call", call.ID, "error", err)
		w.stack.RemoveSegment(seg)
		return
	}
	if fromHdr := out.From(); fromHdr != nil {
		seg.LocalFromURI = fromHdr.Address.String()
	}
	if body := req.Body(); body != nil {
		out.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		out.SetBody(body)
	}

	w.outboundMu.Lock()
	w.outbound[seg] = out
	w.outboundMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.MinExpires+30*time.Second)
	clientTx, err := w.tx.Send(ctx, out)
	if err != nil {
		cancel()
		slog.Warn("[Worker] failed to send outbound INVITE", "call", call.ID, "error", err)
		w.onSegmentUnreachable(req, tx, call, seg)
		return
	}

	go w.watchSegment(ctx, cancel, req, tx, call, seg, clientTx)
}

func (w *Worker) watchSegment(ctx context.Context, cancel context.CancelFunc, req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, seg *callstack.Segment, clientTx sip.ClientTransaction) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			w.onSegmentUnreachable(req, tx, call, seg)
			return
		case resp := <-clientTx.Responses():
			if resp == nil {
				w.onSegmentUnreachable(req, tx, call, seg)
				return
			}
			switch {
			case resp.StatusCode >= 100 && resp.StatusCode < 200:
				w.onSegmentRinging(req, tx, call, seg, resp)
			case resp.StatusCode == 200:
				w.onSegmentAnswered(req, tx, call, seg, resp)
				return
			case resp.StatusCode == 486 || resp.StatusCode == 600:
				w.onSegmentBusy(req, tx, call, seg)
				return
			case resp.StatusCode >= 300:
				w.onSegmentUnreachable(req, tx, call, seg)
				return
			}
		}
	}
}

func (w *Worker) onSegmentRinging(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, seg *callstack.Segment, resp *sip.Response) {
	seg.Ringing = true

	call.Lock()
	if call.Can(callstack.EvTargetRings) {
		_ = call.Fire(bgCtx, callstack.EvTargetRings)
		call.Ringing++
	} else if call.Can(callstack.EvRingingFromTarget) {
		_ = call.Fire(bgCtx, callstack.EvRingingFromTarget)
	}
	call.Unlock()

	w.stack.ArmRingTimer(call)

	ringing := sip.NewResponseFromRequest(req, sip.StatusCode(180), "Ringing", nil)
	addViaParams(ringing, req)
	if err := tx.Respond(ringing); err != nil {
		slog.Debug("[Worker] failed to relay ringing", "error", err)
	}
}

func (w *Worker) onSegmentAnswered(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, seg *callstack.Segment, resp *sip.Response) {
	call.Lock()
	if !call.Can(callstack.EvTargetAnswered) {
		call.Unlock()
		// A sibling fork already answered; this one loses the race.
		w.cancelLoser(call, seg)
		return
	}
	_ = call.Fire(bgCtx, callstack.EvTargetAnswered)
	call.Target = seg
	call.Starting = time.Now()
	call.Unlock()

	seg.SDP = resp.Body()
	if contactHdr := resp.Contact(); contactHdr != nil {
		seg.RemoteContactURI = contactHdr.Address.String()
	}
	if toHdr := resp.To(); toHdr != nil && toHdr.Params != nil {
		seg.RemoteTag, _ = toHdr.Params.Get("tag")
	}

	w.stack.CancelRingTimer(call)
	w.cancelSiblings(call, seg)

	w.outboundMu.Lock()
	delete(w.outbound, seg)
	w.outboundMu.Unlock()

	answer := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", resp.Body())
	addViaParams(answer, req)
	if toTag := answer.To(); toTag != nil {
		if toTag.Params == nil {
			toTag.Params = sip.NewParams()
		}
		localTag := uuid.New().String()
		toTag.Params.Add("tag", localTag)
		call.Source.LocalTag = localTag
	}
	if resp.Body() != nil {
		answer.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := tx.Respond(answer); err != nil {
		slog.Warn("[Worker] failed to relay 200 OK", "call", call.ID, "error", err)
	}
}

func (w *Worker) onSegmentBusy(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, seg *callstack.Segment) {
	w.outboundMu.Lock()
	delete(w.outbound, seg)
	w.outboundMu.Unlock()

	call.Lock()
	call.RingBusy++
	allDone := call.RingBusy+call.Unreachable >= call.Invited
	if allDone && call.Can(callstack.EvAllBusy) {
		_ = call.Fire(bgCtx, callstack.EvAllBusy)
	}
	call.Unlock()
	finished := call.State() == callstack.StateBusy

	if finished {
		w.failCall(req, tx, call, errBusy)
	}
}

func (w *Worker) onSegmentUnreachable(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, seg *callstack.Segment) {
	w.stack.RemoveSegment(seg)
	w.outboundMu.Lock()
	delete(w.outbound, seg)
	w.outboundMu.Unlock()

	call.Lock()
	call.Unreachable++
	allDone := call.RingBusy+call.Unreachable >= call.Invited
	if allDone && call.Can(callstack.EvAllUnreachable) {
		_ = call.Fire(bgCtx, callstack.EvAllUnreachable)
	}
	call.Unlock()
	finished := call.State() == callstack.StateFailed

	if finished {
		w.failCall(req, tx, call, errUnreachable)
	}
}

// cancelSiblings sends CANCEL to every other live segment of call once
// winner has answered (spec §4.3: "first 200 OK wins; the remaining
// segments are CANCELed").
func (w *Worker) cancelSiblings(call *callstack.Call, winner *callstack.Segment) {
	call.Lock()
	segs := append([]*callstack.Segment(nil), call.Segments...)
	call.Unlock()

	for _, seg := range segs {
		if seg == winner || seg == call.Source {
			continue
		}
		w.sendCancel(seg)
		w.stack.RemoveSegment(seg)
	}
}

func (w *Worker) cancelLoser(call *callstack.Call, loser *callstack.Segment) {
	w.sendCancel(loser)
	w.stack.RemoveSegment(loser)
}

// sendCancel builds a CANCEL from the original outbound INVITE per
// RFC 3261 §9.1 (same Via/From/To/Call-ID, CSeq with the CANCEL method),
// grounded on the teacher's Originator.sendCANCEL.
func (w *Worker) sendCancel(seg *callstack.Segment) {
	w.outboundMu.Lock()
	invite, ok := w.outbound[seg]
	delete(w.outbound, seg)
	w.outboundMu.Unlock()
	if !ok {
		return
	}

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.tx.Send(ctx, cancelReq); err != nil {
		slog.Debug("[Worker] CANCEL to losing fork failed", "error", err)
	}
}

func (w *Worker) failCall(req *sip.Request, tx sip.ServerTransaction, call *callstack.Call, cause error) {
	code, reason := sip.StatusCode(480), "Temporarily Unavailable"
	switch cause {
	case errBusy:
		code, reason = sip.StatusCode(486), "Busy Here"
	case errUnreachable, registry.ErrNoRoute, registry.ErrNotFound:
		code, reason = sip.StatusCode(404), "Not Found"
	}

	res := sip.NewResponseFromRequest(req, code, reason, nil)
	addViaParams(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[Worker] failed to send call failure response", "error", err)
	}

	w.stack.ArmResetTimer(call)
}

// applyForwarding consults the target entry's forwarding bitmask and, if
// the cause bit is set, re-resolves to the forward alias instead of
// failing the call outright (spec §4.3 "Forwarding").
func (w *Worker) applyForwarding(call *callstack.Call, cause callstack.Forwarding) {
	call.Lock()
	chain := append([]string(nil), call.ReferChain...)
	call.Unlock()

	if len(chain) == 0 {
		return
	}
	lastID := chain[len(chain)-1]
	entry, err := w.reg.Access(lastID)
	if err != nil {
		return
	}
	mask := forwardingMask(cause)
	alias := entry.Profile.ForwardAlias
	w.reg.Detach(entry)

	if entry.Profile.Forwarding&mask == 0 || alias == "" {
		return
	}
	if containsString(chain, alias) {
		slog.Warn("[Worker] forwarding loop detected, dropping", "call", call.ID, "alias", alias)
		return
	}

	call.Lock()
	srcReq, srcTx := call.Source.InviteRequest, call.Source.ServerTx
	call.Unlock()
	if srcReq == nil || srcTx == nil {
		slog.Warn("[Worker] forwarding call with no original INVITE to answer on", "call", call.ID)
		return
	}

	slog.Info("[Worker] forwarding call", "call", call.ID, "cause", cause, "to", alias)
	w.stack.ArmCFNATimer(call)
	w.resolveAndFork(srcReq, srcTx, call, alias, []string{alias})
}

func forwardingMask(cause callstack.Forwarding) registry.ForwardMask {
	switch cause {
	case callstack.FwdNA:
		return registry.FwdNA
	case callstack.FwdBusy:
		return registry.FwdBusy
	case callstack.FwdDND:
		return registry.FwdDND
	case callstack.FwdAway:
		return registry.FwdAway
	default:
		return registry.FwdAll
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// handleReinvite answers an in-dialog INVITE itself with 200 OK, echoing
// the offered body back as the answer. The re-INVITE is not forwarded to
// the segment's peer, and session-timer renegotiation and hold/unhold SDP
// direction attributes are not interpreted.
func (w *Worker) handleReinvite(req *sip.Request, tx sip.ServerTransaction, _ *callstack.Segment) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", req.Body())
	addViaParams(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[Worker] failed to respond to re-INVITE", "error", err)
	}
}
