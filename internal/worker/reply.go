package worker

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/registry"
)

// reply sends the one SIP response the transaction gets (spec §4.4 step
// 6) with the given status, stamping received/rport onto its Via.
// Sentinel errors are mapped to a status by replyForError below, and by
// failCall in invite.go for call-level failures.
func (w *Worker) reply(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	addViaParams(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Error("[Worker] failed to send response", "code", int(code), "error", err)
	}
}

// replyForError picks the status code for a dispatch-time failure,
// following the Error kinds table of spec §7.
func (w *Worker) replyForError(req *sip.Request, tx sip.ServerTransaction, err error) {
	switch {
	case errors.Is(err, registry.ErrCapacityExhausted), errors.Is(err, callstack.ErrCapacityExhausted):
		res := sip.NewResponseFromRequest(req, sip.StatusCode(503), "Service Unavailable", nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "30"))
		addViaParams(res, req)
		if e := tx.Respond(res); e != nil {
			slog.Error("[Worker] failed to send 503", "error", e)
		}
		slog.Warn("[Worker] capacity exhausted", "error", err)
	case errors.Is(err, registry.ErrNotFound):
		w.reply(req, tx, sip.StatusCode(404), "Not Found")
	case errors.Is(err, registry.ErrRejected):
		w.reply(req, tx, sip.StatusCode(480), "Temporarily Unavailable")
	case errors.Is(err, registry.ErrNoRoute):
		w.reply(req, tx, sip.StatusCode(480), "Temporarily Unavailable")
	case errors.Is(err, registry.ErrIntervalTooBrief):
		w.replyIntervalTooBrief(req, tx)
	default:
		w.reply(req, tx, sip.StatusCode(500), "Server Internal Error")
		slog.Error("[Worker] unclassified dispatch error", "error", err)
	}
}

func (w *Worker) replyIntervalTooBrief(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(423), "Interval Too Brief", nil)
	addViaParams(res, req)
	res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(int(w.cfg.MinExpires.Seconds()))))
	if err := tx.Respond(res); err != nil {
		slog.Error("[Worker] failed to send 423", "error", err)
	}
}

// addViaParams stamps received/rport onto the response's Via header, per
// RFC 3581, the NAT-traversal behavior this daemon carries from its
// teacher's registration handler.
func addViaParams(res *sip.Response, req *sip.Request) {
	via := res.Via()
	if via == nil {
		return
	}
	ip, port := parseSourceAddr(req.Source())
	if ip == "" {
		return
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", ip)
	if port > 0 {
		via.Params.Add("rport", strconv.Itoa(port))
	}
}

func parseSourceAddr(source string) (string, int) {
	if source == "" {
		return "", 0
	}
	if strings.HasPrefix(source, "[") {
		idx := strings.LastIndex(source, "]:")
		if idx > 0 {
			if port, err := strconv.Atoi(source[idx+2:]); err == nil {
				return source[1:idx], port
			}
		}
		return source, 0
	}
	parts := strings.Split(source, ":")
	if len(parts) == 2 {
		if port, err := strconv.Atoi(parts[1]); err == nil {
			return parts[0], port
		}
	}
	return source, 0
}
