package worker

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/relaypbx/switchcore/internal/registry"
)

// handleRegister dispatches REGISTER per spec §4.4 step 5 ("REGISTER →
// registry update"), grounded on the teacher's registration.Handler with
// the digest authentication gate (step 3) inserted ahead of it.
func (w *Worker) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	source := req.Source()

	toHeader := req.To()
	if toHeader == nil {
		w.reply(req, tx, sip.StatusCode(400), "Missing To header")
		return
	}
	id := idFromAOR(toHeader.Address.String())

	if w.classify(source, id) != DestPublic {
		entry, ok := w.auth.authenticate(req, tx)
		if !ok {
			return
		}
		defer w.reg.Detach(entry)
	}

	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	var cseq uint32
	if cseqHdr := req.CSeq(); cseqHdr != nil {
		cseq = cseqHdr.SeqNo
	}
	transport := "UDP"
	if via := req.Via(); via != nil && via.Transport != "" {
		transport = strings.ToUpper(via.Transport)
	}

	contacts := req.GetHeaders("Contact")

	if len(contacts) == 1 {
		if c, ok := contacts[0].(*sip.ContactHeader); ok && c.Address.String() == "*" {
			expires := registerExpires(req, nil)
			if expires != 0 {
				w.reply(req, tx, sip.StatusCode(400), "Expires must be 0 for Contact: *")
				return
			}
			w.reg.Expire(id)
			w.replyOK(req, tx, id)
			return
		}
	}

	if len(contacts) == 0 {
		w.replyOK(req, tx, id)
		return
	}

	receivedIP, receivedPort := parseSourceAddr(source)

	var lastErr error
	for _, h := range contacts {
		contact, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		expires := registerExpires(req, contact)
		contactURI := contact.Address.String()

		if expires == 0 {
			continue
		}

		_, err := w.reg.Refresh(id, registry.RefreshParams{
			ContactURI:   contactURI,
			ReceivedIP:   receivedIP,
			ReceivedPort: receivedPort,
			Transport:    transport,
			Priority:     contactQValue(contact),
			InstanceID:   contactInstanceID(contact),
			Path:         headerValues(req.GetHeaders("Path")),
			CallID:       callID,
			CSeq:         cseq,
			Expires:      toDuration(expires),
		})
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		w.replyForError(req, tx, lastErr)
		return
	}

	w.deliverPending(id)
	w.replyOK(req, tx, id)
}

func (w *Worker) replyOK(req *sip.Request, tx sip.ServerTransaction, id string) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", nil)
	addViaParams(res, req)

	if e, err := w.reg.Access(id); err == nil {
		for _, t := range e.Targets {
			var uri sip.Uri
			if err := sip.ParseUri(t.URI, &uri); err == nil {
				ch := &sip.ContactHeader{Address: uri, Params: sip.NewParams()}
				ch.Params.Add("expires", strconv.FormatInt(int64(time.Until(t.Expires).Seconds()), 10))
				res.AppendHeader(ch)
			}
		}
		w.reg.Detach(e)
	}

	if err := tx.Respond(res); err != nil {
		slog.Error("[Worker] failed to send REGISTER OK", "error", err)
	}
}

// deliverPending pushes any offline messages queued for id now that it
// has a fresh binding (spec §3 "delivered on next registration").
func (w *Worker) deliverPending(id string) {
	if w.messages == nil {
		return
	}
	for _, m := range w.messages.Pending(id) {
		if err := w.sendMessage(id, m); err != nil {
			slog.Warn("[Worker] failed to deliver pending message", "to", id, "error", err)
			continue
		}
		w.messages.Deliver(id, m)
	}
}

func registerExpires(req *sip.Request, contact *sip.ContactHeader) int {
	if contact != nil && contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			return n
		}
	}
	return 3600
}

func contactQValue(c *sip.ContactHeader) float32 {
	if c == nil || c.Params == nil {
		return 1.0
	}
	if v, ok := c.Params.Get("q"); ok {
		if q, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(q)
		}
	}
	return 1.0
}

func contactInstanceID(c *sip.ContactHeader) string {
	if c == nil || c.Params == nil {
		return ""
	}
	if v, ok := c.Params.Get("+sip.instance"); ok {
		return strings.Trim(v, "<>\"")
	}
	return ""
}

func headerValues(hdrs []sip.Header) []string {
	if len(hdrs) == 0 {
		return nil
	}
	out := make([]string, len(hdrs))
	for i, h := range hdrs {
		out[i] = h.Value()
	}
	return out
}

func toDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func idFromAOR(aor string) string {
	s := aor
	switch {
	case strings.HasPrefix(s, "sips:"):
		s = s[5:]
	case strings.HasPrefix(s, "sip:"):
		s = s[4:]
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		return s[:at]
	}
	return s
}
