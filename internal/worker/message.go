package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/relaypbx/switchcore/internal/messaging"
	"github.com/relaypbx/switchcore/internal/registry"
)

// handleMessage is the MESSAGE branch of spec §4.4 step 5 ("queue/deliver"):
// attempt immediate delivery to the recipient's current binding, falling
// back to the offline store when it has none.
func (w *Worker) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	toHeader := req.To()
	if toHeader == nil {
		w.reply(req, tx, sip.StatusCode(400), "Missing To header")
		return
	}
	id := idFromAOR(toHeader.Address.String())

	if w.classify(req.Source(), id) == DestExternal {
		entry, ok := w.auth.authenticate(req, tx)
		if !ok {
			return
		}
		w.reg.Detach(entry)
	}

	from := ""
	if fromHdr := req.From(); fromHdr != nil {
		from = fromHdr.Address.String()
	}
	msgType := "text/plain"
	if ct := req.GetHeader("Content-Type"); ct != nil {
		msgType = ct.Value()
	}
	body := req.Body()

	if entry, err := w.reg.Access(id); err == nil {
		target := entry.PrimaryTarget(time.Now())
		w.reg.Detach(entry)
		if target != nil {
			if err := w.sendMessageTo(target, from, msgType, body); err == nil {
				w.reply(req, tx, sip.StatusCode(200), "OK")
				return
			}
		}
	}

	if w.messages == nil {
		w.reply(req, tx, sip.StatusCode(404), "Not Found")
		return
	}
	if _, err := w.messages.Enqueue(id, from, "", msgType, body); err != nil {
		w.replyForError(req, tx, err)
		return
	}
	w.reply(req, tx, sip.StatusCode(202), "Accepted")
}

// sendMessage delivers a previously-queued message to id's current
// binding, used by register.go's deliverPending once a fresh REGISTER
// arrives (spec §3 "delivered on next registration").
func (w *Worker) sendMessage(id string, m *messaging.Message) error {
	entry, err := w.reg.Access(id)
	if err != nil {
		return err
	}
	defer w.reg.Detach(entry)

	target := entry.PrimaryTarget(time.Now())
	if target == nil {
		return registry.ErrNotFound
	}
	return w.sendMessageTo(target, m.From, m.Type, m.Body)
}

// sendMessageTo originates a SIP MESSAGE toward target and waits for its
// final response, the same outbound-request shape originateSegment uses
// for INVITE forks.
func (w *Worker) sendMessageTo(target *registry.Target, from, msgType string, body []byte) error {
	callID := uuid.New().String()
	localTag := uuid.New().String()
	out, err := w.tx.NewOutboundRequest(sip.MESSAGE, target.EffectiveURI(), "switchd", callID, 1, localTag)
	if err != nil {
		return fmt.Errorf("worker: build outbound MESSAGE: %w", err)
	}
	if len(body) > 0 {
		out.AppendHeader(sip.NewHeader("Content-Type", msgType))
		out.SetBody(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientTx, err := w.tx.Send(ctx, out)
	if err != nil {
		return fmt.Errorf("worker: send MESSAGE: %w", err)
	}

	select {
	case resp := <-clientTx.Responses():
		if resp == nil {
			return fmt.Errorf("worker: message delivery failed: no response")
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("worker: message delivery rejected: %d", resp.StatusCode)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
