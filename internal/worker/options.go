package worker

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// handleOptions answers a liveness probe with a bare 200 carrying this
// daemon's supported methods, spec §4.4 step 5's "OPTIONS -> 200 echo".
func (w *Worker) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(200), "OK", nil)
	addViaParams(res, req)
	res.AppendHeader(sip.NewHeader("Allow", "REGISTER, INVITE, ACK, BYE, CANCEL, OPTIONS, MESSAGE"))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		slog.Warn("[Worker] failed to respond to OPTIONS", "error", err)
	}
}
