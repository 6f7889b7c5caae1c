package worker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/relaypbx/switchcore/internal/registry"
)

const nonceExpiry = 5 * time.Minute

// authenticator implements spec §4.4 step 3: digest-challenge anything
// arriving from a non-trusted source without a valid Authorization
// header, then recompute the expected response against the registry's
// provisioned secret. Brute-force backoff is supplemental (SUPPLEMENTED
// FEATURES #1): the guard escalates 401 to 403 once a source address
// has failed too many times.
type authenticator struct {
	reg    *registry.Registry
	realm  string
	nonces sync.Map // nonce -> issue time
	guard  *bruteForceGuard
}

func newAuthenticator(reg *registry.Registry, realm string, threshold int, window time.Duration) *authenticator {
	return &authenticator{
		reg:   reg,
		realm: realm,
		guard: newBruteForceGuard(threshold, window),
	}
}

// challenge sends a 401 with a freshly issued nonce.
func (a *authenticator) challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Opaque:    a.realm,
		Algorithm: "MD5",
	}

	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		slog.Error("[Auth] failed to send challenge", "error", err)
	}
}

// authenticate validates the Authorization header against the registry's
// provisioned secret for the claimed username. It returns the matched
// entry on success; on failure it has already sent the appropriate SIP
// response (401/403/400/500) and the caller must stop processing.
func (a *authenticator) authenticate(req *sip.Request, tx sip.ServerTransaction) (*registry.Entry, bool) {
	source := req.Source()

	if a.guard.isBlocked(source) {
		slog.Warn("[Auth] rejected: source blocked by brute-force guard", "source", source)
		a.respondError(req, tx, sip.StatusForbidden, "Forbidden")
		return nil, false
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.challenge(req, tx)
		return nil, false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		slog.Warn("[Auth] malformed Authorization header", "error", err, "source", source)
		a.guard.recordFailure(source)
		a.respondError(req, tx, sip.StatusBadRequest, "Bad Request")
		return nil, false
	}

	issuedAt, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		slog.Debug("[Auth] unknown nonce, re-challenging", "username", cred.Username, "source", source)
		a.challenge(req, tx)
		return nil, false
	}
	if time.Since(issuedAt.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.challenge(req, tx)
		return nil, false
	}

	entry, err := a.reg.Access(cred.Username)
	if err != nil {
		slog.Warn("[Auth] unknown username", "username", cred.Username, "source", source)
		a.guard.recordFailure(source)
		a.respondError(req, tx, sip.StatusForbidden, "Forbidden")
		return nil, false
	}

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Opaque:    a.realm,
		Algorithm: "MD5",
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: entry.Profile.AuthSecret,
	})
	if err != nil {
		a.reg.Detach(entry)
		slog.Error("[Auth] failed to compute expected digest", "error", err)
		a.respondError(req, tx, sip.StatusInternalServerError, "Internal Server Error")
		return nil, false
	}

	if cred.Response != expected.Response {
		a.reg.Detach(entry)
		slog.Warn("[Auth] digest mismatch", "username", cred.Username, "source", source)
		a.guard.recordFailure(source)
		a.challenge(req, tx)
		return nil, false
	}

	a.nonces.Delete(cred.Nonce)
	a.guard.recordSuccess(source)
	return entry, true
}

func (a *authenticator) cleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.cleanup()
}

func (a *authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[Auth] failed to send error response", "code", int(code), "error", err)
	}
}
