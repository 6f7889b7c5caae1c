// Package transport wraps the sipgo user agent, server, and client into the
// single object the worker and control packages share to receive requests
// and originate new ones. It carries no call state of its own; callstack
// and registry own that.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Config is the subset of the daemon configuration the transport needs to
// bind a listener and stamp outbound Contact headers.
type Config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string
	Network       string // "udp", "tcp", "ws"
	Ident         string // user part of the Contact/From header this daemon presents
}

// Transport owns the sipgo UA/Server/Client triple and exposes the narrow
// surface the rest of the daemon needs: registering method handlers,
// listening, and sending transaction requests.
type Transport struct {
	cfg    Config
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
}

// New builds the UA, server and client. Any failure tears down whatever was
// already created, mirroring the teardown-on-error sequencing the daemon
// uses elsewhere.
func New(cfg Config) (*Transport, error) {
	if cfg.Network == "" {
		cfg.Network = "udp"
	}
	if cfg.Ident == "" {
		cfg.Ident = "switchd"
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("transport: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: create client: %w", err)
	}

	return &Transport{cfg: cfg, ua: ua, server: srv, client: client}, nil
}

// OnRequest registers a handler for one SIP method, the wiring point
// worker.New uses for REGISTER/INVITE/ACK/BYE/CANCEL/OPTIONS/MESSAGE.
func (t *Transport) OnRequest(method sip.RequestMethod, handler sip.RequestHandler) {
	t.server.OnRequest(method, handler)
}

// ListenAndServe blocks serving the configured network/bind address until
// ctx is canceled.
func (t *Transport) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.BindAddr, t.cfg.Port)
	slog.Info("[Transport] listening", "network", t.cfg.Network, "addr", addr)
	return t.server.ListenAndServe(ctx, t.cfg.Network, addr)
}

// Send originates a new client transaction for req and returns it; the
// caller drives tx.Responses()/tx.Done() itself, since the right handling
// of a 1xx/2xx/3xx+ response differs between register, invite and bye.
func (t *Transport) Send(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return t.client.TransactionRequest(ctx, req)
}

// Contact returns the Contact header this daemon presents on outbound
// requests and REGISTER/INVITE responses.
func (t *Transport) Contact() sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   t.cfg.Ident,
			Host:   t.cfg.AdvertiseAddr,
			Port:   t.cfg.Port,
		},
	}
}

// NewOutboundRequest builds a bare request addressed at targetURI, with
// Max-Forwards, From/To/Call-ID/CSeq/Contact populated the way the
// daemon's call origination path always does, independent of method
// (adapted from the INVITE-building idiom to cover BYE/CANCEL/MESSAGE too).
func (t *Transport) NewOutboundRequest(method sip.RequestMethod, targetURI, fromUser, callID string, cseq uint32, localTag string) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(targetURI, &requestURI); err != nil {
		return nil, fmt.Errorf("transport: invalid target uri %q: %w", targetURI, err)
	}

	req := sip.NewRequest(method, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	fromHdr := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: fromUser, Host: t.cfg.AdvertiseAddr, Port: t.cfg.Port},
		Params:  fromParams,
	}
	req.AppendHeader(fromHdr)

	toHdr := &sip.ToHeader{
		Address: requestURI,
		Params:  sip.NewParams(),
	}
	req.AppendHeader(toHdr)

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	contact := t.Contact()
	req.AppendHeader(&contact)

	return req, nil
}

// Close tears down the underlying user agent, which in turn closes the
// server and client transports.
func (t *Transport) Close() error {
	if t.ua == nil {
		return nil
	}
	return t.ua.Close()
}
