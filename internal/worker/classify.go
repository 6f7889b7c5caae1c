package worker

import (
	"net"
	"net/netip"
)

// Destination classifies where a request's source stands relative to
// this daemon's trust boundary (spec §4.4 step 2).
type Destination int

const (
	DestExternal Destination = iota
	DestLocal
	DestPublic
	DestRouted
	DestForwarded
)

func (d Destination) String() string {
	switch d {
	case DestLocal:
		return "LOCAL"
	case DestPublic:
		return "PUBLIC"
	case DestRouted:
		return "ROUTED"
	case DestForwarded:
		return "FORWARDED"
	default:
		return "EXTERNAL"
	}
}

// trustedACL is the `cidr::policy` named in spec §4.4 step 2: a set of
// prefixes whose traffic is accepted without requiring digest
// authentication (trunks, gateways), adapted from flowpbx's
// IPAuthMatcher ACL-parsing idiom.
type trustedACL struct {
	prefixes []netip.Prefix
}

func newTrustedACL(cidrs []string) (*trustedACL, error) {
	acl := &trustedACL{}
	for _, c := range cidrs {
		p, err := parseCIDROrIP(c)
		if err != nil {
			return nil, err
		}
		acl.prefixes = append(acl.prefixes, p)
	}
	return acl, nil
}

func (a *trustedACL) contains(source string) bool {
	if a == nil {
		return false
	}
	addr, err := parseSourceIP(source)
	if err != nil {
		return false
	}
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseCIDROrIP(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseSourceIP(source string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(source); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(source)
}

// classify resolves the Destination for one inbound request, consulting
// the registry's reverse address lookup before the trusted ACL, the way
// spec §4.4 step 2 orders "the ACL ... and the registry's address lookup".
func (w *Worker) classify(source, dialed string) Destination {
	if _, err := w.reg.Address(source); err == nil {
		return DestLocal
	}
	if w.acl.contains(source) {
		return DestPublic
	}
	if e, err := w.reg.Access(dialed); err == nil {
		w.reg.Detach(e)
		return DestRouted
	}
	return DestExternal
}
