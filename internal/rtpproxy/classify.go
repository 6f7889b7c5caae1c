// Package rtpproxy implements the optional RTP proxy hook named in spec
// §2 and §3 (`Call.rtp`): classifying a SIP offer/answer's media endpoint
// as local or NAT'd, and rewriting the SDP body so both legs of a relayed
// call send media to the relay rather than to each other directly.
//
// The relay itself is the external collaborator spec §1 places out of
// scope ("the optional RTP proxy ... specified only at its interface");
// this package owns only the classify/rewrite step and the gRPC client
// that asks the relay to allocate or release a relay session.
package rtpproxy

import (
	"fmt"
	"net"

	"github.com/pion/sdp/v3"
)

// Endpoint is the media address an SDP body advertises: the IP/port pair
// a callee is told to send RTP to.
type Endpoint struct {
	IP   net.IP
	Port int
}

// Class is the classification spec §2's "RTP proxy hook" performs before
// deciding whether a call needs relaying.
type Class int

const (
	// ClassUnknown means the SDP carried no usable connection info.
	ClassUnknown Class = iota
	// ClassPrivate is an RFC 1918 / ULA address behind NAT.
	ClassPrivate
	// ClassPublic is a routable address that needs no relay.
	ClassPublic
)

func (c Class) String() string {
	switch c {
	case ClassPrivate:
		return "private"
	case ClassPublic:
		return "public"
	default:
		return "unknown"
	}
}

// Classify parses sdpBody and reports the endpoint its first media
// section advertises along with whether that endpoint is NAT'd.
func Classify(sdpBody []byte) (Endpoint, Class, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(sdpBody); err != nil {
		return Endpoint{}, ClassUnknown, fmt.Errorf("rtpproxy: parse sdp: %w", err)
	}

	ip, port, err := primaryEndpoint(&desc)
	if err != nil {
		return Endpoint{}, ClassUnknown, err
	}

	ep := Endpoint{IP: ip, Port: port}
	return ep, classifyIP(ip), nil
}

func primaryEndpoint(desc *sdp.SessionDescription) (net.IP, int, error) {
	var ipStr string
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ipStr = desc.ConnectionInformation.Address.Address
	}
	var port int
	if len(desc.MediaDescriptions) > 0 {
		md := desc.MediaDescriptions[0]
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			ipStr = md.ConnectionInformation.Address.Address
		}
		port = md.MediaName.Port.Value
	}
	if ipStr == "" {
		return nil, 0, fmt.Errorf("rtpproxy: sdp carries no connection address")
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, 0, fmt.Errorf("rtpproxy: invalid connection address %q", ipStr)
	}
	return ip, port, nil
}

// classifyIP reports whether ip is a private (NAT-behind) address.
func classifyIP(ip net.IP) Class {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return ClassPrivate
		}
	}
	return ClassPublic
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// Rewrite replaces the session- and media-level connection address and
// every media section's port in sdpBody with relay, returning the
// rewritten body. Used once the relay has allocated a session so both
// legs address the relay instead of each other (spec §2 "rewrites media
// endpoints").
func Rewrite(sdpBody []byte, relay Endpoint) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(sdpBody); err != nil {
		return nil, fmt.Errorf("rtpproxy: parse sdp: %w", err)
	}

	addrType := "IP4"
	if relay.IP.To4() == nil {
		addrType = "IP6"
	}

	if desc.ConnectionInformation != nil {
		desc.ConnectionInformation.NetworkType = "IN"
		desc.ConnectionInformation.AddressType = addrType
		desc.ConnectionInformation.Address = &sdp.Address{Address: relay.IP.String()}
	}
	for _, md := range desc.MediaDescriptions {
		if md.ConnectionInformation != nil {
			md.ConnectionInformation.NetworkType = "IN"
			md.ConnectionInformation.AddressType = addrType
			md.ConnectionInformation.Address = &sdp.Address{Address: relay.IP.String()}
		}
		md.MediaName.Port = sdp.RangedPort{Value: relay.Port}
	}

	return desc.Marshal()
}
