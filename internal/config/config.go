// Package config loads switchd's configuration from command-line flags
// with environment-variable overrides, following the teacher's
// flag-then-env-then-autodetect shape (internal/signaling/config in the
// reference tree this package replaces).
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the core: transport binding, arena sizes,
// registry capacity and timer durations, worker pool sizing, and the
// paths the control plane and logger write to.
type Config struct {
	// Transport
	Port          int
	BindAddr      string
	AdvertiseAddr string
	Transport     string // udp, tcp, or tls

	LogLevel string
	LogPath  string

	// Registry
	Realm          string
	RegistryBuckets int
	MinExpires     time.Duration
	MaxExpires     time.Duration
	DefaultExpires time.Duration

	// Arena capacities, one per object class (spec §4.1)
	ArenaCalls    int
	ArenaSegments int
	ArenaEntries  int
	ArenaTargets  int
	ArenaPatterns int
	ArenaMessages int

	// Call timers (spec §4.3)
	RingTimer       time.Duration
	CFNATimer       time.Duration
	ResetTimer      time.Duration
	InviteExpires   time.Duration
	CallSafetyNet   time.Duration

	// Background thread (spec §4.5)
	SweepInterval   time.Duration
	SweepMultiplier int

	// Worker pool (spec §5)
	Workers int

	// Control plane (spec §6)
	ControlPath string
	CallmapPath string

	// Digest auth brute-force guard (SUPPLEMENTED FEATURES #1)
	AuthFailThreshold int
	AuthFailWindow    time.Duration

	// Offline message store (spec §3 "Message")
	MessageTTL time.Duration

	// Trust boundary (spec §4.4 step 2): addresses/CIDRs accepted without
	// requiring digest authentication.
	TrustedCIDRs []string

	// Optional RTP proxy hook (spec §2). Empty RelayAddrs leaves relaying
	// disabled.
	RelayAddrs            []string
	RelayConnectTimeout   time.Duration
	RelayKeepaliveInterval time.Duration
	RelayKeepaliveTimeout  time.Duration

	// Metrics (SPEC_FULL.md's DOMAIN STACK table, prometheus client)
	MetricsEnabled bool
}

// Load parses flags and applies environment overrides, auto-detecting the
// advertised address when neither flag nor env var set one.
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address to advertise in SIP headers (auto-detected if unset)")
	flag.StringVar(&cfg.Transport, "transport", "udp", "SIP transport: udp, tcp, or tls")

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogPath, "logfile", "switchd.log", "append-only log file path")

	flag.StringVar(&cfg.Realm, "realm", "switchcore", "digest authentication realm")
	flag.IntVar(&cfg.RegistryBuckets, "registry-buckets", 177, "id-hash bucket count")
	flag.DurationVar(&cfg.MinExpires, "min-expires", 60*time.Second, "minimum accepted REGISTER Expires")
	flag.DurationVar(&cfg.MaxExpires, "max-expires", 3600*time.Second, "maximum accepted REGISTER Expires")
	flag.DurationVar(&cfg.DefaultExpires, "default-expires", 300*time.Second, "Expires applied when a REGISTER omits one")

	flag.IntVar(&cfg.ArenaCalls, "arena-calls", 1000, "call arena capacity")
	flag.IntVar(&cfg.ArenaSegments, "arena-segments", 4000, "segment arena capacity")
	flag.IntVar(&cfg.ArenaEntries, "arena-entries", 2000, "registry entry arena capacity")
	flag.IntVar(&cfg.ArenaTargets, "arena-targets", 4000, "target arena capacity")
	flag.IntVar(&cfg.ArenaPatterns, "arena-patterns", 500, "routing pattern arena capacity")
	flag.IntVar(&cfg.ArenaMessages, "arena-messages", 1000, "offline message arena capacity")

	flag.DurationVar(&cfg.RingTimer, "ring-timer", 4*time.Second, "max per-segment ring with no response")
	flag.DurationVar(&cfg.CFNATimer, "cfna-timer", 16*time.Second, "total call-forward-no-answer window")
	flag.DurationVar(&cfg.ResetTimer, "reset-timer", 6*time.Second, "post-terminal cleanup delay")
	flag.DurationVar(&cfg.InviteExpires, "invite-expires", 120*time.Second, "Session-Expires negotiation ceiling (passed to the call stack; no timer reads it)")
	flag.DurationVar(&cfg.CallSafetyNet, "call-safety-net", 7*time.Second, "garbage-collect a call stuck in INITIAL")

	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 500*time.Millisecond, "background thread base wake interval")
	flag.IntVar(&cfg.SweepMultiplier, "sweep-multiplier", 1, "multiplies sweep-interval for the expiry sweep cadence")

	flag.IntVar(&cfg.Workers, "workers", 2, "worker goroutine pool size (not read by this build)")

	flag.StringVar(&cfg.ControlPath, "control", "/tmp/.switchd.ctrl", "control channel named-pipe path")
	flag.StringVar(&cfg.CallmapPath, "callmap", "/tmp/switchd.callmap", "call-map snapshot file path (not written by this build)")

	flag.IntVar(&cfg.AuthFailThreshold, "auth-fail-threshold", 5, "bad-credential attempts before escalating 401 to 403")
	flag.DurationVar(&cfg.AuthFailWindow, "auth-fail-window", time.Minute, "window over which auth failures are counted")

	flag.DurationVar(&cfg.MessageTTL, "message-ttl", 24*time.Hour, "how long an undelivered offline message is kept")

	var trustedCIDRs string
	flag.StringVar(&trustedCIDRs, "trusted-cidrs", "", "comma-separated CIDRs/addresses exempt from digest auth (trunks, gateways)")

	var relayAddrs string
	flag.StringVar(&relayAddrs, "relay-addrs", "", "comma-separated host:port addresses of RTP relay nodes")
	flag.DurationVar(&cfg.RelayConnectTimeout, "relay-connect-timeout", 3*time.Second, "RTP relay gRPC dial timeout")
	flag.DurationVar(&cfg.RelayKeepaliveInterval, "relay-keepalive-interval", 30*time.Second, "RTP relay gRPC keepalive ping interval")
	flag.DurationVar(&cfg.RelayKeepaliveTimeout, "relay-keepalive-timeout", 10*time.Second, "RTP relay gRPC keepalive ack timeout")

	flag.BoolVar(&cfg.MetricsEnabled, "metrics", true, "register prometheus gauges for the control channel's snapshot")

	flag.Parse()

	cfg.TrustedCIDRs = splitNonEmpty(trustedCIDRs)
	cfg.RelayAddrs = splitNonEmpty(relayAddrs)

	if v := os.Getenv("SWITCHD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("SWITCHD_BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("SWITCHD_ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("SWITCHD_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SWITCHD_REALM"); v != "" {
		cfg.Realm = v
	}
	if v := os.Getenv("SWITCHD_CONTROL"); v != "" {
		cfg.ControlPath = v
	}

	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}

	return cfg
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	ips, err := net.LookupIP(addr)
	return err == nil && len(ips) > 0
}

func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
