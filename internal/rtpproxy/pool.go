package rtpproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config configures the client connection to one relay node, grounded on
// the teacher's GRPCConfig (internal/signaling/mediaclient/transport.go).
type Config struct {
	Address           string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// SessionInfo is what the worker knows about a leg that needs relaying.
type SessionInfo struct {
	CallID     string
	RemoteAddr string
	RemotePort int
}

// SessionResult is the relay's allocation response: the endpoint the SDP
// rewrite step should substitute in place of the original media address.
type SessionResult struct {
	SessionID string
	Endpoint  Endpoint
}

// relayMethod paths, matching the service a generated rtpmanager/v1 stub
// would expose; this client speaks the wire protocol generically via
// structpb messages rather than depending on generated code, since no
// .proto/.pb.go pair for the relay service was available to vendor.
const (
	methodCreateSession  = "/switchcore.rtpproxy.v1.RelayService/CreateSession"
	methodDestroySession = "/switchcore.rtpproxy.v1.RelayService/DestroySession"
	methodHealth         = "/switchcore.rtpproxy.v1.RelayService/Health"
)

// Client is a single gRPC connection to one relay node.
type Client struct {
	conn  *grpc.ClientConn
	ready atomic.Bool
}

// Dial connects to the relay node at cfg.Address.
func Dial(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("rtpproxy: dial %s: %w", cfg.Address, err)
	}

	c := &Client{conn: conn}
	c.ready.Store(true)
	slog.Info("[RTPProxy] connected to relay", "address", cfg.Address)
	return c, nil
}

// CreateSession asks the relay to allocate a relay endpoint for one leg.
func (c *Client) CreateSession(ctx context.Context, info SessionInfo) (*SessionResult, error) {
	req, err := structpb.NewStruct(map[string]any{
		"call_id":     info.CallID,
		"remote_addr": info.RemoteAddr,
		"remote_port": float64(info.RemotePort),
	})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodCreateSession, req, resp); err != nil {
		return nil, fmt.Errorf("rtpproxy: CreateSession rpc: %w", err)
	}

	fields := resp.GetFields()
	ip := fields["local_addr"].GetStringValue()
	port := int(fields["local_port"].GetNumberValue())
	return &SessionResult{
		SessionID: fields["session_id"].GetStringValue(),
		Endpoint:  Endpoint{IP: net.ParseIP(ip), Port: port},
	}, nil
}

// DestroySession releases a relay endpoint, called on BYE/CANCEL for a
// relayed call or when the relay connection is torn down.
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	req, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodDestroySession, req, resp); err != nil {
		return fmt.Errorf("rtpproxy: DestroySession rpc: %w", err)
	}
	return nil
}

// Health reports whether the relay answered its health RPC.
func (c *Client) Health(ctx context.Context) bool {
	if !c.ready.Load() {
		return false
	}
	req := &structpb.Struct{}
	resp := &structpb.Struct{}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.conn.Invoke(ctx, methodHealth, req, resp); err != nil {
		return false
	}
	return resp.GetFields()["healthy"].GetBoolValue()
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.ready.Store(false)
	return c.conn.Close()
}

// Pool round-robins relay sessions across several relay nodes, a scaled
// down version of the teacher's mediaclient.Pool (health-checked
// round-robin without the drain/migration machinery, which belongs to
// the out-of-scope media-transport layer, not this core's RTP proxy
// hook).
type Pool struct {
	mu      sync.RWMutex
	clients []*Client
	next    atomic.Uint64

	sessionMu sync.Mutex
	byCallID  map[string]*Client
}

// NewPool dials every address in addrs, continuing past individual
// dial failures so a single unreachable relay node doesn't prevent
// startup (the daemon functions without a relay; relaying is opt-in).
func NewPool(cfg Config, addrs []string) *Pool {
	p := &Pool{byCallID: make(map[string]*Client)}
	for _, addr := range addrs {
		nodeCfg := cfg
		nodeCfg.Address = addr
		client, err := Dial(nodeCfg)
		if err != nil {
			slog.Warn("[RTPProxy] relay node unreachable at startup", "address", addr, "error", err)
			continue
		}
		p.clients = append(p.clients, client)
	}
	return p
}

// Ready reports whether at least one relay node connected.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients) > 0
}

func (p *Pool) pick() (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.clients) == 0 {
		return nil, fmt.Errorf("rtpproxy: no relay nodes available")
	}
	idx := p.next.Add(1) % uint64(len(p.clients))
	return p.clients[idx], nil
}

// CreateSession picks a relay node round-robin and records the affinity
// so the matching DestroySession lands on the same node.
func (p *Pool) CreateSession(ctx context.Context, info SessionInfo) (*SessionResult, error) {
	client, err := p.pick()
	if err != nil {
		return nil, err
	}
	result, err := client.CreateSession(ctx, info)
	if err != nil {
		return nil, err
	}
	p.sessionMu.Lock()
	p.byCallID[info.CallID] = client
	p.sessionMu.Unlock()
	return result, nil
}

// DestroySession releases the session tied to callID on whichever node
// created it.
func (p *Pool) DestroySession(ctx context.Context, callID, sessionID string) error {
	p.sessionMu.Lock()
	client, ok := p.byCallID[callID]
	delete(p.byCallID, callID)
	p.sessionMu.Unlock()
	if !ok {
		return fmt.Errorf("rtpproxy: no relay node recorded for call %s", callID)
	}
	return client.DestroySession(ctx, sessionID)
}

// Close tears down every relay connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
