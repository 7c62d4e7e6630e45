// Package libp2p adapts github.com/libp2p/go-libp2p's Host into the narrow
// transport.Endpoint/Connection/Stream capability set (internal/transport),
// following the libp2p.New(...)/host.SetStreamHandler/host.NewStream shape
// used throughout the pack's peering code. This is the production
// transport: NAT traversal, hole punching, and relay fallback are whatever
// go-libp2p's default option set provides; this package only wires identity
// and the single application protocol and classifies each Connection as
// direct or relay.
package libp2p

import (
	"context"
	stded25519 "crypto/ed25519"
	"fmt"
	"sync"
	"time"

	golibp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dmodder/p2ptunnel/internal/identity"
	"github.com/dmodder/p2ptunnel/internal/transport"
)

// ProtocolID is the single application stream protocol this module speaks;
// every substream opened over a Connection negotiates it.
const ProtocolID = "/p2ptunnel/1.0.0"

// peerID adapts peer.ID to transport.PeerID.
type peerID struct{ peer.ID }

func (p peerID) String() string { return p.ID.String() }

// NewPeerID wraps a libp2p peer.ID as a transport.PeerID, for callers (the
// CLI, from a decoded ticket) that need to build a transport.AddrHint without
// reaching into this package's unexported types.
func NewPeerID(id peer.ID) transport.PeerID { return peerID{id} }

// Endpoint wraps a libp2p Host.
type Endpoint struct {
	host    host.Host
	incoming chan network.Stream
	accepted chan *Connection

	mu    sync.Mutex
	conns map[peer.ID]*Connection
}

// New derives an Ed25519 identity from secret and starts a libp2p Host
// listening on listenAddr (a multiaddr string, e.g.
// "/ip4/0.0.0.0/udp/0/quic-v1").
func New(ctx context.Context, secret identity.Secret, listenAddr string) (*Endpoint, error) {
	// identity.Secret stores a raw 32-byte Ed25519 seed; libp2p's own
	// Ed25519 private key encoding is the 64-byte seed||pubkey form, so
	// expand via the standard library before handing it to libp2p's key
	// type.
	stdPriv := stded25519.NewKeyFromSeed(secret[:])
	priv, err := crypto.UnmarshalEd25519PrivateKey(stdPriv)
	if err != nil {
		return nil, fmt.Errorf("libp2p: deriving identity: %w", err)
	}

	h, err := golibp2p.New(
		golibp2p.Identity(priv),
		golibp2p.ListenAddrStrings(listenAddr),
		golibp2p.EnableRelay(),
		golibp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p: creating host: %w", err)
	}

	ep := &Endpoint{
		host:     h,
		incoming: make(chan network.Stream, 16),
		accepted: make(chan *Connection, 4),
		conns:    make(map[peer.ID]*Connection),
	}
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		ep.incoming <- s
	})
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, c network.Conn) {
			ep.mu.Lock()
			if _, ok := ep.conns[c.RemotePeer()]; !ok {
				conn := newConnection(ep, c.RemotePeer())
				ep.conns[c.RemotePeer()] = conn
				ep.mu.Unlock()
				select {
				case ep.accepted <- conn:
				default:
				}
				return
			}
			ep.mu.Unlock()
		},
	})

	return ep, nil
}

func (e *Endpoint) LocalPeer() transport.PeerID { return peerID{e.host.ID()} }

func (e *Endpoint) Close() error { return e.host.Close() }

// Dial connects to the peer named by hint (which must carry a PeerID
// produced by this package) and, if hint.Addr is set, adds it to the
// peerstore as an address hint before dialing.
func (e *Endpoint) Dial(ctx context.Context, hint transport.AddrHint) (transport.Connection, error) {
	pid, ok := hint.PeerID.(peerID)
	if !ok {
		return nil, fmt.Errorf("libp2p: hint is not a libp2p peer id")
	}

	addrInfo := peer.AddrInfo{ID: pid.ID}
	if hint.Addr != "" {
		addr, err := ma.NewMultiaddr(hint.Addr)
		if err != nil {
			return nil, fmt.Errorf("libp2p: parsing address hint %q: %w", hint.Addr, err)
		}
		addrInfo.Addrs = []ma.Multiaddr{addr}
	}

	if err := e.host.Connect(ctx, addrInfo); err != nil {
		return nil, fmt.Errorf("libp2p: dialing %s: %w", pid.ID, err)
	}

	e.mu.Lock()
	conn, ok := e.conns[pid.ID]
	if !ok {
		conn = newConnection(e, pid.ID)
		e.conns[pid.ID] = conn
	}
	e.mu.Unlock()
	return conn, nil
}

// Accept blocks until a remote peer establishes a connection to this host.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case conn := <-e.accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connection is a single remote peer's connection, backed by the shared
// libp2p Host — substreams are opened with host.NewStream and accepted
// through the endpoint-wide stream handler, demultiplexed by remote peer.
type Connection struct {
	ep     *Endpoint
	remote peer.ID

	mu       sync.Mutex
	closed   bool
	inbox    chan network.Stream
}

func newConnection(ep *Endpoint, remote peer.ID) *Connection {
	return &Connection{ep: ep, remote: remote, inbox: make(chan network.Stream, 16)}
}

func (c *Connection) RemotePeer() transport.PeerID { return peerID{c.remote} }

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.ep.host.NewStream(ctx, c.remote, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("libp2p: opening substream: %w", err)
	}
	return stream{s}, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	for {
		select {
		case s := <-c.ep.incoming:
			if s.Conn().RemotePeer() != c.remote {
				// Belongs to a different remote; route it and keep waiting.
				c.ep.mu.Lock()
				other, ok := c.ep.conns[s.Conn().RemotePeer()]
				c.ep.mu.Unlock()
				if ok {
					select {
					case other.inbox <- s:
					default:
						s.Reset()
					}
				} else {
					s.Reset()
				}
				continue
			}
			return stream{s}, nil
		case s := <-c.inbox:
			return stream{s}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	return c.ep.host.Network().Connectedness(c.remote) != network.Connected
}

func (c *Connection) Metadata() transport.ConnMetadata {
	conns := c.ep.host.Network().ConnsToPeer(c.remote)
	if len(conns) == 0 {
		return transport.ConnMetadata{Classification: transport.ClassificationUnknown}
	}
	first := conns[0]
	class := transport.ClassificationDirect
	if isRelayAddr(first.RemoteMultiaddr()) {
		class = transport.ClassificationRelay
	}
	return transport.ConnMetadata{
		RemoteAddr:     first.RemoteMultiaddr().String(),
		Classification: class,
		RTT:            estimateRTT(first),
	}
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ep.host.Network().ClosePeer(c.remote)
}

func isRelayAddr(addr interface{ String() string }) bool {
	return addr != nil && containsCircuit(addr.String())
}

func containsCircuit(s string) bool {
	const marker = "/p2p-circuit"
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

// estimateRTT has no cheap source without wiring libp2p's ping protocol
// into every connection; until that's worth the extra round trips, RTT is
// reported as unknown (0) rather than guessed.
func estimateRTT(c network.Conn) time.Duration {
	return 0
}

// stream adapts network.Stream to transport.Stream.
type stream struct{ network.Stream }

func (s stream) CloseWrite() error { return s.Stream.CloseWrite() }
