// Package yamuxtransport is the direct-TCP+yamux transport.Endpoint
// (internal/transport): one side listens on a fixed TCP port, the other
// dials it, and hashicorp/yamux multiplexes substreams over the single
// resulting net.Conn — the same yamux.Client/yamux.Server/DefaultConfig
// shape the teacher used to multiplex its Minecraft-disguised tunnel, now
// applied directly instead of through an encryption/steganography wrapper.
// It is the "trusted-LAN or CI" transport selected by --transport
// yamux-tcp: no NAT traversal, no relay, a single fixed peer.
package yamuxtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/dmodder/p2ptunnel/internal/transport"
)

// peerID is a bare string identifier: this transport has exactly one peer,
// addressed by the TCP address it dials or the address it accepts from.
type peerID string

func (p peerID) String() string { return string(p) }

func yamuxConfig() *yamux.Config {
	c := yamux.DefaultConfig()
	c.LogOutput = io.Discard
	c.ConnectionWriteTimeout = 15 * time.Second
	c.KeepAliveInterval = 30 * time.Second
	return c
}

// Endpoint is either a listener (Accept-only, server role) or a dialer
// (Dial-only, client role) — yamux requires each side of the raw TCP
// connection to agree in advance on which one calls yamux.Client versus
// yamux.Server, so a single Endpoint only ever plays one role.
type Endpoint struct {
	selfID peerID

	ln net.Listener

	mu       sync.Mutex
	accepted chan *Connection
	closed   bool
}

// Listen starts a server-role Endpoint bound to addr.
func Listen(addr string) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("yamuxtransport: listening on %s: %w", addr, err)
	}
	ep := &Endpoint{selfID: peerID(ln.Addr().String()), ln: ln, accepted: make(chan *Connection, 4)}
	go ep.acceptLoop()
	return ep, nil
}

// Dialer builds a client-role Endpoint named localName that dials the
// address carried by each Dial hint.
func Dialer(localName string) *Endpoint {
	return &Endpoint{selfID: peerID(localName)}
}

func (e *Endpoint) acceptLoop() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		sess, err := yamux.Server(conn, yamuxConfig())
		if err != nil {
			conn.Close()
			continue
		}
		c := &Connection{session: sess, remote: peerID(conn.RemoteAddr().String())}
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			sess.Close()
			return
		}
		select {
		case e.accepted <- c:
		default:
			sess.Close()
		}
	}
}

func (e *Endpoint) LocalPeer() transport.PeerID { return e.selfID }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if e.ln != nil {
		return e.ln.Close()
	}
	return nil
}

// Dial opens a raw TCP connection to hint.Addr and establishes the client
// side of a yamux session over it.
func (e *Endpoint) Dial(ctx context.Context, hint transport.AddrHint) (transport.Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hint.Addr)
	if err != nil {
		return nil, fmt.Errorf("yamuxtransport: dialing %s: %w", hint.Addr, err)
	}
	sess, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamuxtransport: establishing session: %w", err)
	}
	remote := hint.PeerID
	if remote == nil {
		remote = peerID(hint.Addr)
	}
	return &Connection{session: sess, remote: remote}, nil
}

// Accept waits for the next inbound yamux session (server role only).
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	if e.accepted == nil {
		return nil, fmt.Errorf("yamuxtransport: Accept called on a dialer-only endpoint")
	}
	select {
	case c, ok := <-e.accepted:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connection wraps one yamux.Session.
type Connection struct {
	session *yamux.Session
	remote  transport.PeerID
}

func (c *Connection) RemotePeer() transport.PeerID { return c.remote }

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("yamuxtransport: opening substream: %w", err)
	}
	return stream{s}, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, err
	}
	return stream{s}, nil
}

func (c *Connection) IsClosed() bool { return c.session.IsClosed() }

func (c *Connection) Metadata() transport.ConnMetadata {
	addr := ""
	if ra := c.session.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return transport.ConnMetadata{
		RemoteAddr:     addr,
		Classification: transport.ClassificationDirect,
		RTT:            0,
	}
}

func (c *Connection) Close() error { return c.session.Close() }

// stream adapts a *yamux.Stream to transport.Stream. yamux's own half-close
// semantics aren't relied on here; CloseWrite falls back to a full Close,
// same as the in-memory net.Pipe-backed fakes used in tests.
type stream struct {
	*yamux.Stream
}

func (s stream) CloseWrite() error { return s.Stream.Close() }
