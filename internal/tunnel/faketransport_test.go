package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dmodder/p2ptunnel/internal/transport"
)

// fakePeerID is a minimal transport.PeerID for tests.
type fakePeerID string

func (f fakePeerID) String() string { return string(f) }

// fakeStream adapts one half of a net.Pipe to transport.Stream.
type fakeStream struct{ net.Conn }

func (f fakeStream) CloseWrite() error { return f.Conn.Close() }

// fakeConn is an in-memory transport.Connection backed by net.Pipe pairs,
// used as the "in-memory fake" spec.md §9 calls for when unit-testing the
// tunnel session/supervisor without a real transport.
type fakeConn struct {
	remote   fakePeerID
	mu       sync.Mutex
	closed   bool
	incoming chan transport.Stream
}

func newFakeConnPair(localName, remoteName string) (a, b *fakeConn) {
	a = &fakeConn{remote: fakePeerID(remoteName), incoming: make(chan transport.Stream, 16)}
	b = &fakeConn{remote: fakePeerID(localName), incoming: make(chan transport.Stream, 16)}
	return a, b
}

func (c *fakeConn) RemotePeer() transport.PeerID { return c.remote }

func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("fakeConn: closed")
	}
	return nil, fmt.Errorf("fakeConn: OpenStream must be wired via peerLink")
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Metadata() transport.ConnMetadata {
	return transport.ConnMetadata{RemoteAddr: "fake", Classification: transport.ClassificationDirect, RTT: time.Millisecond}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

// peerLink wires two fakeConns so that OpenStream on one side delivers a
// fakeStream to the other side's AcceptStream, via a net.Pipe per opened
// substream.
type peerLink struct {
	initiator *fakeConn
	responder *fakeConn
}

func (p *peerLink) open(ctx context.Context) (transport.Stream, error) {
	local, remote := net.Pipe()
	select {
	case p.responder.incoming <- fakeStream{remote}:
		return fakeStream{local}, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// linkedConn wraps a fakeConn and routes OpenStream through a peerLink.
type linkedConn struct {
	*fakeConn
	link *peerLink
}

func (l linkedConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return l.link.open(ctx)
}

func newLinkedPair() (initiator, responder transport.Connection) {
	a, b := newFakeConnPair("responder", "initiator")
	link := &peerLink{initiator: a, responder: b}
	return linkedConn{fakeConn: a, link: link}, b
}
