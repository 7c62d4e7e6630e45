package tunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmodder/p2ptunnel/internal/frame"
	"github.com/dmodder/p2ptunnel/internal/loopguard"
)

func TestOpenOutboundHappyPath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		io.ReadFull(c, buf)
		c.Write([]byte("world"))
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := mustAtoi(t, portStr)

	clientState := NewState("127.0.0.1", 1080)
	exitState := NewState("127.0.0.1", 1080)
	clientSession := NewSession(clientState, 5*time.Second)
	exitSession := NewSession(exitState, 5*time.Second)

	initiatorConn, responderConn := newLinkedPair()
	clientState.setConnected(initiatorConn)
	exitState.setConnected(responderConn)

	guard, err := loopguard.New("127.0.0.1:1080")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go exitSession.ServeExit(ctx, guard, 2*time.Second, nil)

	stream, rec, err := clientSession.OpenOutbound(ctx, host, port)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, host, rec.Host)

	// The exit side has already handed its half of the substream to
	// relay.Pump, so from here on the wire carries framed Data/Close
	// messages rather than raw bytes.
	require.NoError(t, frame.Write(stream, frame.Data([]byte("hello"))))

	reply, err := frame.Read(stream)
	require.NoError(t, err)
	require.Equal(t, frame.TagData, reply.Tag)
	assert.Equal(t, "world", string(reply.Data))
}

func TestOpenOutboundTimesOutWithoutConnection(t *testing.T) {
	state := NewState("127.0.0.1", 1080)
	session := NewSession(state, 200*time.Millisecond)

	_, _, err := session.OpenOutbound(context.Background(), "example.invalid", 80)
	require.Error(t, err)
	var unavailable *TransportUnavailable
	require.ErrorAs(t, err, &unavailable)
}

// TestOversizeFrameResetsOnlyItsSubstream covers spec.md §8 scenario S6: a
// peer that writes a length prefix past frame.MaxFrameLength gets that one
// substream reset, while a sibling substream already open on the same
// connection keeps relaying.
func TestOversizeFrameResetsOnlyItsSubstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 5)
				for {
					if _, err := io.ReadFull(c, buf); err != nil {
						return
					}
					if _, err := c.Write([]byte("world")); err != nil {
						return
					}
				}
			}(c)
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port := mustAtoi(t, portStr)

	exitState := NewState("127.0.0.1", 1080)
	exitSession := NewSession(exitState, 5*time.Second)

	initiatorConn, responderConn := newLinkedPair()
	exitState.setConnected(responderConn)

	guard, err := loopguard.New("127.0.0.1:1080")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go exitSession.ServeExit(ctx, guard, 2*time.Second, nil)

	// Sibling substream: a normal Connect/Data exchange.
	good, err := initiatorConn.OpenStream(ctx)
	require.NoError(t, err)
	defer good.Close()
	require.NoError(t, frame.Write(good, frame.Connect(host, port)))
	reply, err := frame.Read(good)
	require.NoError(t, err)
	require.Equal(t, frame.TagConnected, reply.Tag)

	require.NoError(t, frame.Write(good, frame.Data([]byte("hello"))))
	dataReply, err := frame.Read(good)
	require.NoError(t, err)
	require.Equal(t, frame.TagData, dataReply.Tag)
	assert.Equal(t, "world", string(dataReply.Data))

	// Misbehaving substream: a declared length past frame.MaxFrameLength.
	bad, err := initiatorConn.OpenStream(ctx)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], frame.MaxFrameLength+1)
	_, err = bad.Write(lenBuf[:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := bad.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 10*time.Millisecond, "exit side should reset the oversize substream")

	// The sibling substream is unaffected by the reset of "bad".
	require.NoError(t, frame.Write(good, frame.Data([]byte("hello"))))
	dataReply2, err := frame.Read(good)
	require.NoError(t, err)
	require.Equal(t, frame.TagData, dataReply2.Tag)
	assert.Equal(t, "world", string(dataReply2.Data))
}

func mustAtoi(t *testing.T, s string) uint16 {
	t.Helper()
	var n uint16
	for _, ch := range []byte(s) {
		require.True(t, ch >= '0' && ch <= '9')
		n = n*10 + uint16(ch-'0')
	}
	return n
}
