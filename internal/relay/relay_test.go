package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmodder/p2ptunnel/internal/frame"
)

// pipeStream adapts a net.Conn (from net.Pipe) to transport.Stream for
// tests: net.Pipe's Conn has no real CloseWrite, so we emulate a
// half-close by just closing — sufficient here, since relay.Pump only ever
// calls CloseWrite on the local connection, never on the stream.
type pipeStream struct {
	net.Conn
}

func (p pipeStream) CloseWrite() error { return p.Conn.Close() }

func TestPumpRelaysBothDirections(t *testing.T) {
	localSrv, localCli := net.Pipe()
	streamSrv, streamCli := net.Pipe()

	done := make(chan struct{})
	var counters Counters
	var pumpErr error
	go func() {
		defer close(done)
		counters, pumpErr = Pump(context.Background(), localSrv, pipeStream{streamSrv}, nil)
	}()

	clientUp := []byte("ping from client")
	go func() {
		localCli.Write(clientUp)
	}()

	m, err := frame.Read(streamCli)
	require.NoError(t, err)
	require.Equal(t, frame.TagData, m.Tag)
	assert.Equal(t, clientUp, m.Data)

	require.NoError(t, frame.Write(streamCli, frame.Data([]byte("pong from remote"))))

	buf := make([]byte, 64)
	n, err := localCli.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong from remote", string(buf[:n]))

	localCli.Close()

	m, err = frame.Read(streamCli)
	require.NoError(t, err)
	assert.Equal(t, frame.TagClose, m.Tag)

	require.NoError(t, frame.Write(streamCli, frame.Close()))
	streamCli.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after both halves closed")
	}
	require.NoError(t, pumpErr)
	assert.Equal(t, int64(len(clientUp)), counters.BytesUp)
	assert.Equal(t, int64(len("pong from remote")), counters.BytesDown)
}

func TestPumpInvokesSniffHookOnceWithFirstDownBuffer(t *testing.T) {
	localSrv, localCli := net.Pipe()
	streamSrv, streamCli := net.Pipe()
	defer localCli.Close()
	defer streamCli.Close()

	var seen [][]byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		Pump(context.Background(), localSrv, pipeStream{streamSrv}, func(b []byte) {
			cp := append([]byte(nil), b...)
			seen = append(seen, cp)
		})
	}()

	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := localCli.Read(buf); err != nil {
				return
			}
		}
	}()

	require.NoError(t, frame.Write(streamCli, frame.Data([]byte("first"))))
	require.NoError(t, frame.Write(streamCli, frame.Data([]byte("second"))))

	require.Eventually(t, func() bool { return len(seen) >= 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "first", string(seen[0]))

	streamCli.Close()
	localCli.Close()
	<-done

	assert.Len(t, seen, 1, "sniff hook must fire exactly once")
}

func TestPumpAbortsOnPeerError(t *testing.T) {
	localSrv, localCli := net.Pipe()
	streamSrv, streamCli := net.Pipe()
	defer localCli.Close()
	defer streamCli.Close()

	done := make(chan struct{})
	var pumpErr error
	go func() {
		defer close(done)
		_, pumpErr = Pump(context.Background(), localSrv, pipeStream{streamSrv}, nil)
	}()

	require.NoError(t, frame.Write(streamCli, frame.Err("exit dial failed")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after peer Error frame")
	}
	require.Error(t, pumpErr)

	// local side must have been forcibly closed.
	_, err := localCli.Write([]byte("x"))
	assert.Error(t, err)
}
