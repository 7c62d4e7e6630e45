// Package relay implements the bidirectional byte pump between a local TCP
// half-connection and a tunnel substream (spec.md §4.4). It generalizes the
// teacher's proxyToTunnel, which ran `go io.Copy(stream, localConn)` next to
// `io.Copy(localConn, stream)` directly on raw net.Conns; here the tunnel
// side is framed (Data/Close/Error), so each half is hand-written instead of
// a bare io.Copy, and the two halves join through an errgroup instead of an
// un-joined goroutine + recover().
package relay

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/dmodder/p2ptunnel/internal/frame"
	"github.com/dmodder/p2ptunnel/internal/transport"
)

// BufferSize is the suggested local-read buffer size from spec.md §4.4.
const BufferSize = 16 * 1024

// Counters reports final byte totals, per spec.md §4.4's "Final byte
// totals (up/down) are reported to the logger."
type Counters struct {
	BytesUp   int64
	BytesDown int64
}

// halfCloser is satisfied by *net.TCPConn and similar; when the local
// connection doesn't support a half-close, Pump falls back to a full Close.
type halfCloser interface {
	CloseWrite() error
}

// Pump bridges local (a TCP half-connection, e.g. the SOCKS5 client's
// net.Conn) and stream (a tunnel substream) until both halves terminate,
// per the termination rule in spec.md §4.4: it returns only once both
// directions have ended, and if either errors the other is cancelled and
// both sides are forcibly closed.
//
// onFirstDown, if non-nil, is invoked exactly once with the first non-empty
// Data payload read from stream, before it is written to local — the
// request logger's sniffing hook (spec.md §4.8). It must return promptly:
// Pump calls it synchronously and forwards the buffer only after it returns.
func Pump(ctx context.Context, local net.Conn, stream transport.Stream, onFirstDown func([]byte)) (Counters, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var counters Counters
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := pumpLocalToStream(local, stream)
		counters.BytesUp = n
		return err
	})
	g.Go(func() error {
		n, err := pumpStreamToLocal(stream, local, onFirstDown)
		counters.BytesDown = n
		return err
	})

	go func() {
		<-ctx.Done()
		local.Close()
		stream.Close()
	}()

	err := g.Wait()
	local.Close()
	stream.Close()
	return counters, err
}

// pumpLocalToStream is the L→T half: read from local, wrap as Data frames,
// write to stream; on EOF from local, send a single Close frame.
func pumpLocalToStream(local net.Conn, stream transport.Stream) (int64, error) {
	buf := make([]byte, BufferSize)
	var total int64
	for {
		n, err := local.Read(buf)
		if n > 0 {
			total += int64(n)
			if werr := writeDataFragmented(stream, buf[:n]); werr != nil {
				return total, fmt.Errorf("relay: writing Data frame: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				if cerr := frame.Write(stream, frame.Close()); cerr != nil {
					return total, fmt.Errorf("relay: writing Close frame: %w", cerr)
				}
				return total, nil
			}
			return total, fmt.Errorf("relay: reading local connection: %w", err)
		}
	}
}

func writeDataFragmented(stream transport.Stream, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > frame.MaxPayload {
			chunk = data[:frame.MaxPayload]
		}
		if err := frame.Write(stream, frame.Data(chunk)); err != nil {
			return err
		}
		data = data[len(chunk):]
	}
	return nil
}

// pumpStreamToLocal is the T→L half: read frames from stream; Data is
// written to local and counted, Close half-closes local's write side and
// ends the half, Error aborts with the carried reason, anything else is a
// protocol violation.
func pumpStreamToLocal(stream transport.Stream, local net.Conn, onFirstDown func([]byte)) (int64, error) {
	var total int64
	sniffed := false
	for {
		m, err := frame.Read(stream)
		if err != nil {
			return total, fmt.Errorf("relay: reading tunnel frame: %w", err)
		}
		switch m.Tag {
		case frame.TagData:
			if len(m.Data) > 0 {
				if !sniffed && onFirstDown != nil {
					onFirstDown(m.Data)
					sniffed = true
				}
				n, werr := local.Write(m.Data)
				total += int64(n)
				if werr != nil {
					return total, fmt.Errorf("relay: writing local connection: %w", werr)
				}
			}
		case frame.TagClose:
			if hc, ok := local.(halfCloser); ok {
				hc.CloseWrite()
			} else {
				local.Close()
			}
			return total, nil
		case frame.TagError:
			return total, fmt.Errorf("relay: peer reported error: %s", m.Text)
		default:
			return total, fmt.Errorf("relay: unexpected frame %s mid-stream", m.Tag)
		}
	}
}
