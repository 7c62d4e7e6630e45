// Package ticket encodes and decodes the pasteable connection string a
// client passes via --peer (spec.md §3's Ticket, §4.6's "Initiation
// choice"). It wraps a libp2p peer.AddrInfo — a peer ID plus zero or more
// multiaddrs — in a small length-prefixed binary record, base64-urlencoded
// so it survives copy/paste in a terminal or chat client untouched.
package ticket

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Encode serializes info as a ticket string: the peer ID's binary form,
// length-prefixed, followed by each multiaddr's binary form, each
// length-prefixed in turn.
func Encode(info peer.AddrInfo) (string, error) {
	var buf bytes.Buffer

	idBytes, err := info.ID.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("ticket: marshaling peer id: %w", err)
	}
	if err := writeChunk(&buf, idBytes); err != nil {
		return "", err
	}

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(info.Addrs))); err != nil {
		return "", fmt.Errorf("ticket: writing addr count: %w", err)
	}
	for _, addr := range info.Addrs {
		if err := writeChunk(&buf, addr.Bytes()); err != nil {
			return "", err
		}
	}

	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode is the inverse of Encode.
func Decode(s string) (peer.AddrInfo, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("ticket: invalid base64: %w", err)
	}
	r := bytes.NewReader(raw)

	idBytes, err := readChunk(r)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("ticket: reading peer id: %w", err)
	}
	id, err := peer.IDFromBytes(idBytes)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("ticket: decoding peer id: %w", err)
	}

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return peer.AddrInfo{}, fmt.Errorf("ticket: reading addr count: %w", err)
	}

	addrs := make([]ma.Multiaddr, 0, count)
	for i := uint16(0); i < count; i++ {
		chunk, err := readChunk(r)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("ticket: reading addr %d: %w", i, err)
		}
		addr, err := ma.NewMultiaddrBytes(chunk)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("ticket: parsing addr %d: %w", i, err)
		}
		addrs = append(addrs, addr)
	}

	return peer.AddrInfo{ID: id, Addrs: addrs}, nil
}

func writeChunk(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(len(b))); err != nil {
		return fmt.Errorf("ticket: writing chunk length: %w", err)
	}
	buf.Write(b)
	return nil
}

func readChunk(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
