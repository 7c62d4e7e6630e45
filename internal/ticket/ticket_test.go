package ticket

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	_, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)

	addr1, err := ma.NewMultiaddr("/ip4/203.0.113.5/udp/4242/quic-v1")
	require.NoError(t, err)
	addr2, err := ma.NewMultiaddr("/ip4/198.51.100.9/tcp/4242")
	require.NoError(t, err)

	info := peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr1, addr2}}

	encoded, err := Encode(info)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, info.ID, decoded.ID)
	require.Len(t, decoded.Addrs, 2)
	require.Equal(t, addr1.String(), decoded.Addrs[0].String())
	require.Equal(t, addr2.String(), decoded.Addrs[1].String())
}

func TestEncodeDecodeNoAddrs(t *testing.T) {
	_, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)

	encoded, err := Encode(peer.AddrInfo{ID: id})
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, id, decoded.ID)
	require.Empty(t, decoded.Addrs)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-valid-base64!!")
	require.Error(t, err)
}
