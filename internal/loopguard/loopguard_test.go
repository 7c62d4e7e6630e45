package loopguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectsLoopbackOnBindPort(t *testing.T) {
	g, err := New("127.0.0.1:1080")
	require.NoError(t, err)

	assert.True(t, g.Reject("127.0.0.1", 1080))
	assert.True(t, g.Reject("localhost", 1080))
	assert.True(t, g.Reject("::1", 1080))
	assert.False(t, g.Reject("127.0.0.1", 1081))
}

func TestAcceptsUnrelatedDestination(t *testing.T) {
	g, err := New("127.0.0.1:1080")
	require.NoError(t, err)

	assert.False(t, g.Reject("example.invalid", 80))
	assert.False(t, g.Reject("10.0.0.5", 1080))
}

func TestAnyInterfaceBindRejectsLoopback(t *testing.T) {
	g, err := New("0.0.0.0:1080")
	require.NoError(t, err)

	assert.True(t, g.Reject("127.0.0.5", 1080))
	assert.True(t, g.Reject("0.0.0.0", 1080))
}
