package netx

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCP(t *testing.T) {
	port, err := GetEphemeralTCPPort()
	require.NoError(t, err)

	l, fellBack, err := ListenTCP("127.0.0.1", port)
	require.NoError(t, err)
	require.False(t, fellBack)
	defer l.Close()
	assert.Equal(t, port, Port(l))

	// the port is taken now, so this should fall back to another one
	l2, fellBack, err := ListenTCP("127.0.0.1", port)
	require.NoError(t, err)
	defer l2.Close()
	assert.True(t, fellBack)
	assert.NotEqual(t, port, Port(l2))

	conn, err := net.Dial("tcp", l2.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestGetEphemeralTCPPort(t *testing.T) {
	port, err := GetEphemeralTCPPort()
	require.NoError(t, err)
	assert.NotZero(t, port)

	// released again, so it can be bound without falling back
	l, fellBack, err := ListenTCP("localhost", port)
	require.NoError(t, err)
	defer l.Close()
	assert.False(t, fellBack)
	assert.Equal(t, port, Port(l))
}

func TestListenTCPBadHost(t *testing.T) {
	_, _, err := ListenTCP("256.256.256.256", 0)
	assert.Error(t, err)
}
