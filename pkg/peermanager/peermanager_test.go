package peermanager

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/multiplexer"
	"github.com/moovy2/snitun/pkg/peer"
)

func newTestPeer(t *testing.T, identity string, hostnames []string) *peer.Peer {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	iv := make([]byte, crypto.IVSize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	codec, err := crypto.NewCodec(key, iv)
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	return peer.New(identity, hostnames, serverConn, codec, multiplexer.Config{}, zap.NewNop(), time.Now().Add(time.Hour), 0)
}

func TestNormalizeHostname(t *testing.T) {
	lower, ok := NormalizeHostname("Example.COM")
	require.True(t, ok)
	require.Equal(t, "example.com", lower)

	_, ok = NormalizeHostname("exämple.com")
	require.False(t, ok)
}

func TestRegisterAndLookup(t *testing.T) {
	m := New(zap.NewNop())
	p := newTestPeer(t, "client-a", []string{"example.com"})

	require.NoError(t, m.Register(p))
	got, ok := m.GetByHostname("example.com")
	require.True(t, ok)
	require.Same(t, p, got)
	require.Equal(t, 1, m.Connections())
}

func TestDuplicateHostnameEvictsPriorOwner(t *testing.T) {
	m := New(zap.NewNop())
	a := newTestPeer(t, "client-a", []string{"h1"})
	b := newTestPeer(t, "client-b", []string{"h1"})

	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	got, ok := m.GetByHostname("h1")
	require.True(t, ok)
	require.Same(t, b, got)

	_, ok = m.GetByIdentity("client-a")
	require.False(t, ok)
	require.Equal(t, 1, m.Connections())
}

func TestEvictionOnlyClosesPeerOnceItOwnsNoHostnames(t *testing.T) {
	m := New(zap.NewNop())
	a := newTestPeer(t, "client-a", []string{"h1", "h2"})
	b := newTestPeer(t, "client-b", []string{"h1"})

	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	// a still owns h2, so it must still be registered by identity.
	_, ok := m.GetByIdentity("client-a")
	require.True(t, ok)

	got, ok := m.GetByHostname("h2")
	require.True(t, ok)
	require.Same(t, a, got)
}

func TestRemove(t *testing.T) {
	m := New(zap.NewNop())
	p := newTestPeer(t, "client-a", []string{"example.com"})
	require.NoError(t, m.Register(p))

	m.Remove(p)
	_, ok := m.GetByHostname("example.com")
	require.False(t, ok)
	require.Equal(t, 0, m.Connections())
}
