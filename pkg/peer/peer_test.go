package peer

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/multiplexer"
)

func newTestPeer(t *testing.T, hostnames []string, expiresAt time.Time) (*Peer, net.Conn) {
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

	p := New("client-a", hostnames, serverConn, codec, multiplexer.Config{}, zap.NewNop(), expiresAt, 0)
	t.Cleanup(func() { p.Close() })
	return p, clientConn
}

func TestHostnameBookkeeping(t *testing.T) {
	p, _ := newTestPeer(t, []string{"a.example.com", "b.example.com"}, time.Now().Add(time.Hour))

	require.True(t, p.HasHostname("a.example.com"))
	require.True(t, p.HasHostname("b.example.com"))
	require.False(t, p.HasHostname("c.example.com"))

	empty := p.RemoveHostname("a.example.com")
	require.False(t, empty)
	require.False(t, p.HasHostname("a.example.com"))

	empty = p.RemoveHostname("b.example.com")
	require.True(t, empty)
}

func TestExpired(t *testing.T) {
	p, _ := newTestPeer(t, []string{"a.example.com"}, time.Now().Add(-time.Second))
	require.True(t, p.Expired(time.Now()))

	p2, _ := newTestPeer(t, []string{"a.example.com"}, time.Now().Add(time.Hour))
	require.False(t, p2.Expired(time.Now()))
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	p, _ := newTestPeer(t, []string{"a.example.com"}, time.Now().Add(time.Hour))
	first := p.LastActivity()
	time.Sleep(time.Millisecond)
	p.Touch()
	require.True(t, p.LastActivity().After(first))
}

func TestCloseIsIdempotent(t *testing.T) {
	p, _ := newTestPeer(t, []string{"a.example.com"}, time.Now().Add(time.Hour))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
