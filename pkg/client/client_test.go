package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/multiplexer"
)

func TestHandshakeWireFormat(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	tok := []byte("fake-token-bytes")
	w := New(Config{Token: tok})

	done := make(chan error, 1)
	go func() { done <- w.handshake(clientConn) }()

	req := make([]byte, requestSize)
	_, err := io.ReadFull(serverConn, req)
	require.NoError(t, err)

	challenge := make([]byte, challengeSize)
	_, err = rand.Read(challenge)
	require.NoError(t, err)
	_, err = serverConn.Write(challenge)
	require.NoError(t, err)

	var lenBuf [4]byte
	_, err = io.ReadFull(serverConn, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	require.Equal(t, uint32(len(tok)), n)

	got := make([]byte, n)
	_, err = io.ReadFull(serverConn, got)
	require.NoError(t, err)
	require.Equal(t, tok, got)

	require.NoError(t, <-done)
}

func TestServeChannelSplicesToLocalEndpoint(t *testing.T) {
	// A trivial echo server as the "local endpoint".
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	key := make([]byte, crypto.KeySize)
	iv := make([]byte, crypto.IVSize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	codecA, err := crypto.NewCodec(key, iv)
	require.NoError(t, err)
	codecB, err := crypto.NewCodec(key, iv)
	require.NoError(t, err)

	connA, connB := net.Pipe()
	muxA := multiplexer.New(connA, codecA, zap.NewNop(), multiplexer.Config{})
	muxB := multiplexer.New(connB, codecB, zap.NewNop(), multiplexer.Config{})
	defer muxA.Close()
	defer muxB.Close()

	w := New(Config{LocalEndpoint: listener.Addr().String()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	local, err := muxA.CreateChannel(ctx, "example.com")
	require.NoError(t, err)
	remote, err := muxB.WaitForChannel(ctx)
	require.NoError(t, err)

	go w.serveChannel(remote)

	msg := []byte("hello through the echo backend")
	_, err = local.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	nRead := 0
	for nRead < len(msg) {
		n, err := local.Read(buf[nRead:])
		require.NoError(t, err)
		nRead += n
	}
	require.Equal(t, msg, buf)
}
