// Package client implements the outbound tunnel worker: it dials the
// server's tunnel-accept endpoint, authenticates with a pre-minted Fernet
// token, and bridges every channel the server dispatches to a local
// backend, reconnecting with backoff on failure.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/multiplexer"
)

const (
	challengeSize = 32
	requestSize   = 32
	minBackoff    = time.Second
	maxBackoff    = 60 * time.Second
)

// Config configures one client worker instance.
type Config struct {
	TunnelAddress string
	LocalEndpoint string
	// Token is the pre-minted Fernet token bytes this client presents at
	// handshake. Minting is an external, trusted issuer's job; this worker
	// only ever sends a token it was handed.
	Token []byte
	// AESKey/AESIV must match what the issuer embedded in Token, since the
	// server derives its multiplexer codec from the token's claims while
	// this client must build the mirror-image codec itself.
	AESKey []byte
	AESIV  []byte

	Keepalive   time.Duration
	PingTimeout time.Duration
	MuxCfg      multiplexer.Config

	Logger *zap.Logger
}

// Worker runs the reconnect loop for one tunnel.
type Worker struct {
	cfg Config
}

// New builds a Worker from cfg, filling in documented defaults for zero
// fields (Keepalive 30s, PingTimeout 10s).
func New(cfg Config) *Worker {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg}
}

// Run connects, authenticates, and serves channels until ctx is cancelled,
// reconnecting with exponential backoff on any failure.
func (w *Worker) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		w.cfg.Logger.Warn("tunnel session ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	conn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", w.cfg.TunnelAddress)
	if err != nil {
		return fmt.Errorf("client: dial tunnel: %w", err)
	}

	if err := w.handshake(conn); err != nil {
		conn.Close()
		return fmt.Errorf("client: handshake: %w", err)
	}

	codec, err := crypto.NewCodec(w.cfg.AESKey, w.cfg.AESIV)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: build codec: %w", err)
	}
	mux := multiplexer.New(conn, codec, w.cfg.Logger, w.cfg.MuxCfg)
	defer mux.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.keepalive(sessionCtx, mux)

	for {
		channel, err := mux.WaitForChannel(sessionCtx)
		if err != nil {
			return err
		}
		go w.serveChannel(channel)
	}
}

// handshake performs the client half of the tunnel handshake: send a
// request, read the challenge, send a length-prefixed token.
func (w *Worker) handshake(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(make([]byte, requestSize)); err != nil {
		return fmt.Errorf("write challenge request: %w", err)
	}

	var challenge [challengeSize]byte
	if _, err := io.ReadFull(conn, challenge[:]); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(w.cfg.Token)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write token length: %w", err)
	}
	if _, err := conn.Write(w.cfg.Token); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return conn.SetDeadline(time.Time{})
}

// keepalive pings the server every Keepalive interval; a ping failure or
// timeout ends the session so Run's reconnect loop takes over.
func (w *Worker) keepalive(ctx context.Context, mux *multiplexer.Multiplexer) {
	ticker := time.NewTicker(w.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := mux.Ping(ctx, w.cfg.PingTimeout); err != nil {
				w.cfg.Logger.Warn("ping failed, closing session", zap.Error(err))
				mux.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// serveChannel dials the local endpoint and splices it with channel until
// either side closes.
func (w *Worker) serveChannel(channel *multiplexer.Channel) {
	defer channel.Close()

	local, err := net.DialTimeout("tcp", w.cfg.LocalEndpoint, 5*time.Second)
	if err != nil {
		w.cfg.Logger.Warn("failed to dial local endpoint",
			zap.String("endpoint", w.cfg.LocalEndpoint), zap.Error(err))
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, channel)
		local.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(channel, local)
		channel.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}
