// Package server implements the tunnel-accept handshake and the
// SNI-routed outside-connection dispatcher.
package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/multiplexer"
	"github.com/moovy2/snitun/pkg/peer"
	"github.com/moovy2/snitun/pkg/peermanager"
	"github.com/moovy2/snitun/pkg/snierr"
	"github.com/moovy2/snitun/pkg/token"
)

const (
	challengeSize  = 32
	maxTokenSize   = 16 * 1024
	requestReadLen = 32
)

// Handshake authenticates incoming tunnel connections and registers the
// resulting Peer with a Manager.
type Handshake struct {
	Tokens  *token.Registry
	Peers   *peermanager.Manager
	Logger  *zap.Logger
	Timeout time.Duration
	MuxCfg  multiplexer.Config
	// ThrottleBytesPerSec applies to every accepted peer equally; per-peer
	// overrides are not modeled since the token format carries none.
	ThrottleBytesPerSec int
}

// Accept runs the handshake to completion on conn (already accepted by the
// caller's listener), registering a Peer on success. conn is closed by the
// caller or by Peer.Close on teardown; Accept never closes conn itself on
// the success path since the Peer now owns it.
func (h *Handshake) Accept(conn net.Conn) error {
	deadline := time.Now().Add(h.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("server: set handshake deadline: %w", err)
	}

	req := make([]byte, requestReadLen)
	if _, err := io.ReadFull(conn, req); err != nil {
		return snierr.NewTimeout("read challenge request")
	}

	var challenge [challengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return fmt.Errorf("server: generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge[:]); err != nil {
		return fmt.Errorf("server: write challenge: %w", err)
	}

	tok, err := readLengthPrefixed(conn, maxTokenSize)
	if err != nil {
		return snierr.NewTimeout("read token")
	}

	identity, claims, err := h.Tokens.Validate(tok, challenge, time.Now())
	if err != nil {
		// No response on authentication failure, per the spec: avoid
		// giving an attacker an oracle to distinguish failure reasons.
		if h.Logger != nil {
			h.Logger.Warn("handshake rejected", zap.Error(err))
		}
		return err
	}

	hostnames := make([]string, 0, len(claims.Hostnames))
	for _, raw := range claims.Hostnames {
		normalized, ok := peermanager.NormalizeHostname(raw)
		if !ok {
			return snierr.NewAuthentication("hostname %q is not representable as ASCII", raw)
		}
		hostnames = append(hostnames, normalized)
	}

	codec, err := crypto.NewCodec(claims.AESKey, claims.AESIV)
	if err != nil {
		return fmt.Errorf("server: build codec for peer %q: %w", identity, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("server: clear handshake deadline: %w", err)
	}

	p := peer.New(identity, hostnames, conn, codec, h.MuxCfg, h.Logger, claims.ValidUntil, h.ThrottleBytesPerSec)
	if err := h.Peers.Register(p); err != nil {
		p.Close()
		return fmt.Errorf("server: register peer %q: %w", identity, err)
	}

	if h.Logger != nil {
		h.Logger.Info("peer handshake complete",
			zap.String("identity", identity),
			zap.Strings("hostnames", hostnames))
	}
	return nil
}

func readLengthPrefixed(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > max {
		return nil, fmt.Errorf("length-prefixed read: %d exceeds max %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
