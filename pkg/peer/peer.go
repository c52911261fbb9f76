// Package peer holds one authenticated tunnel session: the transport, its
// multiplexer, the hostnames it owns, and the bookkeeping the PeerManager
// and dispatcher need to route outside connections into it.
package peer

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/multiplexer"
)

// Peer is one client's live tunnel.
type Peer struct {
	Identity string

	mu        sync.RWMutex
	hostnames map[string]struct{}

	conn   net.Conn
	mux    *multiplexer.Multiplexer
	logger *zap.Logger

	expiresAt    time.Time
	lastActivity int64 // unix nano, via sync/atomic

	limiter *rate.Limiter // nil when unthrottled

	closeOnce sync.Once
}

// New constructs a Peer around an already-open transport and starts its
// multiplexer. hostnames must be pre-normalized (lowercase ASCII) by the
// caller (the handshake), since normalization rules live at that boundary.
func New(identity string, hostnames []string, conn net.Conn, codec *crypto.Codec, cfg multiplexer.Config, logger *zap.Logger, expiresAt time.Time, throttleBytesPerSec int) *Peer {
	hset := make(map[string]struct{}, len(hostnames))
	for _, h := range hostnames {
		hset[h] = struct{}{}
	}

	var limiter *rate.Limiter
	if throttleBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(throttleBytesPerSec), throttleBytesPerSec)
	}

	p := &Peer{
		Identity:  identity,
		hostnames: hset,
		conn:      conn,
		mux:       multiplexer.New(conn, codec, logger, cfg),
		logger:    logger,
		expiresAt: expiresAt,
		limiter:   limiter,
	}
	atomic.StoreInt64(&p.lastActivity, time.Now().UnixNano())
	return p
}

// Hostnames returns a snapshot of the hostnames this peer currently owns.
func (p *Peer) Hostnames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.hostnames))
	for h := range p.hostnames {
		out = append(out, h)
	}
	return out
}

// HasHostname reports whether h is currently owned by this peer.
func (p *Peer) HasHostname(h string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.hostnames[h]
	return ok
}

// RemoveHostname drops h from this peer's set, returning true if the peer
// now owns no hostnames at all (the PeerManager closes such peers).
func (p *Peer) RemoveHostname(h string) (empty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hostnames, h)
	return len(p.hostnames) == 0
}

// Expired reports whether the peer's token has passed its validity window.
func (p *Peer) Expired(now time.Time) bool {
	return !p.expiresAt.After(now)
}

// Multiplexer returns the peer's multiplexer for channel creation.
func (p *Peer) Multiplexer() *multiplexer.Multiplexer { return p.mux }

// Touch records activity, bumped by the dispatcher after each chunk it
// forwards from an outside connection into one of this peer's channels.
func (p *Peer) Touch() { atomic.StoreInt64(&p.lastActivity, time.Now().UnixNano()) }

// LastActivity returns the last time Touch was called.
func (p *Peer) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&p.lastActivity))
}

// Throttle blocks until n bytes are permitted under the peer's byte-rate
// limit, or returns immediately if the peer is unthrottled.
func (p *Peer) Throttle(n int) {
	if p.limiter == nil {
		return
	}
	// Both WaitN and ReserveN refuse a request larger than the bucket's
	// burst size, and dispatcher writes are chunked to MaxData which may
	// exceed a low configured throttle's burst, so reserve in pieces of at
	// most one burst each.
	for n > 0 {
		step := n
		if burst := p.limiter.Burst(); step > burst {
			step = burst
		}
		r := p.limiter.ReserveN(time.Now(), step)
		if !r.OK() {
			return
		}
		time.Sleep(r.Delay())
		n -= step
	}
}

// Close tears the peer down: closes the multiplexer (which half-closes
// every channel and drains pending writes) and the underlying transport.
// Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.mux.Close()
		if p.logger != nil {
			p.logger.Info("peer closed", zap.String("identity", p.Identity))
		}
	})
	return err
}
