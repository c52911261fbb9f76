package server

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moovy2/snitun/pkg/frame"
	"github.com/moovy2/snitun/pkg/peer"
	"github.com/moovy2/snitun/pkg/peermanager"
	"github.com/moovy2/snitun/pkg/sni"
)

const (
	maxRequestsPerWindow = 200
	ipWindow             = 30 * time.Second
)

// Dispatcher accepts outside TLS connections, extracts SNI, and routes them
// into the matching peer's multiplexer as new channels.
type Dispatcher struct {
	Peers       *peermanager.Manager
	Logger      *zap.Logger
	ReadTimeout time.Duration

	ipCache *cache.Cache
}

// NewDispatcher builds a Dispatcher with its per-IP rate-limit cache ready,
// the same TTL-cache-as-rate-limiter shape as the teacher's server
// listener, applied here to the SNI endpoint instead of the tunnel port.
func NewDispatcher(peers *peermanager.Manager, logger *zap.Logger, readTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Peers:       peers,
		Logger:      logger,
		ReadTimeout: readTimeout,
		ipCache:     cache.New(ipWindow, time.Minute),
	}
}

// Handle services one accepted outside connection end to end: SNI parse,
// peer lookup, channel open, and bidirectional splice until either side
// closes. It never panics or lets an error escape to the caller's accept
// loop; every failure is logged and the connection is dropped.
func (d *Dispatcher) Handle(conn net.Conn) {
	defer conn.Close()

	clientIP := remoteIP(conn)
	if d.tooManyRequests(clientIP) {
		if d.Logger != nil {
			d.Logger.Warn("dropping connection: too many requests", zap.String("ip", clientIP))
		}
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(d.ReadTimeout)); err != nil {
		return
	}
	buf := make([]byte, sni.MaxClientHello)
	n, err := io.ReadAtLeast(conn, buf, 1)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Debug("dropping connection: read error before SNI", zap.Error(err))
		}
		return
	}
	hostname, err := sni.Extract(buf[:n])
	if err != nil {
		if d.Logger != nil {
			d.Logger.Debug("dropping connection: no usable SNI", zap.Error(err))
		}
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	p, ok := d.Peers.GetByHostname(hostname)
	if !ok {
		if d.Logger != nil {
			d.Logger.Debug("dropping connection: unknown hostname", zap.String("hostname", hostname))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.ReadTimeout)
	channel, err := p.Multiplexer().CreateChannel(ctx, hostname)
	cancel()
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("dropping connection: channel open failed",
				zap.String("hostname", hostname), zap.Error(err))
		}
		return
	}
	defer channel.Close()

	p.Throttle(n)
	if _, err := channel.Write(buf[:n]); err != nil {
		return
	}
	p.Touch()

	g := &errgroup.Group{}
	g.Go(func() error {
		err := throttledCopy(channel, conn, p)
		channel.Close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(conn, channel)
		conn.Close()
		return err
	})
	_ = g.Wait()
}

// throttledCopy copies from src to dst in frame.MaxData-sized chunks,
// gating each chunk through the peer's byte-rate limiter and bumping its
// activity clock, so the throttle governs the whole stream rather than
// only the first chunk written into the channel.
func throttledCopy(dst io.Writer, src io.Reader, p *peer.Peer) error {
	buf := make([]byte, frame.MaxData)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			p.Throttle(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			p.Touch()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (d *Dispatcher) tooManyRequests(ip string) bool {
	if ip == "" {
		return false
	}
	if count, found := d.ipCache.Get(ip); found {
		if count.(int) >= maxRequestsPerWindow {
			return true
		}
		d.ipCache.Increment(ip, 1)
		return false
	}
	d.ipCache.Set(ip, 1, cache.DefaultExpiration)
	return false
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
