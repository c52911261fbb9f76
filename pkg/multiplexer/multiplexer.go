// Package multiplexer implements SniTun's framed, flow-controlled,
// encrypted stream-of-streams: many logical Channels multiplexed over one
// TCP transport, with a single reader goroutine demultiplexing incoming
// frames and a single writer goroutine draining one shared outgoing FIFO.
package multiplexer

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/frame"
	"github.com/moovy2/snitun/pkg/snierr"
)

// outFrame is one entry in the multiplexer's single shared writer FIFO.
type outFrame struct {
	id      frame.ChannelID
	typ     frame.Type
	extra   [frame.ExtraSize]byte
	payload []byte
}

// Multiplexer runs the reader/writer pair over one TCP connection and owns
// the channel table for a single peer session.
type Multiplexer struct {
	conn   net.Conn
	codec  *crypto.Codec
	logger *zap.Logger
	config Config

	writeCh      chan outFrame
	newChannelCh chan *Channel

	mu       sync.Mutex
	channels map[frame.ChannelID]*Channel
	closed   bool
	closeErr error
	doneCh   chan struct{}
	closeOne sync.Once

	pingMu      sync.Mutex
	pingWaiters map[[10]byte]chan struct{}

	group *errgroup.Group
}

// New starts a Multiplexer's reader and writer goroutines over conn, using
// codec for per-frame AES-CBC encryption. logger must not be nil.
func New(conn net.Conn, codec *crypto.Codec, logger *zap.Logger, cfg Config) *Multiplexer {
	cfg = cfg.withDefaults()
	m := &Multiplexer{
		conn:         conn,
		codec:        codec,
		logger:       logger,
		config:       cfg,
		writeCh:      make(chan outFrame, writeQueueDepth),
		newChannelCh: make(chan *Channel, cfg.NewChannelBacklog),
		channels:     make(map[frame.ChannelID]*Channel),
		doneCh:       make(chan struct{}),
		pingWaiters:  make(map[[10]byte]chan struct{}),
	}

	group := &errgroup.Group{}
	group.Go(m.readLoop)
	group.Go(m.writeLoop)
	m.group = group
	return m
}

// CreateChannel allocates a fresh channel id, transmits NEW, and returns a
// Channel ready for I/O. The hostname is carried in NEW's payload, with its
// length in the first extra byte, for the remote side's informational use
// (e.g. the client logging which backend a freshly dispatched channel is
// for).
func (m *Multiplexer) CreateChannel(ctx context.Context, hostname string) (*Channel, error) {
	if len(hostname) > 256 {
		return nil, fmt.Errorf("multiplexer: hostname %q exceeds 256 bytes", hostname)
	}

	id := newChannelID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, snierr.NewMultiplexerTransport(m.closeErr)
	}
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		return nil, snierr.NewProtocol("generated channel id collides with a live channel")
	}
	ch := newChannel(id, hostname, m)
	m.channels[id] = ch
	m.mu.Unlock()

	var extra [frame.ExtraSize]byte
	hn := []byte(hostname)
	if len(hn) > 255 {
		hn = hn[:255]
	}
	extra[0] = byte(len(hn))

	if err := m.submit(ctx, outFrame{id: id, typ: frame.TypeNew, extra: extra, payload: hn}); err != nil {
		m.removeChannel(id)
		return nil, err
	}
	return ch, nil
}

// WaitForChannel yields the next remotely-opened channel, FIFO order.
func (m *Multiplexer) WaitForChannel(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-m.newChannelCh:
		return ch, nil
	case <-m.doneCh:
		return nil, snierr.NewMultiplexerTransport(m.closeErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping emits a PING with a random tag and waits up to timeout for the
// matching echo.
func (m *Multiplexer) Ping(ctx context.Context, timeout time.Duration) error {
	var tag [10]byte
	if _, err := rand.Read(tag[:]); err != nil {
		return fmt.Errorf("multiplexer: generate ping tag: %w", err)
	}

	waiter := make(chan struct{})
	m.pingMu.Lock()
	m.pingWaiters[tag] = waiter
	m.pingMu.Unlock()
	defer func() {
		m.pingMu.Lock()
		delete(m.pingWaiters, tag)
		m.pingMu.Unlock()
	}()

	var extra [frame.ExtraSize]byte
	extra[0] = 0
	copy(extra[1:], tag[:])
	if err := m.submit(ctx, outFrame{typ: frame.TypePing, extra: extra}); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return nil
	case <-timer.C:
		return snierr.NewTimeout("ping")
	case <-m.doneCh:
		return snierr.NewMultiplexerTransport(m.closeErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close half-closes every channel, drains pending writes up to
// CloseDrainTimeout, and closes the transport. Safe to call more than once.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		// Already torn down (possibly by the reader or writer on a
		// transport or protocol error); still make sure the transport
		// itself is closed.
		_ = m.conn.Close()
		return nil
	}
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	var errs error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	m.waitForDrain(m.config.CloseDrainTimeout)
	m.teardown(nil)

	if err := m.conn.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// waitForDrain gives the writer goroutine a bounded window to flush frames
// already queued (CLOSE frames from the half-close above, mostly) before
// Close forces the transport shut.
func (m *Multiplexer) waitForDrain(budget time.Duration) {
	deadline := time.Now().Add(budget)
	for len(m.writeCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// submit enqueues a frame on the shared writer FIFO. The FIFO ordering of
// the underlying Go channel is what gives every channel with a pending
// frame bounded-iteration progress: there is exactly one writer goroutine
// draining exactly one queue, so no channel can be starved by another.
func (m *Multiplexer) submit(ctx context.Context, f outFrame) error {
	select {
	case m.writeCh <- f:
		return nil
	case <-m.doneCh:
		return snierr.NewMultiplexerTransport(m.closeErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Multiplexer) removeChannel(id frame.ChannelID) {
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
}

func (m *Multiplexer) lookupChannel(id frame.ChannelID) *Channel {
	m.mu.Lock()
	ch := m.channels[id]
	m.mu.Unlock()
	return ch
}

func (m *Multiplexer) readLoop() error {
	for {
		fr, err := frame.Decode(m.conn, m.codec)
		if err != nil {
			m.teardown(err)
			return err
		}
		if err := m.dispatch(fr); err != nil {
			m.teardown(err)
			return err
		}
	}
}

func (m *Multiplexer) dispatch(fr *frame.Frame) error {
	switch fr.Type {
	case frame.TypeNew:
		return m.handleNew(fr)
	case frame.TypeData:
		if ch := m.lookupChannel(fr.ChannelID); ch != nil {
			ch.enqueueIncoming(fr.Payload)
		}
		return nil
	case frame.TypeClose:
		if ch := m.lookupChannel(fr.ChannelID); ch != nil {
			ch.markRemoteClosed()
		}
		return nil
	case frame.TypePause:
		if ch := m.lookupChannel(fr.ChannelID); ch != nil {
			ch.setPausedRemote(true)
		}
		return nil
	case frame.TypeResume:
		if ch := m.lookupChannel(fr.ChannelID); ch != nil {
			ch.setPausedRemote(false)
		}
		return nil
	case frame.TypePing:
		return m.handlePing(fr)
	default:
		return snierr.NewProtocol("unhandled frame type %s", fr.Type)
	}
}

func (m *Multiplexer) handleNew(fr *frame.Frame) error {
	hostname := decodeHostnameExtra(fr.Extra, fr.Payload)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if _, exists := m.channels[fr.ChannelID]; exists {
		m.mu.Unlock()
		return snierr.NewProtocol("NEW for already-live channel id %s", fr.ChannelID)
	}
	ch := newChannel(fr.ChannelID, hostname, m)
	m.channels[fr.ChannelID] = ch
	m.mu.Unlock()

	select {
	case m.newChannelCh <- ch:
		return nil
	case <-m.doneCh:
		return nil
	}
}

func decodeHostnameExtra(extra [frame.ExtraSize]byte, payload []byte) string {
	n := int(extra[0])
	if n > len(payload) {
		n = len(payload)
	}
	return string(payload[:n])
}

func (m *Multiplexer) handlePing(fr *frame.Frame) error {
	var tag [10]byte
	copy(tag[:], fr.Extra[1:])

	if fr.Extra[0] == 0 {
		var extra [frame.ExtraSize]byte
		extra[0] = 1
		copy(extra[1:], tag[:])
		return m.submit(context.Background(), outFrame{id: fr.ChannelID, typ: frame.TypePing, extra: extra})
	}

	m.pingMu.Lock()
	waiter, ok := m.pingWaiters[tag]
	if ok {
		delete(m.pingWaiters, tag)
	}
	m.pingMu.Unlock()
	if ok {
		close(waiter)
	}
	return nil
}

func (m *Multiplexer) writeLoop() error {
	for {
		select {
		case f := <-m.writeCh:
			wire, err := frame.Encode(m.codec, f.id, f.typ, f.extra, f.payload)
			if err != nil {
				m.teardown(err)
				return err
			}
			if _, err := m.conn.Write(wire); err != nil {
				m.teardown(err)
				return err
			}
			if f.typ == frame.TypeData {
				if ch := m.lookupChannel(f.id); ch != nil {
					ch.onWriteFlushed(len(f.payload))
				}
			}
		case <-m.doneCh:
			return nil
		}
	}
}

// teardown tears the whole session down exactly once: it marks the
// multiplexer closed, wakes every channel with a transport error, and
// unblocks anyone waiting in WaitForChannel/Ping/Close.
func (m *Multiplexer) teardown(cause error) {
	m.closeOne.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.closeErr = cause
		channels := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			channels = append(channels, ch)
		}
		m.channels = make(map[frame.ChannelID]*Channel)
		m.mu.Unlock()

		for _, ch := range channels {
			ch.abort(snierr.NewMultiplexerTransport(cause))
		}
		close(m.doneCh)

		if m.logger != nil {
			m.logger.Debug("multiplexer torn down", zap.Error(cause), zap.Int("channels_aborted", len(channels)))
		}
	})
}

func newChannelID() frame.ChannelID {
	var id frame.ChannelID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}
