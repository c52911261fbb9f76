package multiplexer

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/moovy2/snitun/pkg/frame"
	"github.com/moovy2/snitun/pkg/snierr"
)

// Channel is one logical bidirectional stream multiplexed over a Peer's
// tunnel. It satisfies net.Conn so the outside dispatcher and the client
// worker can hand it straight to io.Copy.
type Channel struct {
	id       frame.ChannelID
	hostname string
	mux      *Multiplexer // back-reference for emitting frames; never extends mux's lifetime

	mu           sync.Mutex
	cond         *sync.Cond
	localOpen    bool
	remoteOpen   bool
	pausedRemote bool // remote asked us to stop sending DATA
	sentPause    bool // we've asked remote to stop sending DATA, not yet resumed
	pendingWrite int  // bytes submitted to the writer but not yet flushed
	err          error

	incoming    [][]byte
	incomingLen int
	closeOnce   sync.Once
}

func newChannel(id frame.ChannelID, hostname string, mux *Multiplexer) *Channel {
	c := &Channel{
		id:         id,
		hostname:   hostname,
		mux:        mux,
		localOpen:  true,
		remoteOpen: true,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the channel's wire identifier.
func (c *Channel) ID() frame.ChannelID { return c.id }

// Hostname returns the hostname this channel was opened for (informational).
func (c *Channel) Hostname() string { return c.hostname }

// Write fragments data into at-most-MaxData chunks and queues each on the
// multiplexer's writer, blocking while the channel's own outgoing queue is
// above WriteCap or the remote has asked us to pause, i.e. applying
// backpressure to the caller. It returns once all of data is queued, not
// once it's been written to the wire.
func (c *Channel) Write(data []byte) (int, error) {
	return c.WriteContext(context.Background(), data)
}

// WriteContext is Write with cancellation.
func (c *Channel) WriteContext(ctx context.Context, data []byte) (int, error) {
	written := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > frame.MaxData {
			chunk = chunk[:frame.MaxData]
		}

		if err := c.waitForWriteSlot(ctx, len(chunk)); err != nil {
			return written, err
		}

		var extra [frame.ExtraSize]byte
		if err := c.mux.submit(ctx, outFrame{id: c.id, typ: frame.TypeData, extra: extra, payload: chunk}); err != nil {
			c.mu.Lock()
			c.pendingWrite -= len(chunk)
			c.mu.Unlock()
			return written, err
		}

		written += len(chunk)
		data = data[len(chunk):]
	}
	return written, nil
}

func (c *Channel) waitForWriteSlot(ctx context.Context, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if !c.localOpen {
			return snierr.NewMultiplexerTransport(c.err)
		}
		if !c.pausedRemote && c.pendingWrite+n <= c.mux.config.WriteCap {
			c.pendingWrite += n
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wake periodically to notice context cancellation even though
		// cond has no native context support.
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.cond.Broadcast()
			case <-waitDone:
			}
		}()
		c.cond.Wait()
		close(waitDone)
	}
}

// onWriteFlushed is called by the multiplexer's writer goroutine once a
// DATA chunk has actually been written to the transport.
func (c *Channel) onWriteFlushed(n int) {
	c.mu.Lock()
	c.pendingWrite -= n
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Read returns the next available chunk of data, or io.EOF once the remote
// has closed and the incoming queue has drained.
func (c *Channel) Read(buf []byte) (int, error) {
	return c.ReadContext(context.Background(), buf)
}

// ReadContext is Read with cancellation.
func (c *Channel) ReadContext(ctx context.Context, buf []byte) (int, error) {
	c.mu.Lock()
	for len(c.incoming) == 0 {
		if !c.remoteOpen {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return 0, err
		}
		if ctx.Err() != nil {
			c.mu.Unlock()
			return 0, ctx.Err()
		}
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.cond.Broadcast()
			case <-waitDone:
			}
		}()
		c.cond.Wait()
		close(waitDone)
	}

	chunk := c.incoming[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		c.incoming[0] = chunk[n:]
	} else {
		c.incoming = c.incoming[1:]
	}
	c.incomingLen -= n

	shouldResume := c.sentPause && c.incomingLen <= c.mux.config.LowWater
	if shouldResume {
		c.sentPause = false
	}
	finalize := !c.localOpen && !c.remoteOpen && len(c.incoming) == 0
	c.mu.Unlock()

	if shouldResume {
		c.emitControl(frame.TypeResume)
	}
	if finalize {
		c.mux.removeChannel(c.id)
	}
	return n, nil
}

// enqueueIncoming is called by the multiplexer's reader goroutine when a
// DATA frame arrives for this channel. It appends payload to the incoming
// queue and, if the queue crosses HighWater, emits PAUSE to the remote.
func (c *Channel) enqueueIncoming(payload []byte) {
	if len(payload) == 0 {
		return
	}
	c.mu.Lock()
	if !c.remoteOpen {
		c.mu.Unlock()
		return
	}
	buf := append([]byte(nil), payload...)
	c.incoming = append(c.incoming, buf)
	c.incomingLen += len(buf)
	shouldPause := !c.sentPause && c.incomingLen >= c.mux.config.HighWater
	if shouldPause {
		c.sentPause = true
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if shouldPause {
		c.emitControl(frame.TypePause)
	}
}

// markRemoteClosed is called by the reader goroutine on a CLOSE frame.
func (c *Channel) markRemoteClosed() {
	c.mu.Lock()
	c.remoteOpen = false
	finalize := !c.localOpen && len(c.incoming) == 0
	c.cond.Broadcast()
	c.mu.Unlock()
	if finalize {
		c.mux.removeChannel(c.id)
	}
}

// setPausedRemote is called by the reader goroutine on PAUSE/RESUME frames.
func (c *Channel) setPausedRemote(paused bool) {
	c.mu.Lock()
	c.pausedRemote = paused
	c.cond.Broadcast()
	c.mu.Unlock()
}

// abort is called by the multiplexer on teardown: it wakes every blocked
// Read/Write with a transport error, without emitting any more frames.
func (c *Channel) abort(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.localOpen = false
	c.remoteOpen = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close half-closes the channel from the local side, emitting CLOSE at
// most once. Idempotent; subsequent writes after Close fail with
// MultiplexerTransportError.
func (c *Channel) Close() error {
	var finalize bool
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.localOpen = false
		finalize = !c.remoteOpen && len(c.incoming) == 0
		c.cond.Broadcast()
		c.mu.Unlock()
		err = c.emitControl(frame.TypeClose)
	})
	if finalize {
		c.mux.removeChannel(c.id)
	}
	return err
}

func (c *Channel) emitControl(t frame.Type) error {
	var extra [frame.ExtraSize]byte
	// A transport already gone by the time we emit CLOSE/PAUSE/RESUME is
	// not itself an error worth surfacing to most callers (the channel is
	// closing anyway), but Close() does propagate it so a caller tearing
	// down many channels can see which ones failed to flush their CLOSE.
	return c.mux.submit(context.Background(), outFrame{id: c.id, typ: t, extra: extra})
}

// net.Conn plumbing below, so Channel can be spliced with io.Copy.

func (c *Channel) LocalAddr() net.Addr  { return c.mux.conn.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.mux.conn.RemoteAddr() }

func (c *Channel) SetDeadline(t time.Time) error     { return nil }
func (c *Channel) SetReadDeadline(t time.Time) error  { return nil }
func (c *Channel) SetWriteDeadline(t time.Time) error { return nil }
