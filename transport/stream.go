package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/framing"
	"github.com/sirupsen/logrus"
)

const streamReadChunk = 16 * 1024

type listenerBox struct {
	l association.HandleEventListener
}

// streamChannel is a framed, possibly encrypted, connection. Reading starts
// paused; the coordinator opens the gate after a listener is attached.
type streamChannel struct {
	id           uint64
	conn         net.Conn
	writeTimeout time.Duration
	maxPayload   int
	shutting     *atomic.Bool
	onClose      func(*streamChannel)

	gate     *readGate
	listener atomic.Pointer[listenerBox]
	decoder  *framing.Decoder
	queue    *writeQueue

	done      chan struct{}
	drained   chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

type streamConfig struct {
	writeTimeout time.Duration
	maxPayload   int
	highWater    int
	lowWater     int
	shutting     *atomic.Bool
	onClose      func(*streamChannel)
}

func newStreamChannel(id uint64, conn net.Conn, cfg streamConfig) *streamChannel {
	c := &streamChannel{
		id:           id,
		conn:         conn,
		writeTimeout: cfg.writeTimeout,
		maxPayload:   cfg.maxPayload,
		shutting:     cfg.shutting,
		onClose:      cfg.onClose,
		gate:         newReadGate(),
		decoder:      framing.NewDecoder(cfg.maxPayload),
		queue:        newWriteQueue(cfg.highWater, cfg.lowWater),
		done:         make(chan struct{}),
		drained:      make(chan struct{}),
		flushed:      make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// ID implements association.Channel.
func (c *streamChannel) ID() uint64 { return c.id }

// LocalAddr implements association.Channel.
func (c *streamChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr implements association.Channel.
func (c *streamChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done implements association.Channel.
func (c *streamChannel) Done() <-chan struct{} { return c.done }

// Drained implements association.Drainer. It is closed when the read loop
// has exited, after its last delivery.
func (c *streamChannel) Drained() <-chan struct{} { return c.drained }

// Err implements association.Channel.
func (c *streamChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *streamChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Write frames payload and queues it for the writer goroutine.
func (c *streamChannel) Write(payload []byte) error {
	if c.closed() {
		return association.ErrChannelClosed
	}
	frame, err := framing.EncodeMax(payload, c.maxPayload)
	if err != nil {
		return err
	}
	return c.queue.push(frame)
}

// Writable reports whether the channel is open and below its high watermark.
func (c *streamChannel) Writable() bool {
	return !c.closed() && c.queue.isWritable()
}

func (c *streamChannel) setListener(l association.HandleEventListener) {
	c.listener.Store(&listenerBox{l: l})
}

// Disconnect flushes queued frames and half-closes the connection.
func (c *streamChannel) Disconnect(ctx context.Context) error {
	if c.closed() {
		return association.ErrChannelClosed
	}
	c.queue.close()

	select {
	case <-c.flushed:
	case <-c.done:
		return association.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close releases the connection. The close cause is ErrTransportShutdown
// while the engine is shutting down.
func (c *streamChannel) Close() error {
	return c.closeWith(nil)
}

func (c *streamChannel) closeWith(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		if c.shutting != nil && c.shutting.Load() {
			cause = association.ErrTransportShutdown
		}
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.done)
		c.queue.close()
		err = c.conn.Close()

		fields := logrus.Fields{
			"function":   "streamChannel.close",
			"channel_id": c.id,
			"remote":     c.conn.RemoteAddr(),
		}
		if cause != nil {
			fields["cause"] = cause.Error()
		}
		logrus.WithFields(fields).Debug("Stream channel closed")

		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// readLoop feeds the decoder and delivers complete frames to the listener.
func (c *streamChannel) readLoop() {
	defer close(c.drained)
	buf := make([]byte, streamReadChunk)
	for {
		if !c.gate.Wait(c.done) {
			return
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, ferr := c.decoder.Feed(buf[:n])
			c.deliver(frames)
			if ferr != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "streamChannel.readLoop",
					"channel_id": c.id,
					"remote":     c.conn.RemoteAddr(),
					"error":      ferr.Error(),
				}).Warn("Closing channel on oversized frame")
				_ = c.closeWith(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed() {
				_ = c.closeWith(nil)
			} else {
				_ = c.closeWith(err)
			}
			return
		}
	}
}

func (c *streamChannel) deliver(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	box := c.listener.Load()
	if box == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "streamChannel.deliver",
			"channel_id": c.id,
			"frames":     len(frames),
		}).Warn("Dropping frames read without a listener")
		return
	}
	for _, f := range frames {
		box.l.Notify(association.InboundPayload{Payload: f})
	}
}

// writeLoop drains the queue onto the connection.
func (c *streamChannel) writeLoop() {
	defer close(c.flushed)
	for {
		frame, ok := c.queue.next(c.done)
		if !ok {
			return
		}
		if c.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if _, err := c.conn.Write(frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "streamChannel.writeLoop",
				"channel_id": c.id,
				"remote":     c.conn.RemoteAddr(),
				"error":      err.Error(),
			}).Debug("Write failed, closing channel")
			_ = c.closeWith(err)
			return
		}
		c.queue.sent(len(frame))
	}
}

// streamBinder drives the read gate of stream channels.
type streamBinder struct{}

func (streamBinder) PauseReadable(ch association.Channel, _ net.Addr) {
	if sc, ok := ch.(*streamChannel); ok {
		sc.gate.Pause()
	}
}

func (streamBinder) AttachListener(h *association.Handle, l association.HandleEventListener) {
	if sc, ok := h.Channel().(*streamChannel); ok {
		sc.setListener(l)
	}
}

func (streamBinder) ResumeReadable(h *association.Handle) {
	if sc, ok := h.Channel().(*streamChannel); ok {
		sc.gate.Resume()
	}
}
