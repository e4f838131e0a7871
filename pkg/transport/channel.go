package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cretz/omm/pkg/log"
	"github.com/google/uuid"
)

var (
	// ErrWouldBlock is returned by GetBuffer when every output buffer is in
	// use. The caller should retry after a short delay.
	ErrWouldBlock    = errors.New("would block")
	ErrChannelClosed = errors.New("channel closed")
)

type Channel interface {
	// GetBuffer reserves an output buffer with capacity for at least size
	// bytes. It never blocks; ErrWouldBlock is returned when the pool is
	// exhausted.
	GetBuffer(size int) (*Buffer, error)
	// Write queues the buffer for sending and takes ownership of it. Writing
	// does not wait for the network.
	Write(*Buffer) error
	// ReleaseBuffer returns a buffer that will not be written.
	ReleaseBuffer(*Buffer)
	// Read blocks for the next inbound message. Messages are returned in the
	// order received. Once the remote side closes, io.EOF is returned after
	// every queued message.
	Read(context.Context) ([]byte, error)
	Info() Info
	// Safe to call multiple times
	Close() error
}

type Info struct {
	// Unique per channel
	ID         string
	Type       string
	RemoteAddr string
}

type Buffer struct {
	Data []byte
	ch   *channel
}

type ChannelConfig struct {
	// If zero, 100
	OutputBuffers int
	// If zero, 100
	InputQueue int
	// If zero, 16MB
	MaxMessageSize int
	// If empty, uses log.NopLog
	Log log.Log
}

func (c *ChannelConfig) applyDefaults() {
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = 100
	}
	if c.InputQueue <= 0 {
		c.InputQueue = 100
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
	if c.Log == nil {
		c.Log = log.NopLog()
	}
}

// frameConn is a message oriented connection. ReadFrame and WriteFrame are
// each called from a single goroutine.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
	RemoteAddr() string
}

type channel struct {
	config ChannelConfig
	conn   frameConn
	info   Info
	free   chan *Buffer
	out    chan *Buffer
	in     chan []byte
	done   chan struct{}

	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
	errLock    sync.RWMutex // Governs fields below
	readErr    error
	writeErr   error
}

func newChannel(conn frameConn, typ string, config ChannelConfig) *channel {
	config.applyDefaults()
	c := &channel{
		config: config,
		conn:   conn,
		info:   Info{ID: uuid.New().String(), Type: typ, RemoteAddr: conn.RemoteAddr()},
		free:   make(chan *Buffer, config.OutputBuffers),
		out:    make(chan *Buffer, config.OutputBuffers),
		in:     make(chan []byte, config.InputQueue),
		done:   make(chan struct{}),

		writerDone: make(chan struct{}),
	}
	for i := 0; i < config.OutputBuffers; i++ {
		c.free <- &Buffer{ch: c}
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *channel) Info() Info { return c.info }

func (c *channel) GetBuffer(size int) (*Buffer, error) {
	if c.closed() {
		return nil, ErrChannelClosed
	} else if size > c.config.MaxMessageSize {
		return nil, fmt.Errorf("message size %v exceeds max %v", size, c.config.MaxMessageSize)
	}
	select {
	case b := <-c.free:
		if cap(b.Data) < size {
			b.Data = make([]byte, 0, size)
		}
		b.Data = b.Data[:0]
		return b, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (c *channel) ReleaseBuffer(b *Buffer) {
	if b == nil || b.ch != c {
		return
	}
	select {
	case c.free <- b:
	default:
	}
}

func (c *channel) Write(b *Buffer) error {
	if b == nil || b.ch != c {
		return fmt.Errorf("buffer not from this channel")
	}
	c.errLock.RLock()
	writeErr := c.writeErr
	c.errLock.RUnlock()
	if writeErr != nil {
		c.ReleaseBuffer(b)
		return writeErr
	} else if c.closed() {
		c.ReleaseBuffer(b)
		return ErrChannelClosed
	}
	// Never blocks since there are only as many buffers as queue slots
	c.out <- b
	return nil
}

func (c *channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-c.in:
		if !ok {
			c.errLock.RLock()
			defer c.errLock.RUnlock()
			return nil, c.readErr
		}
		return b, nil
	}
}

func (c *channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close flushes queued writes for up to closeFlushTimeout before closing the
// connection.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		select {
		case <-c.writerDone:
		case <-time.After(closeFlushTimeout):
			c.config.Log.Debugf("Channel %v closing with unflushed writes", c.info.ID)
		}
		c.errLock.RLock()
		failed := c.writeErr != nil
		c.errLock.RUnlock()
		// A failed writer already closed the connection
		if !failed {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

const closeFlushTimeout = time.Second

func (c *channel) readLoop() {
	defer close(c.in)
	for {
		b, err := c.conn.ReadFrame()
		if err != nil {
			if c.closed() {
				err = ErrChannelClosed
			} else if !errors.Is(err, io.EOF) {
				c.config.Log.Debugf("Channel %v read failed: %v", c.info.ID, err)
			}
			c.errLock.Lock()
			c.readErr = err
			c.errLock.Unlock()
			return
		}
		select {
		case c.in <- b:
		case <-c.done:
			c.errLock.Lock()
			c.readErr = ErrChannelClosed
			c.errLock.Unlock()
			return
		}
	}
}

func (c *channel) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			// Flush what is already queued
			for {
				select {
				case b := <-c.out:
					if !c.writeFrame(b) {
						return
					}
				default:
					return
				}
			}
		case b := <-c.out:
			if !c.writeFrame(b) {
				return
			}
		}
	}
}

func (c *channel) writeFrame(b *Buffer) bool {
	err := c.conn.WriteFrame(b.Data)
	c.ReleaseBuffer(b)
	if err == nil {
		return true
	}
	c.config.Log.Debugf("Channel %v write failed: %v", c.info.ID, err)
	c.errLock.Lock()
	c.writeErr = fmt.Errorf("failed writing: %w", err)
	c.errLock.Unlock()
	c.conn.Close()
	return false
}

// WriteMessage copies b into a buffer and writes it.
func WriteMessage(c Channel, b []byte) error {
	buf, err := c.GetBuffer(len(b))
	if err != nil {
		return err
	}
	buf.Data = append(buf.Data, b...)
	return c.Write(buf)
}
