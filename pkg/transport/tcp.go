package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// streamConn frames messages on a byte stream with a 4 byte big endian
// length prefix.
type streamConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int
	// Only one frame is written at a time
	writeLock sync.Mutex
}

func newStreamConn(conn net.Conn, maxSize int) *streamConn {
	return &streamConn{conn: conn, reader: bufio.NewReader(conn), maxSize: maxSize}
}

func (s *streamConn) ReadFrame() ([]byte, error) {
	// Get msg size
	byts := make([]byte, 4)
	if _, err := io.ReadFull(s.reader, byts); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed reading size: %w", err)
		}
		return nil, err
	}
	msgSize := binary.BigEndian.Uint32(byts)
	if s.maxSize > 0 && int(msgSize) > s.maxSize {
		return nil, fmt.Errorf("message size %v exceeds max %v", msgSize, s.maxSize)
	}
	// Get actual message
	byts = make([]byte, msgSize)
	if _, err := io.ReadFull(s.reader, byts); err != nil {
		return nil, fmt.Errorf("failed reading message: %w", err)
	}
	return byts, nil
}

func (s *streamConn) WriteFrame(b []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	frame := make([]byte, 4, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	if _, err := s.conn.Write(append(frame, b...)); err != nil {
		return fmt.Errorf("failed writing frame: %w", err)
	}
	return nil
}

func (s *streamConn) Close() error { return s.conn.Close() }

func (s *streamConn) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// NewStreamChannel frames an existing connection. The channel owns conn.
func NewStreamChannel(conn net.Conn, config ChannelConfig) Channel {
	config.applyDefaults()
	return newChannel(newStreamConn(conn, config.MaxMessageSize), "tcp", config)
}

// DialTCP connects to a provider's socket listener.
func DialTCP(ctx context.Context, addr string, config ChannelConfig) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed dialing %v: %w", addr, err)
	}
	return NewStreamChannel(conn, config), nil
}

type Listener interface {
	// Blocks until a connection is accepted or the listener is closed
	Accept() (Channel, error)
	Addr() net.Addr
	Close() error
}

type tcpListener struct {
	net.Listener
	config ChannelConfig
}

// ListenTCP listens on addr. If addr is empty, ":0" is used.
func ListenTCP(addr string, config ChannelConfig) (Listener, error) {
	if addr == "" {
		addr = ":0"
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed listening on %v: %w", addr, err)
	}
	return &tcpListener{Listener: l, config: config}, nil
}

func (t *tcpListener) Accept() (Channel, error) {
	conn, err := t.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamChannel(conn, t.config), nil
}

// Pipe returns two connected in-memory channels.
func Pipe(config ChannelConfig) (Channel, Channel) {
	config.applyDefaults()
	a, b := net.Pipe()
	return newChannel(newStreamConn(a, config.MaxMessageSize), "pipe", config),
		newChannel(newStreamConn(b, config.MaxMessageSize), "pipe", config)
}
