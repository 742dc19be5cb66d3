package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// LineChannel frames messages as newline-terminated lines over a stream
// connection.
type LineChannel struct {
	conn    net.Conn
	scanner *bufio.Scanner
	config  Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewLineChannel wraps an established connection.
func NewLineChannel(conn net.Conn, config Config) *LineChannel {
	scanner := bufio.NewScanner(conn)
	if config.MaxMessageSize > 0 {
		scanner.Buffer(make([]byte, 0, config.MaxMessageSize), config.MaxMessageSize)
	}
	return &LineChannel{
		conn:    conn,
		scanner: scanner,
		config:  config,
		closed:  make(chan struct{}),
	}
}

// DialLine opens a TCP connection to addr.
func DialLine(ctx context.Context, addr string, config Config) (*LineChannel, error) {
	dialer := net.Dialer{Timeout: config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLineChannel(conn, config), nil
}

// Send writes one line, bounded by the configured write timeout.
func (c *LineChannel) Send(text string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	_, err := io.WriteString(c.conn, text+"\n")
	return err
}

// Receive blocks for the next line. It returns io.EOF when the peer closes.
func (c *LineChannel) Receive() (string, error) {
	if c.scanner.Scan() {
		return strings.TrimRight(c.scanner.Text(), "\r"), nil
	}
	if err := c.scanner.Err(); err != nil {
		select {
		case <-c.closed:
			return "", ErrClosed
		default:
		}
		return "", err
	}
	return "", io.EOF
}

// Close is safe to call more than once.
func (c *LineChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address as host:port.
func (c *LineChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
