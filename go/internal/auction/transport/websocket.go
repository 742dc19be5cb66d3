package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSChannel carries one protocol message per WebSocket text frame.
type WSChannel struct {
	conn   *websocket.Conn
	config Config
	addr   string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSChannel wraps an upgraded or dialed WebSocket connection. addr is
// used as the peer identity; pass an empty string to use the socket address.
func NewWSChannel(conn *websocket.Conn, addr string, config Config) *WSChannel {
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(config.MaxMessageSize))
	}
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &WSChannel{
		conn:   conn,
		config: config,
		addr:   addr,
		closed: make(chan struct{}),
	}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, config Config) (*WSChannel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: config.DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn, "", config), nil
}

func (c *WSChannel) Send(text string) error {
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
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Receive returns io.EOF on a normal close from the peer.
func (c *WSChannel) Receive() (string, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return "", ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if msgType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSChannel) RemoteAddr() string {
	return c.addr
}
