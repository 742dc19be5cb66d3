package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a channel that was closed locally.
var ErrClosed = errors.New("channel closed")

// Channel is a reliable, ordered, text-message connection to one peer.
// Send may be called concurrently with Receive, but Receive itself must
// only be called from one goroutine.
type Channel interface {
	Send(text string) error
	Receive() (string, error)
	Close() error
	RemoteAddr() string
}

// Config holds framing and timeout settings shared by all channel kinds.
type Config struct {
	WriteTimeout   time.Duration
	MaxMessageSize int
	DialTimeout    time.Duration
}

// DefaultConfig returns the settings used by the server and console client.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024,
		DialTimeout:    5 * time.Second,
	}
}

// Dial connects to target, which is either host:port for the line protocol
// over TCP or a ws:// / wss:// URL for the WebSocket endpoint.
func Dial(ctx context.Context, target string, cfg Config) (Channel, error) {
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		ch, err := DialWebSocket(ctx, target, cfg)
		if err != nil {
			return nil, fmt.Errorf("dial websocket %s: %w", target, err)
		}
		return ch, nil
	}

	ch, err := DialLine(ctx, target, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", target, err)
	}
	return ch, nil
}
