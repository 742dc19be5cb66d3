package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/subasta/go/internal/auction/events"
	"github.com/mcdev12/subasta/go/internal/auction/metrics"
	"github.com/mcdev12/subasta/go/internal/auction/protocol"
	"github.com/mcdev12/subasta/go/internal/auction/transport"
)

const waitTimeout = 2 * time.Second

var errBrokenPipe = errors.New("broken pipe")

// fakeChannel is an in-memory transport.Channel. Tests write client lines
// to in and read server lines from out.
type fakeChannel struct {
	addr string
	in   chan string
	out  chan string

	failSend  atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(addr string) *fakeChannel {
	return &fakeChannel{
		addr:   addr,
		in:     make(chan string, 16),
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Send(text string) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	if f.failSend.Load() {
		return errBrokenPipe
	}
	select {
	case f.out <- text:
		return nil
	default:
		return errors.New("fake channel buffer full")
	}
}

func (f *fakeChannel) Receive() (string, error) {
	select {
	case line, ok := <-f.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-f.closed:
		return "", transport.ErrClosed
	}
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) RemoteAddr() string { return f.addr }

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// next returns the next server message, failing the test on timeout.
func (f *fakeChannel) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case line := <-f.out:
		msg, err := protocol.Parse(line)
		require.NoError(t, err, "unparseable server line %q", line)
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("%s: no message from server", f.addr)
		return protocol.Message{}
	}
}

// waitFor skips messages until one of the given kind arrives.
func (f *fakeChannel) waitFor(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case line := <-f.out:
			msg, err := protocol.Parse(line)
			require.NoError(t, err, "unparseable server line %q", line)
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("%s: no %s message from server", f.addr, kind)
			return protocol.Message{}
		}
	}
}

// remaining returns every queued server message without waiting.
func (f *fakeChannel) remaining(t *testing.T) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		select {
		case line := <-f.out:
			msg, err := protocol.Parse(line)
			require.NoError(t, err)
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clockwork.FakeClock
	coord     *Coordinator
	publisher *recordingPublisher
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}

	cfg := DefaultCoordinatorConfig()
	cfg.ResetGrace = grace
	coord := NewCoordinator(cfg, clock, pub, nil, metrics.NewMetrics("test"))

	t.Cleanup(func() {
		cancel()
		coord.Shutdown()
	})

	return &harness{t: t, ctx: ctx, clock: clock, coord: coord, publisher: pub}
}

// join admits a fake peer and runs its session in the background.
func (h *harness) join(addr string) *fakeChannel {
	h.t.Helper()
	ch := newFakeChannel(addr)
	s, err := h.coord.Admit(ch, "tcp")
	require.NoError(h.t, err)
	go s.Run(h.ctx)
	return ch
}

// bid sends amount and returns the direct reply.
func (h *harness) bid(ch *fakeChannel, amount string) protocol.Message {
	h.t.Helper()
	ch.in <- amount
	msg, err := ch.awaitReply()
	require.NoError(h.t, err, "%s: bid %s", ch.addr, amount)
	return msg
}

// awaitReply skips pushes until an acknowledgement or error arrives. It is
// safe to call outside the test goroutine.
func (f *fakeChannel) awaitReply() (protocol.Message, error) {
	deadline := time.After(waitTimeout)
	for {
		select {
		case line := <-f.out:
			msg, err := protocol.Parse(line)
			if err != nil {
				return protocol.Message{}, err
			}
			if msg.Kind == protocol.KindAck || msg.Kind == protocol.KindError {
				return msg, nil
			}
		case <-deadline:
			return protocol.Message{}, fmt.Errorf("%s: no reply from server", f.addr)
		}
	}
}
