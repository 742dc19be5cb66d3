// Package client implements the bidder side of the auction protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/subasta/go/internal/auction/protocol"
	"github.com/mcdev12/subasta/go/internal/auction/transport"
)

var (
	// ErrTimeout is returned when no acknowledgement arrives for a bid in time.
	ErrTimeout = errors.New("timed out waiting for bid acknowledgement")

	// ErrClosed is returned once the connection to the server is gone.
	ErrClosed = errors.New("auction connection closed")

	// ErrNoResult is returned when the connection ends without a winner
	// announcement, which is how a round with no winner finishes.
	ErrNoResult = errors.New("round ended without a result")
)

// RejectedError carries the reason of an ERROR reply.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by server: %s", e.Reason)
}

// Result is the server's acknowledgement of a bid.
type Result struct {
	LeaderID         string
	HighestAmount    decimal.Decimal
	SecondsRemaining int64
	Leading          bool
}

// Outcome is the final announcement of a round.
type Outcome struct {
	WinnerID      string
	WinningAmount decimal.Decimal
}

// Won reports whether this outcome names the bidder. The bidder's id is
// only known after an acknowledgement put it in the lead; without it, a
// last bid equal to the winning amount counts as the win.
func (o Outcome) Won(bidderID string, lastBid decimal.Decimal) bool {
	if o.WinnerID == "" {
		return false
	}
	if bidderID != "" {
		return bidderID == o.WinnerID
	}
	return lastBid.IsPositive() && lastBid.Equal(o.WinningAmount)
}

// Options configures an Agent.
type Options struct {
	Transport    transport.Config
	BidTimeout   time.Duration
	UpdateBuffer int
	Clock        clockwork.Clock
}

// DefaultOptions returns a 10 second bid timeout and the default framing.
func DefaultOptions() Options {
	return Options{
		Transport:    transport.DefaultConfig(),
		BidTimeout:   10 * time.Second,
		UpdateBuffer: 32,
		Clock:        clockwork.NewRealClock(),
	}
}

// Agent is one bidder connection. A background listener reads every
// server message: acknowledgements resolve the outstanding PlaceBid,
// round-start and broadcast lines go to Updates, and the winner line
// resolves AwaitFinalResult and stops the listener.
type Agent struct {
	channel transport.Channel
	opts    Options

	// bidMu keeps a single bid outstanding at a time
	bidMu sync.Mutex

	pendingMu sync.Mutex
	pending   chan protocol.Message
	// stale counts replies still owed to bids that gave up waiting; the
	// server answers every bid exactly once and in order, so that many
	// replies are discarded before the next one resolves a bid.
	stale int

	updates chan protocol.Message

	// done is closed when the listener exits; outcome and refusal are
	// written before the close.
	done    chan struct{}
	outcome *Outcome
	refusal *RejectedError

	idMu     sync.Mutex
	bidderID string

	closeOnce sync.Once
}

// Dial connects to target (host:port or a ws:// URL) and starts listening.
func Dial(ctx context.Context, target string, opts Options) (*Agent, error) {
	ch, err := transport.Dial(ctx, target, opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return New(ch, opts), nil
}

// New starts an agent over an established channel.
func New(ch transport.Channel, opts Options) *Agent {
	defaults := DefaultOptions()
	if opts.BidTimeout <= 0 {
		opts.BidTimeout = defaults.BidTimeout
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = defaults.UpdateBuffer
	}
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}

	a := &Agent{
		channel: ch,
		opts:    opts,
		updates: make(chan protocol.Message, opts.UpdateBuffer),
		done:    make(chan struct{}),
	}
	go a.listen()
	return a
}

// Updates delivers unsolicited pushes: round start, periodic status and
// stray errors. It is closed when the listener stops.
func (a *Agent) Updates() <-chan protocol.Message {
	return a.updates
}

// PlaceBid sends amount and waits for the acknowledgement that follows it.
// An ERROR reply is returned as *RejectedError. When it gives up on
// ErrTimeout or ctx, the late reply is discarded on arrival so it cannot
// answer a later bid.
func (a *Agent) PlaceBid(ctx context.Context, amount decimal.Decimal) (Result, error) {
	a.bidMu.Lock()
	defer a.bidMu.Unlock()

	select {
	case <-a.done:
		return Result{}, ErrClosed
	default:
	}

	reply := make(chan protocol.Message, 1)
	a.pendingMu.Lock()
	a.pending = reply
	a.pendingMu.Unlock()
	sent := false
	defer func() { a.clearPending(reply, sent) }()

	if err := a.channel.Send(protocol.EncodeBid(amount)); err != nil {
		return Result{}, fmt.Errorf("failed to send bid: %w", err)
	}
	sent = true

	timer := a.opts.Clock.NewTimer(a.opts.BidTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Kind == protocol.KindError {
			return Result{}, &RejectedError{Reason: msg.Reason}
		}
		if msg.Leading {
			a.learnID(msg.Status.LeaderID)
		}
		return Result{
			LeaderID:         msg.Status.LeaderID,
			HighestAmount:    msg.Status.HighestAmount,
			SecondsRemaining: msg.Status.SecondsRemaining,
			Leading:          msg.Leading,
		}, nil
	case <-timer.Chan():
		return Result{}, ErrTimeout
	case <-a.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Terminate tells the server this bidder is done. The server keeps the
// connection open to deliver the final result.
func (a *Agent) Terminate() error {
	if err := a.channel.Send(protocol.TerminateToken); err != nil {
		return fmt.Errorf("failed to send terminate: %w", err)
	}
	return nil
}

// AwaitFinalResult blocks until the winner is announced or the connection
// ends. A refused connection reports the server's reason.
func (a *Agent) AwaitFinalResult(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	if a.outcome != nil {
		return *a.outcome, nil
	}
	if a.refusal != nil {
		return Outcome{}, a.refusal
	}
	return Outcome{}, ErrNoResult
}

// BidderID returns the identity the server assigned to this connection,
// learned from the first acknowledgement that put this bidder in the lead.
// It is empty until then.
func (a *Agent) BidderID() string {
	a.idMu.Lock()
	defer a.idMu.Unlock()
	return a.bidderID
}

func (a *Agent) learnID(id string) {
	a.idMu.Lock()
	defer a.idMu.Unlock()
	if a.bidderID == "" {
		a.bidderID = id
	}
}

// Done is closed when the listener stops.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Close closes the connection. Safe to call more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.channel.Close()
	})
	return err
}

// clearPending drops the waiter for reply. If the reply never arrived it
// is still owed and counted as stale.
func (a *Agent) clearPending(reply chan protocol.Message, sent bool) {
	a.pendingMu.Lock()
	if a.pending == reply {
		a.pending = nil
		if sent {
			a.stale++
		}
	}
	a.pendingMu.Unlock()
}

// resolve hands msg to the outstanding bid. It reports false when no bid
// is waiting. Replies owed to abandoned bids are consumed first.
func (a *Agent) resolve(msg protocol.Message) bool {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()

	if a.stale > 0 {
		a.stale--
		log.Debug().Str("kind", msg.Kind.String()).Msg("discarding reply to abandoned bid")
		return true
	}
	if a.pending == nil {
		return false
	}
	a.pending <- msg
	a.pending = nil
	return true
}

func (a *Agent) listen() {
	defer close(a.updates)
	defer close(a.done)

	for {
		line, err := a.channel.Receive()
		if err != nil {
			log.Debug().Err(err).Msg("auction listener stopped")
			return
		}

		msg, err := protocol.Parse(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("ignoring unknown server message")
			continue
		}

		switch msg.Kind {
		case protocol.KindResult:
			a.outcome = &Outcome{WinnerID: msg.WinnerID, WinningAmount: msg.WinningAmount}
			return

		case protocol.KindAck:
			if !a.resolve(msg) {
				log.Debug().Str("line", line).Msg("acknowledgement without pending bid")
			}

		case protocol.KindError:
			if a.resolve(msg) {
				continue
			}
			// An unsolicited error is a refusal at admission time
			a.refusal = &RejectedError{Reason: msg.Reason}
			a.push(msg)

		default:
			a.push(msg)
		}
	}
}

func (a *Agent) push(msg protocol.Message) {
	select {
	case a.updates <- msg:
	default:
		log.Debug().Str("kind", msg.Kind.String()).Msg("update buffer full, dropping message")
	}
}
