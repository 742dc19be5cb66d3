package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/subasta/go/internal/auction"
	"github.com/mcdev12/subasta/go/internal/auction/metrics"
	"github.com/mcdev12/subasta/go/internal/auction/protocol"
	"github.com/mcdev12/subasta/go/internal/auction/transport"
)

// Reasons a session's receive loop ends.
const (
	endTerminated   = "terminated"
	endDisconnected = "disconnected"
	endReadError    = "read_error"
	endFinished     = "finished"
	endShutdown     = "shutdown"
)

// Reply texts sent on rejected input.
const (
	reasonNotANumber    = "Propuesta inválida. Debe ser un número."
	reasonNotPositive   = "La propuesta debe ser mayor que 0"
	reasonRoundClosed   = "Subasta cerrada"
	reasonNotRegistered = "Ya no participas en esta subasta"
	reasonUnavailable   = "No se pudo procesar la propuesta"
)

// Session is one connected bidder. The receive loop runs in the goroutine
// that calls Run; every server push goes through a bounded queue drained
// by a separate write pump, so timers never block on a slow client.
type Session struct {
	ID          string
	Transport   string
	RoundID     string
	ConnectedAt time.Time

	channel     transport.Channel
	coordinator *Coordinator

	send chan string

	// finished is closed exactly once by Finish; finalText is written
	// before the close and read only after it.
	finished   chan struct{}
	finishOnce sync.Once
	finalText  string

	quit      chan struct{}
	quitOnce  sync.Once
	pumpDone  chan struct{}
	closeOnce sync.Once

	registered      atomic.Bool
	resultDelivered atomic.Bool
}

func newSession(id, transportName string, ch transport.Channel, c *Coordinator, queueSize int) *Session {
	s := &Session{
		ID:          id,
		Transport:   transportName,
		ConnectedAt: c.clock.Now(),
		channel:     ch,
		coordinator: c,
		send:        make(chan string, queueSize),
		finished:    make(chan struct{}),
		quit:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	s.registered.Store(true)
	return s
}

// Registered reports whether the bidder still counts for broadcasts and
// for the winner computation.
func (s *Session) Registered() bool {
	return s.registered.Load()
}

// ResultDelivered reports whether the final result line was written.
func (s *Session) ResultDelivered() bool {
	return s.resultDelivered.Load()
}

// Push queues an asynchronous server message. It never blocks; it returns
// false when the queue is full or the session is shutting down.
func (s *Session) Push(text string) bool {
	select {
	case <-s.quit:
		return false
	case <-s.finished:
		return false
	default:
	}

	select {
	case s.send <- text:
		return true
	default:
		return false
	}
}

// Finish delivers the final result (empty text for "no winner") and then
// closes the connection. It also releases a session that is idle after
// FIN. Later calls are ignored.
func (s *Session) Finish(text string) {
	s.finishOnce.Do(func() {
		s.finalText = text
		close(s.finished)
	})
}

// Run serves the session until it ends. It returns once the connection is
// closed and the session has been removed from the registry.
func (s *Session) Run(ctx context.Context) {
	logger := log.With().
		Str("bidder_id", s.ID).
		Str("transport", s.Transport).
		Str("round_id", s.RoundID).
		Logger()

	go s.writePump()

	reason := s.readLoop(ctx)
	s.coordinator.leave(s)

	logger.Info().Str("reason", reason).Msg("bidder left receive loop")

	if reason == endTerminated {
		logger.Debug().Msg("waiting for final result")
		select {
		case <-s.finished:
		case <-s.pumpDone:
		case <-s.drain():
			select {
			case <-s.finished:
			default:
				reason = endDisconnected
			}
		case <-ctx.Done():
			reason = endShutdown
		}
	}

	select {
	case <-s.finished:
		// let the pump write the result before tearing down
		select {
		case <-s.pumpDone:
		case <-ctx.Done():
		}
	default:
	}

	s.close()
	s.coordinator.manager.Unregister(s)
	s.coordinator.metrics.RecordSessionEnd(s.Transport, reason)

	logger.Info().
		Bool("result_delivered", s.ResultDelivered()).
		Msg("bidder session closed")
}

func (s *Session) readLoop(ctx context.Context) string {
	for {
		line, err := s.channel.Receive()
		if err != nil {
			select {
			case <-s.finished:
				return endFinished
			case <-ctx.Done():
				return endShutdown
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return endDisconnected
			}
			log.Debug().Err(err).Str("bidder_id", s.ID).Msg("read failed")
			return endReadError
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			s.coordinator.metrics.RecordBid(metrics.BidMalformed)
			log.Debug().Str("bidder_id", s.ID).Str("line", line).Msg("malformed bid")
			if !s.reply(protocol.Error(reasonNotANumber)) {
				return endReadError
			}
			continue
		}

		if cmd.Kind == protocol.CommandTerminate {
			return endTerminated
		}

		if !s.reply(s.handleBid(cmd)) {
			return endReadError
		}
	}
}

func (s *Session) handleBid(cmd protocol.Command) string {
	snap, err := s.coordinator.SubmitBid(s, cmd.Amount)
	switch {
	case err == nil:
		return protocol.Ack(statusOf(snap), snap.CallerLeading)
	case errors.Is(err, auction.ErrBidRejected):
		return protocol.Error(reasonNotPositive)
	case errors.Is(err, auction.ErrRoundClosed):
		return protocol.Error(reasonRoundClosed)
	case errors.Is(err, auction.ErrNotRegistered):
		return protocol.Error(reasonNotRegistered)
	default:
		log.Error().Err(err).Str("bidder_id", s.ID).Msg("bid failed")
		return protocol.Error(reasonUnavailable)
	}
}

// drain discards input after FIN so a peer that hangs up while waiting for
// the result is noticed. The returned channel closes when reading fails.
func (s *Session) drain() <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := s.channel.Receive(); err != nil {
				return
			}
		}
	}()
	return gone
}

// reply writes the answer to the bidder's own request directly, so it is
// on the wire before the next read.
func (s *Session) reply(text string) bool {
	if err := s.channel.Send(text); err != nil {
		log.Debug().Err(err).Str("bidder_id", s.ID).Msg("reply failed")
		return false
	}
	return true
}

func (s *Session) writePump() {
	defer close(s.pumpDone)

	for {
		select {
		case text := <-s.send:
			if err := s.channel.Send(text); err != nil {
				s.coordinator.metrics.RecordDeliveryFailure("push")
				log.Warn().Err(err).Str("bidder_id", s.ID).Msg("failed to push message")
				s.close()
				return
			}

		case <-s.finished:
			s.flushQueued()
			if s.finalText != "" {
				if err := s.channel.Send(s.finalText); err != nil {
					s.coordinator.metrics.RecordDeliveryFailure("result")
					log.Warn().Err(err).Str("bidder_id", s.ID).Msg("failed to deliver result")
				} else {
					s.resultDelivered.Store(true)
				}
			}
			s.close()
			return

		case <-s.quit:
			return
		}
	}
}

func (s *Session) flushQueued() {
	for {
		select {
		case text := <-s.send:
			if err := s.channel.Send(text); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.closeOnce.Do(func() {
		if err := s.channel.Close(); err != nil {
			log.Debug().Err(err).Str("bidder_id", s.ID).Msg("close failed")
		}
	})
}

func statusOf(snap auction.Snapshot) protocol.Status {
	return protocol.Status{
		LeaderID:         snap.LeaderID,
		HighestAmount:    snap.HighestAmount,
		SecondsRemaining: snap.SecondsRemaining,
	}
}
