package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/subasta/go/internal/auction"
	"github.com/mcdev12/subasta/go/internal/auction/events"
	"github.com/mcdev12/subasta/go/internal/auction/metrics"
	"github.com/mcdev12/subasta/go/internal/auction/protocol"
	"github.com/mcdev12/subasta/go/internal/auction/transport"
)

const reasonAlreadyJoined = "Ya estás registrado en esta subasta"

// Recorder persists finalized rounds. The ledger store implements it.
type Recorder interface {
	Record(ctx context.Context, outcome auction.Outcome) error
}

// CoordinatorConfig holds the round timing and per-session limits.
type CoordinatorConfig struct {
	RoundDuration     time.Duration
	BroadcastInterval time.Duration
	ResetGrace        time.Duration
	SendQueueSize     int
	RecordTimeout     time.Duration
}

// DefaultCoordinatorConfig returns two minute rounds with a status
// broadcast every five seconds.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RoundDuration:     120 * time.Second,
		BroadcastInterval: 5 * time.Second,
		ResetGrace:        2 * time.Second,
		SendQueueSize:     64,
		RecordTimeout:     5 * time.Second,
	}
}

// Coordinator owns the auction round and its timers. It admits bidders,
// applies their bids, broadcasts status while the round is active and
// finalizes the round when the countdown fires.
type Coordinator struct {
	config    CoordinatorConfig
	clock     clockwork.Clock
	round     *auction.Round
	manager   *ConnectionManager
	publisher events.Publisher
	recorder  Recorder
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// admitMu orders admissions against finalize and reset so no session
	// can slip in between the result fan-out and the next round.
	admitMu sync.Mutex

	timersMu    sync.Mutex
	cancelRound context.CancelFunc

	statsMu     sync.RWMutex
	finalized   int
	lastOutcome *auction.Outcome
}

// NewCoordinator creates a coordinator with a fresh WAITING round. A nil
// publisher logs events; a nil recorder skips persistence.
func NewCoordinator(config CoordinatorConfig, clock clockwork.Clock, publisher events.Publisher, recorder Recorder, m *metrics.Metrics) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher()
	}
	if m == nil {
		m = metrics.NewMetrics("")
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultCoordinatorConfig().SendQueueSize
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = DefaultCoordinatorConfig().RecordTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:    config,
		clock:     clock,
		round:     auction.NewRound(clock, config.RoundDuration),
		manager:   NewConnectionManager(m),
		publisher: publisher,
		recorder:  recorder,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Manager exposes the session registry.
func (c *Coordinator) Manager() *ConnectionManager {
	return c.manager
}

// Metrics exposes the Prometheus collectors.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

// Snapshot returns the current round view.
func (c *Coordinator) Snapshot() auction.Snapshot {
	return c.round.Snapshot()
}

// Admit joins the peer behind ch to the current round and registers its
// session. The first admission of a round starts the countdown. A refused
// peer gets an ERROR line and its channel is closed.
func (c *Coordinator) Admit(ch transport.Channel, transportName string) (*Session, error) {
	id := ch.RemoteAddr()

	c.admitMu.Lock()
	res, err := c.round.Join(id)
	if err != nil {
		c.admitMu.Unlock()

		reason := reasonRoundClosed
		if errors.Is(err, auction.ErrAlreadyJoined) {
			reason = reasonAlreadyJoined
		}
		if sendErr := ch.Send(protocol.Error(reason)); sendErr != nil {
			log.Debug().Err(sendErr).Str("bidder_id", id).Msg("failed to send refusal")
		}
		ch.Close()
		c.metrics.RecordSessionEnd(transportName, "refused")

		log.Info().
			Err(err).
			Str("bidder_id", id).
			Str("transport", transportName).
			Msg("bidder refused")
		return nil, err
	}

	s := newSession(id, transportName, ch, c, c.config.SendQueueSize)
	s.RoundID = res.Snapshot.RoundID.String()
	c.manager.Register(s)
	if res.Started {
		c.startCountdown()
	}
	c.admitMu.Unlock()

	log.Info().
		Str("bidder_id", id).
		Str("transport", transportName).
		Str("round_id", s.RoundID).
		Int("round_number", res.Snapshot.Number).
		Int("registered", res.Snapshot.Registered).
		Bool("started", res.Started).
		Msg("bidder joined")

	if res.Started {
		c.publish(events.TypeRoundStarted, res.Snapshot.RoundID, events.RoundStartedPayload{
			RoundNumber: res.Snapshot.Number,
			BidderID:    id,
			StartedAt:   c.clock.Now(),
			DurationSec: int64(c.config.RoundDuration / time.Second),
		})
	}

	s.Push(protocol.RoundStarted(res.Snapshot.SecondsRemaining))
	return s, nil
}

// SubmitBid applies a bid from s to the round.
func (c *Coordinator) SubmitBid(s *Session, amount decimal.Decimal) (auction.Snapshot, error) {
	snap, err := c.round.SubmitBid(amount, s.ID)
	if err != nil {
		switch {
		case errors.Is(err, auction.ErrRoundClosed):
			c.metrics.RecordBid(metrics.BidClosed)
		default:
			c.metrics.RecordBid(metrics.BidRejected)
		}
		log.Debug().Err(err).Str("bidder_id", s.ID).Str("amount", amount.String()).Msg("bid refused")
		return snap, err
	}

	c.metrics.RecordBid(metrics.BidAccepted)

	if snap.LeadTaken {
		c.metrics.HighestAmount.Set(amount.InexactFloat64())
		log.Info().
			Str("bidder_id", s.ID).
			Str("amount", protocol.FormatAmount(amount)).
			Int64("seconds_remaining", snap.SecondsRemaining).
			Msg("new highest bid")

		c.publish(events.TypeLeaderChanged, snap.RoundID, events.LeaderChangedPayload{
			RoundNumber:      snap.Number,
			LeaderID:         snap.LeaderID,
			Amount:           protocol.FormatAmount(snap.HighestAmount),
			SecondsRemaining: snap.SecondsRemaining,
		})
	}
	return snap, nil
}

// leave removes s from the round's eligible bidders.
func (c *Coordinator) leave(s *Session) {
	if !s.registered.Swap(false) {
		return
	}
	c.round.Leave(s.ID)
}

func (c *Coordinator) startCountdown() {
	ctx, cancel := context.WithCancel(c.ctx)

	c.timersMu.Lock()
	if c.cancelRound != nil {
		c.cancelRound()
	}
	c.cancelRound = cancel
	c.timersMu.Unlock()

	// Created here rather than in the goroutine so the countdown is armed
	// by the time Admit returns.
	timer := c.clock.NewTimer(c.config.RoundDuration)
	ticker := c.clock.NewTicker(c.config.BroadcastInterval)

	c.wg.Add(1)
	go c.runCountdown(ctx, timer, ticker)
}

func (c *Coordinator) runCountdown(ctx context.Context, timer clockwork.Timer, ticker clockwork.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.broadcastStatus()

		case <-timer.Chan():
			ticker.Stop()
			c.finalizeRound(ctx)
			return

		case <-ctx.Done():
			stopAndDrainTimer(timer)
			log.Debug().Msg("countdown cancelled")
			return
		}
	}
}

// broadcastStatus sends the periodic status line to every registered bidder.
func (c *Coordinator) broadcastStatus() {
	snap := c.round.Snapshot()
	if snap.Phase != auction.PhaseActive {
		return
	}

	delivered, dropped := c.manager.Broadcast(protocol.Broadcast(statusOf(snap)))
	c.metrics.BroadcastsTotal.Inc()

	log.Debug().
		Str("round_id", snap.RoundID.String()).
		Str("leader_id", snap.LeaderID).
		Str("highest_amount", protocol.FormatAmount(snap.HighestAmount)).
		Int64("seconds_remaining", snap.SecondsRemaining).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("status broadcasted")
}

// finalizeRound closes the round, fans the result out to every attached
// session and, after the grace period, starts the next round.
func (c *Coordinator) finalizeRound(ctx context.Context) {
	c.admitMu.Lock()
	outcome, ok := c.round.Finalize()
	if !ok {
		c.admitMu.Unlock()
		return
	}

	var result string
	if outcome.HasWinner {
		result = protocol.Result(outcome.WinnerID, outcome.WinningAmount)
	}
	notified := c.manager.FinishAll(result)
	c.admitMu.Unlock()

	logEvent := log.Info().
		Str("round_id", outcome.RoundID.String()).
		Int("round_number", outcome.Number).
		Int("notified", notified).
		Int("bidders", len(outcome.Standings))
	if outcome.HasWinner {
		logEvent.
			Str("winner_id", outcome.WinnerID).
			Str("winning_amount", protocol.FormatAmount(outcome.WinningAmount)).
			Msg("round finalized")
	} else {
		logEvent.Msg("round finalized without winner")
	}

	for _, st := range outcome.Standings {
		log.Info().
			Str("round_id", outcome.RoundID.String()).
			Str("bidder_id", st.BidderID).
			Str("last_bid", protocol.FormatAmount(st.LastBid)).
			Bool("registered", st.Registered).
			Msg("final standing")
	}

	c.metrics.RecordRound(outcome.HasWinner, outcome.FinalizedAt.Sub(outcome.StartedAt).Seconds())

	c.statsMu.Lock()
	c.finalized++
	c.lastOutcome = &outcome
	c.statsMu.Unlock()

	c.publish(events.TypeRoundFinalized, outcome.RoundID, finalizedPayload(outcome))
	c.record(ctx, outcome)

	if c.config.ResetGrace > 0 {
		select {
		case <-c.clock.After(c.config.ResetGrace):
		case <-ctx.Done():
			return
		}
	}

	c.admitMu.Lock()
	next := c.round.Reset()
	c.admitMu.Unlock()
	c.metrics.HighestAmount.Set(0)

	log.Info().
		Str("round_id", next.RoundID.String()).
		Int("round_number", next.Number).
		Msg("round reset, waiting for bidders")

	c.publish(events.TypeRoundReset, next.RoundID, events.RoundResetPayload{
		PreviousRoundID: outcome.RoundID,
		RoundNumber:     next.Number,
	})
}

func (c *Coordinator) record(ctx context.Context, outcome auction.Outcome) {
	if c.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(ctx, c.config.RecordTimeout)
	defer cancel()

	if err := c.recorder.Record(recordCtx, outcome); err != nil {
		log.Error().
			Err(err).
			Str("round_id", outcome.RoundID.String()).
			Msg("failed to record round outcome")
	}
}

func (c *Coordinator) publish(eventType events.Type, roundID uuid.UUID, payload any) {
	event, err := events.New(eventType, roundID, c.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	if err := c.publisher.Publish(c.ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("event_type", string(eventType)).
			Str("round_id", roundID.String()).
			Msg("failed to publish event")
	}
}

func finalizedPayload(outcome auction.Outcome) events.RoundFinalizedPayload {
	standings := make([]events.StandingPayload, 0, len(outcome.Standings))
	for _, st := range outcome.Standings {
		standings = append(standings, events.StandingPayload{
			BidderID:   st.BidderID,
			LastBid:    protocol.FormatAmount(st.LastBid),
			Registered: st.Registered,
		})
	}
	return events.RoundFinalizedPayload{
		RoundNumber:   outcome.Number,
		HasWinner:     outcome.HasWinner,
		WinnerID:      outcome.WinnerID,
		WinningAmount: protocol.FormatAmount(outcome.WinningAmount),
		Standings:     standings,
		FinalizedAt:   outcome.FinalizedAt,
	}
}

// Stats returns the round view plus session and history counters.
func (c *Coordinator) Stats() map[string]interface{} {
	snap := c.round.Snapshot()

	c.statsMu.RLock()
	finalized := c.finalized
	last := c.lastOutcome
	c.statsMu.RUnlock()

	stats := map[string]interface{}{
		"round":            snap,
		"rounds_finalized": finalized,
		"sessions":         c.manager.Stats(),
	}
	if last != nil {
		stats["last_outcome"] = last
	}
	return stats
}

// Shutdown cancels the countdown, waits for timer goroutines and closes
// every attached connection.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.manager.CloseAll()
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
