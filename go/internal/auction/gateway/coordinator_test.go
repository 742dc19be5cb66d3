package gateway

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/subasta/go/internal/auction"
	"github.com/mcdev12/subasta/go/internal/auction/events"
	"github.com/mcdev12/subasta/go/internal/auction/metrics"
	"github.com/mcdev12/subasta/go/internal/auction/protocol"
)

const (
	addrA = "10.0.0.1:5001"
	addrB = "10.0.0.2:5002"
	addrC = "10.0.0.3:5003"
)

func TestCoordinator_FirstJoinStartsRound(t *testing.T) {
	h := newHarness(t, 0)

	assert.Equal(t, auction.PhaseWaiting, h.coord.Snapshot().Phase)

	a := h.join(addrA)
	msg := a.next(t)
	assert.Equal(t, protocol.KindRoundStarted, msg.Kind)
	assert.Equal(t, int64(120), msg.Status.SecondsRemaining)

	snap := h.coord.Snapshot()
	assert.Equal(t, auction.PhaseActive, snap.Phase)
	assert.Equal(t, 1, snap.Registered)
	assert.Equal(t, []events.Type{events.TypeRoundStarted}, h.publisher.types())
}

func TestCoordinator_LateJoinerSeesRemainingTime(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	a.waitFor(t, protocol.KindRoundStarted)

	h.clock.Advance(30 * time.Second)

	b := h.join(addrB)
	msg := b.waitFor(t, protocol.KindRoundStarted)
	assert.Equal(t, int64(90), msg.Status.SecondsRemaining)
}

func TestCoordinator_HighestRegisteredBidWins(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	b := h.join(addrB)

	reply := h.bid(a, "10")
	require.Equal(t, protocol.KindAck, reply.Kind)
	assert.True(t, reply.Leading)
	assert.Equal(t, addrA, reply.Status.LeaderID)
	assert.Equal(t, "10.00", protocol.FormatAmount(reply.Status.HighestAmount))

	reply = h.bid(b, "15")
	require.Equal(t, protocol.KindAck, reply.Kind)
	assert.True(t, reply.Leading)
	assert.Equal(t, addrB, reply.Status.LeaderID)

	reply = h.bid(a, "12")
	require.Equal(t, protocol.KindAck, reply.Kind)
	assert.False(t, reply.Leading)
	assert.Equal(t, addrB, reply.Status.LeaderID)
	assert.Equal(t, "15.00", protocol.FormatAmount(reply.Status.HighestAmount))

	h.clock.Advance(120 * time.Second)

	for _, ch := range []*fakeChannel{a, b} {
		result := ch.waitFor(t, protocol.KindResult)
		assert.Equal(t, addrB, result.WinnerID)
		assert.True(t, result.WinningAmount.Equal(decimal.RequireFromString("15")))
		assert.Eventually(t, ch.isClosed, waitTimeout, 10*time.Millisecond)
	}

	m := h.coord.Metrics()
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BidsTotal.WithLabelValues(metrics.BidAccepted)))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RoundsTotal.WithLabelValues("winner")) == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestCoordinator_TerminatedBidderStillGetsResult(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	b := h.join(addrB)

	h.bid(a, "20")
	h.bid(b, "10")

	a.in <- protocol.TerminateToken
	assert.Eventually(t, func() bool {
		return h.coord.Snapshot().Registered == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.False(t, a.isClosed())

	h.clock.Advance(120 * time.Second)

	// The departed leader no longer counts, but is still told who won.
	for _, ch := range []*fakeChannel{a, b} {
		result := ch.waitFor(t, protocol.KindResult)
		assert.Equal(t, addrB, result.WinnerID)
		assert.Equal(t, "10.00", protocol.FormatAmount(result.WinningAmount))
	}
}

func TestCoordinator_TerminatedBidderHangupReleasesSession(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	b := h.join(addrB)
	h.bid(a, "3")

	a.in <- protocol.TerminateToken
	require.Eventually(t, func() bool {
		return h.coord.Snapshot().Registered == 1
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 2, h.coord.Manager().Count())

	close(a.in)
	assert.Eventually(t, func() bool {
		return h.coord.Manager().Count() == 1 && a.isClosed()
	}, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, auction.PhaseActive, h.coord.Snapshot().Phase)
	assert.False(t, b.isClosed())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.coord.Metrics().SessionsTotal.WithLabelValues("tcp", endDisconnected)) == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestCoordinator_DisconnectedBidderIsDropped(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	b := h.join(addrB)

	h.bid(a, "20")
	h.bid(b, "5")

	close(a.in)
	assert.Eventually(t, func() bool {
		return h.coord.Manager().Count() == 1 && a.isClosed()
	}, waitTimeout, 10*time.Millisecond)

	h.clock.Advance(120 * time.Second)

	result := b.waitFor(t, protocol.KindResult)
	assert.Equal(t, addrB, result.WinnerID)
	assert.Equal(t, "5.00", protocol.FormatAmount(result.WinningAmount))

	for _, msg := range a.remaining(t) {
		assert.NotEqual(t, protocol.KindResult, msg.Kind)
	}
}

func TestCoordinator_NoBidsMeansNoWinner(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	a.waitFor(t, protocol.KindRoundStarted)

	h.clock.Advance(120 * time.Second)

	assert.Eventually(t, a.isClosed, waitTimeout, 10*time.Millisecond)
	for _, msg := range a.remaining(t) {
		assert.NotEqual(t, protocol.KindResult, msg.Kind)
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.coord.Metrics().RoundsTotal.WithLabelValues("no_winner")) == 1
	}, waitTimeout, 10*time.Millisecond)
}

func TestCoordinator_InvalidBidsGetErrors(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)

	reply := h.bid(a, "abc")
	assert.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, reasonNotANumber, reply.Reason)

	reply = h.bid(a, "0")
	assert.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, reasonNotPositive, reply.Reason)

	reply = h.bid(a, "-5")
	assert.Equal(t, protocol.KindError, reply.Kind)

	// The session survives bad input.
	reply = h.bid(a, "3.5")
	require.Equal(t, protocol.KindAck, reply.Kind)
	assert.Equal(t, "3.50", protocol.FormatAmount(reply.Status.HighestAmount))

	m := h.coord.Metrics()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BidsTotal.WithLabelValues(metrics.BidMalformed)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BidsTotal.WithLabelValues(metrics.BidRejected)))
}

func TestCoordinator_BroadcastSurvivesBrokenSession(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	b := h.join(addrB)
	c := h.join(addrC)
	for _, ch := range []*fakeChannel{a, b, c} {
		ch.waitFor(t, protocol.KindRoundStarted)
	}

	h.bid(a, "7")
	b.failSend.Store(true)

	h.clock.Advance(5 * time.Second)

	for _, ch := range []*fakeChannel{a, c} {
		msg := ch.waitFor(t, protocol.KindBroadcast)
		assert.Equal(t, addrA, msg.Status.LeaderID)
		assert.Equal(t, "7.00", protocol.FormatAmount(msg.Status.HighestAmount))
		assert.Equal(t, int64(115), msg.Status.SecondsRemaining)
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.coord.Metrics().DeliveryFailures.WithLabelValues("push")) == 1
	}, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.coord.Manager().Count() == 2 && b.isClosed()
	}, waitTimeout, 10*time.Millisecond)

	// The ticker keeps running for the remaining bidders.
	h.clock.Advance(5 * time.Second)

	for _, ch := range []*fakeChannel{a, c} {
		msg := ch.waitFor(t, protocol.KindBroadcast)
		assert.Equal(t, addrA, msg.Status.LeaderID)
		assert.Equal(t, int64(110), msg.Status.SecondsRemaining)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.coord.Metrics().DeliveryFailures.WithLabelValues("push")))
}

func TestCoordinator_ConcurrentBiddersHighestWins(t *testing.T) {
	h := newHarness(t, 0)

	addrs := []string{addrA, addrB, addrC}
	channels := make([]*fakeChannel, len(addrs))
	for i, addr := range addrs {
		channels[i] = h.join(addr)
	}

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch *fakeChannel) {
			defer wg.Done()
			for j := 1; j <= 20; j++ {
				ch.in <- strconv.Itoa(j*10 + i)
				msg, err := ch.awaitReply()
				if assert.NoError(t, err) {
					assert.Equal(t, protocol.KindAck, msg.Kind)
				}
			}
		}(i, ch)
	}
	wg.Wait()

	snap := h.coord.Snapshot()
	assert.Equal(t, addrC, snap.LeaderID)
	assert.Equal(t, "202.00", protocol.FormatAmount(snap.HighestAmount))

	h.clock.Advance(120 * time.Second)

	for _, ch := range channels {
		result := ch.waitFor(t, protocol.KindResult)
		assert.Equal(t, addrC, result.WinnerID)
		assert.Equal(t, "202.00", protocol.FormatAmount(result.WinningAmount))
	}
}

func TestCoordinator_BroadcastWithoutLeader(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	a.waitFor(t, protocol.KindRoundStarted)

	h.clock.Advance(5 * time.Second)

	msg := a.waitFor(t, protocol.KindBroadcast)
	assert.Equal(t, "", msg.Status.LeaderID)
	assert.Equal(t, "0.00", protocol.FormatAmount(msg.Status.HighestAmount))
}

func TestCoordinator_ResetStartsFreshRound(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	h.bid(a, "50")
	first := h.coord.Snapshot().RoundID

	h.clock.Advance(120 * time.Second)
	a.waitFor(t, protocol.KindResult)

	assert.Eventually(t, func() bool {
		snap := h.coord.Snapshot()
		return snap.Phase == auction.PhaseWaiting && snap.Number == 2 && len(h.publisher.types()) == 4
	}, waitTimeout, 10*time.Millisecond)

	snap := h.coord.Snapshot()
	assert.NotEqual(t, first, snap.RoundID)
	assert.False(t, snap.HasLeader())

	b := h.join(addrB)
	msg := b.waitFor(t, protocol.KindRoundStarted)
	assert.Equal(t, int64(120), msg.Status.SecondsRemaining)

	reply := h.bid(b, "1")
	require.Equal(t, protocol.KindAck, reply.Kind)
	assert.True(t, reply.Leading)

	assert.Eventually(t, func() bool {
		types := h.publisher.types()
		return len(types) >= 6
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []events.Type{
		events.TypeRoundStarted,
		events.TypeLeaderChanged,
		events.TypeRoundFinalized,
		events.TypeRoundReset,
		events.TypeRoundStarted,
		events.TypeLeaderChanged,
	}, h.publisher.types())
}

func TestCoordinator_JoinRefusedWhileFinalizing(t *testing.T) {
	h := newHarness(t, 10*time.Second)

	a := h.join(addrA)
	h.bid(a, "9")

	h.clock.Advance(120 * time.Second)
	a.waitFor(t, protocol.KindResult)
	require.Eventually(t, func() bool {
		return h.coord.Snapshot().Phase == auction.PhaseFinalizing
	}, waitTimeout, 10*time.Millisecond)

	late := newFakeChannel(addrB)
	_, err := h.coord.Admit(late, "tcp")
	assert.ErrorIs(t, err, auction.ErrRoundClosed)
	msg := late.next(t)
	assert.Equal(t, protocol.KindError, msg.Kind)
	assert.Equal(t, reasonRoundClosed, msg.Reason)
	assert.True(t, late.isClosed())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool {
		return h.coord.Snapshot().Phase == auction.PhaseWaiting
	}, waitTimeout, 10*time.Millisecond)
}

func TestCoordinator_DuplicateAddressRefused(t *testing.T) {
	h := newHarness(t, 0)

	h.join(addrA)

	dup := newFakeChannel(addrA)
	_, err := h.coord.Admit(dup, "tcp")
	assert.ErrorIs(t, err, auction.ErrAlreadyJoined)
	msg := dup.next(t)
	assert.Equal(t, protocol.KindError, msg.Kind)
	assert.Equal(t, reasonAlreadyJoined, msg.Reason)
}

func TestCoordinator_StatsAfterRound(t *testing.T) {
	h := newHarness(t, 0)

	a := h.join(addrA)
	h.bid(a, "4")

	stats := h.coord.Stats()
	assert.Equal(t, 0, stats["rounds_finalized"])
	assert.NotContains(t, stats, "last_outcome")

	h.clock.Advance(120 * time.Second)
	a.waitFor(t, protocol.KindResult)

	assert.Eventually(t, func() bool {
		return h.coord.Stats()["rounds_finalized"] == 1
	}, waitTimeout, 10*time.Millisecond)

	last, ok := h.coord.Stats()["last_outcome"].(*auction.Outcome)
	require.True(t, ok)
	assert.Equal(t, addrA, last.WinnerID)
}
