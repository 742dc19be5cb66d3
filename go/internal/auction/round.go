package auction

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Phase is the lifecycle state of a round.
type Phase string

const (
	PhaseWaiting    Phase = "WAITING"
	PhaseActive     Phase = "ACTIVE"
	PhaseFinalizing Phase = "FINALIZING"
)

// Snapshot is a consistent view of the round taken under the state lock.
type Snapshot struct {
	RoundID          uuid.UUID       `json:"round_id"`
	Number           int             `json:"round_number"`
	Phase            Phase           `json:"phase"`
	LeaderID         string          `json:"leader_id,omitempty"`
	HighestAmount    decimal.Decimal `json:"highest_amount"`
	SecondsRemaining int64           `json:"seconds_remaining"`
	CallerLeading    bool            `json:"caller_leading,omitempty"`
	LeadTaken        bool            `json:"-"`
	Registered       int             `json:"registered"`
}

// HasLeader reports whether any bid has been accepted this round.
func (s Snapshot) HasLeader() bool {
	return s.LeaderID != ""
}

// Standing is a bidder's last recorded bid at finalize time.
type Standing struct {
	BidderID   string          `json:"bidder_id"`
	LastBid    decimal.Decimal `json:"last_bid"`
	Registered bool            `json:"registered"`
}

// Outcome is the result of finalizing a round.
type Outcome struct {
	RoundID       uuid.UUID       `json:"round_id"`
	Number        int             `json:"round_number"`
	HasWinner     bool            `json:"has_winner"`
	WinnerID      string          `json:"winner_id,omitempty"`
	WinningAmount decimal.Decimal `json:"winning_amount"`
	Standings     []Standing      `json:"standings"`
	StartedAt     time.Time       `json:"started_at"`
	FinalizedAt   time.Time       `json:"finalized_at"`
}

// JoinResult reports the effect of admitting a bidder.
type JoinResult struct {
	// Started is true when this join moved the round from WAITING to ACTIVE.
	Started  bool
	Snapshot Snapshot
}

type bidder struct {
	id         string
	lastBid    decimal.Decimal
	lastBidSeq uint64
	registered bool
}

// Round is the shared state of the auction. Every field is guarded by mu and
// the lock is never held across network I/O.
type Round struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	duration time.Duration

	id        uuid.UUID
	number    int
	phase     Phase
	startedAt time.Time
	highest   decimal.Decimal
	leaderID  string
	bidders   map[string]*bidder
	order     []string
	seq       uint64
	outcome   *Outcome
}

// NewRound creates round number 1 in the WAITING phase.
func NewRound(clock clockwork.Clock, duration time.Duration) *Round {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Round{
		clock:    clock,
		duration: duration,
	}
	r.resetLocked()
	return r
}

// Duration returns the configured countdown length.
func (r *Round) Duration() time.Duration {
	return r.duration
}

// Join admits a bidder. The first join of a WAITING round activates it.
func (r *Round) Join(bidderID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.phase {
	case PhaseFinalizing:
		return JoinResult{}, ErrRoundClosed
	case PhaseActive:
		if r.clock.Since(r.startedAt) >= r.duration {
			return JoinResult{}, ErrRoundClosed
		}
	}

	if _, exists := r.bidders[bidderID]; exists {
		return JoinResult{}, ErrAlreadyJoined
	}

	started := false
	if r.phase == PhaseWaiting {
		r.phase = PhaseActive
		r.startedAt = r.clock.Now()
		started = true
	}

	r.bidders[bidderID] = &bidder{id: bidderID, lastBid: decimal.Zero, registered: true}
	r.order = append(r.order, bidderID)

	return JoinResult{Started: started, Snapshot: r.snapshotLocked(bidderID)}, nil
}

// Leave unregisters a bidder. Its bids no longer count at finalize and it
// cannot rejoin the same round.
func (r *Round) Leave(bidderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bidders[bidderID]; ok {
		b.registered = false
	}
}

// SubmitBid records a bid and moves the lead on a strictly greater amount.
func (r *Round) SubmitBid(amount decimal.Decimal, bidderID string) (Snapshot, error) {
	if !amount.IsPositive() {
		return Snapshot{}, ErrBidRejected
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseActive {
		return Snapshot{}, ErrRoundClosed
	}

	b, ok := r.bidders[bidderID]
	if !ok || !b.registered {
		return Snapshot{}, ErrNotRegistered
	}

	r.seq++
	b.lastBid = amount
	b.lastBidSeq = r.seq

	taken := amount.GreaterThan(r.highest)
	if taken {
		r.highest = amount
		r.leaderID = bidderID
	}

	snap := r.snapshotLocked(bidderID)
	snap.LeadTaken = taken
	return snap, nil
}

// Snapshot returns the current round view.
func (r *Round) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked("")
}

// SecondsRemaining returns whole seconds left in an ACTIVE round, zero otherwise.
func (r *Round) SecondsRemaining() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secondsRemainingLocked()
}

// Finalize closes the round and picks the winner among bidders still
// registered. Only the first call on an ACTIVE round performs the
// transition and returns true; later calls return the same outcome.
// A WAITING round is left untouched and reports no winner.
func (r *Round) Finalize() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.phase {
	case PhaseWaiting:
		return Outcome{RoundID: r.id, Number: r.number}, false
	case PhaseFinalizing:
		return *r.outcome, false
	}

	r.phase = PhaseFinalizing

	outcome := Outcome{
		RoundID:       r.id,
		Number:        r.number,
		WinningAmount: decimal.Zero,
		StartedAt:     r.startedAt,
		FinalizedAt:   r.clock.Now(),
		Standings:     make([]Standing, 0, len(r.order)),
	}

	var winner *bidder
	for _, id := range r.order {
		b := r.bidders[id]
		outcome.Standings = append(outcome.Standings, Standing{
			BidderID:   b.id,
			LastBid:    b.lastBid,
			Registered: b.registered,
		})

		if !b.registered || !b.lastBid.IsPositive() {
			continue
		}
		if winner == nil ||
			b.lastBid.GreaterThan(winner.lastBid) ||
			(b.lastBid.Equal(winner.lastBid) && b.lastBidSeq < winner.lastBidSeq) {
			winner = b
		}
	}

	sort.SliceStable(outcome.Standings, func(i, j int) bool {
		return outcome.Standings[i].LastBid.GreaterThan(outcome.Standings[j].LastBid)
	})

	if winner != nil {
		outcome.HasWinner = true
		outcome.WinnerID = winner.id
		outcome.WinningAmount = winner.lastBid
	}

	r.outcome = &outcome
	return outcome, true
}

// Reset discards every bidder and starts the next round in WAITING.
func (r *Round) Reset() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	return r.snapshotLocked("")
}

func (r *Round) resetLocked() {
	r.id = uuid.New()
	r.number++
	r.phase = PhaseWaiting
	r.startedAt = time.Time{}
	r.highest = decimal.Zero
	r.leaderID = ""
	r.bidders = make(map[string]*bidder)
	r.order = nil
	r.seq = 0
	r.outcome = nil
}

func (r *Round) secondsRemainingLocked() int64 {
	if r.phase != PhaseActive {
		return 0
	}
	remaining := r.duration - r.clock.Since(r.startedAt)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

func (r *Round) snapshotLocked(callerID string) Snapshot {
	registered := 0
	for _, b := range r.bidders {
		if b.registered {
			registered++
		}
	}
	return Snapshot{
		RoundID:          r.id,
		Number:           r.number,
		Phase:            r.phase,
		LeaderID:         r.leaderID,
		HighestAmount:    r.highest,
		SecondsRemaining: r.secondsRemainingLocked(),
		CallerLeading:    callerID != "" && r.leaderID == callerID,
		Registered:       registered,
	}
}
