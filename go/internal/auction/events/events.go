package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a round lifecycle event.
type Type string

const (
	TypeRoundStarted   Type = "RoundStarted"
	TypeLeaderChanged  Type = "LeaderChanged"
	TypeRoundFinalized Type = "RoundFinalized"
	TypeRoundReset     Type = "RoundReset"
)

// Event is a lifecycle event of one auction round.
type Event struct {
	ID        uuid.UUID       `json:"eventId"`
	Type      Type            `json:"eventType"`
	RoundID   uuid.UUID       `json:"roundId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher delivers events to whatever is watching the auction.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type RoundStartedPayload struct {
	RoundNumber int       `json:"round_number"`
	BidderID    string    `json:"bidder_id"`
	StartedAt   time.Time `json:"started_at"`
	DurationSec int64     `json:"duration_sec"`
}

type LeaderChangedPayload struct {
	RoundNumber      int    `json:"round_number"`
	LeaderID         string `json:"leader_id"`
	Amount           string `json:"amount"`
	SecondsRemaining int64  `json:"seconds_remaining"`
}

type StandingPayload struct {
	BidderID   string `json:"bidder_id"`
	LastBid    string `json:"last_bid"`
	Registered bool   `json:"registered"`
}

type RoundFinalizedPayload struct {
	RoundNumber   int               `json:"round_number"`
	HasWinner     bool              `json:"has_winner"`
	WinnerID      string            `json:"winner_id,omitempty"`
	WinningAmount string            `json:"winning_amount"`
	Standings     []StandingPayload `json:"standings"`
	FinalizedAt   time.Time         `json:"finalized_at"`
}

type RoundResetPayload struct {
	PreviousRoundID uuid.UUID `json:"previous_round_id"`
	RoundNumber     int       `json:"round_number"`
}

// New builds an event with a fresh id and the payload marshalled to JSON.
func New(eventType Type, roundID uuid.UUID, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		RoundID:   roundID,
		Timestamp: at,
		Payload:   data,
	}, nil
}
