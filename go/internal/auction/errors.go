package auction

import "errors"

var (
	// ErrBidRejected is returned for amounts that are zero or negative.
	ErrBidRejected = errors.New("bid must be greater than zero")

	// ErrRoundClosed is returned when the round is not accepting bids or bidders.
	ErrRoundClosed = errors.New("auction round is closed")

	// ErrNotRegistered is returned for bids from a bidder that left or never joined.
	ErrNotRegistered = errors.New("bidder is not registered in this round")

	// ErrAlreadyJoined is returned when a bidder id is reused within the same round.
	ErrAlreadyJoined = errors.New("bidder already joined this round")
)
