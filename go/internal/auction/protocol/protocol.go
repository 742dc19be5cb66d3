// Package protocol encodes and decodes the colon-delimited text messages
// exchanged between bidders and the auction server. One message per line.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// TerminateToken withdraws a bidder from the round.
	TerminateToken = "FIN"

	// NoLeader is sent in place of a bidder id before the first accepted bid.
	NoLeader = "ninguno"

	Winning = "GANANDO"
	Losing  = "PERDIENDO"

	prefixHighBid = "PROPUESTA_ALTA"
	prefixError   = "ERROR"
	prefixStarted = "SUBASTA_INICIADA"
	prefixWinner  = "GANADOR"

	fieldTime    = "TIEMPO"
	fieldYourBid = "TU_PROPUESTA"
	fieldAmount  = "MONTO"

	sep = ":"
)

// ErrMalformed marks text that is not a valid protocol message.
var ErrMalformed = errors.New("malformed message")

// CommandKind distinguishes client-to-server messages.
type CommandKind int

const (
	CommandBid CommandKind = iota + 1
	CommandTerminate
)

// Command is a parsed client-to-server message.
type Command struct {
	Kind   CommandKind
	Amount decimal.Decimal
}

// ParseCommand parses a bid amount or the terminate token. Sign is not
// checked here; non-positive amounts are rejected by the round.
func ParseCommand(line string) (Command, error) {
	text := strings.TrimSpace(line)
	if text == TerminateToken {
		return Command{Kind: CommandTerminate}, nil
	}
	if text == "" {
		return Command{}, fmt.Errorf("%w: empty bid", ErrMalformed)
	}

	amount, err := decimal.NewFromString(text)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q is not a number", ErrMalformed, text)
	}
	return Command{Kind: CommandBid, Amount: amount}, nil
}

// EncodeBid renders a bid for the wire.
func EncodeBid(amount decimal.Decimal) string {
	return amount.String()
}

// Status is the leader view carried by acknowledgements and broadcasts.
type Status struct {
	LeaderID         string
	HighestAmount    decimal.Decimal
	SecondsRemaining int64
}

// Kind distinguishes server-to-client messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindBroadcast
	KindRoundStarted
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindBroadcast:
		return "broadcast"
	case KindRoundStarted:
		return "round_started"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is a parsed server-to-client message. Fields not relevant to
// Kind are left zero.
type Message struct {
	Kind    Kind
	Status  Status
	Leading bool

	WinnerID      string
	WinningAmount decimal.Decimal

	Reason string
	Raw    string
}

// Ack is the reply to an accepted bid.
func Ack(st Status, leading bool) string {
	verdict := Losing
	if leading {
		verdict = Winning
	}
	return strings.Join([]string{Broadcast(st), fieldYourBid, verdict}, sep)
}

// Broadcast is the periodic leader push.
func Broadcast(st Status) string {
	return strings.Join([]string{
		prefixHighBid,
		encodeID(st.LeaderID),
		FormatAmount(st.HighestAmount),
		fieldTime,
		strconv.FormatInt(st.SecondsRemaining, 10),
	}, sep)
}

// RoundStarted tells a bidder how many seconds the round has left.
func RoundStarted(secondsRemaining int64) string {
	return strings.Join([]string{prefixStarted, fieldTime, strconv.FormatInt(secondsRemaining, 10)}, sep)
}

// Result announces the winner of a round.
func Result(winnerID string, amount decimal.Decimal) string {
	return strings.Join([]string{prefixWinner, encodeID(winnerID), fieldAmount, FormatAmount(amount)}, sep)
}

// Error reports rejected or malformed input.
func Error(reason string) string {
	return prefixError + sep + reason
}

// FormatAmount renders money with two decimals.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// Parse decodes a server-to-client message. Bidder ids may themselves
// contain colons (host:port), so fixed fields are read from the right.
func Parse(line string) (Message, error) {
	text := strings.TrimRight(line, "\r\n")
	msg := Message{Raw: text}
	parts := strings.Split(text, sep)

	switch parts[0] {
	case prefixError:
		msg.Kind = KindError
		msg.Reason = strings.TrimPrefix(text, prefixError+sep)
		if len(parts) == 1 {
			msg.Reason = ""
		}
		return msg, nil

	case prefixStarted:
		if len(parts) != 3 || parts[1] != fieldTime {
			return msg, fmt.Errorf("%w: %q", ErrMalformed, text)
		}
		secs, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return msg, fmt.Errorf("%w: bad seconds in %q", ErrMalformed, text)
		}
		msg.Kind = KindRoundStarted
		msg.Status.SecondsRemaining = secs
		return msg, nil

	case prefixWinner:
		n := len(parts)
		if n < 4 || parts[n-2] != fieldAmount {
			return msg, fmt.Errorf("%w: %q", ErrMalformed, text)
		}
		amount, err := decimal.NewFromString(parts[n-1])
		if err != nil {
			return msg, fmt.Errorf("%w: bad amount in %q", ErrMalformed, text)
		}
		msg.Kind = KindResult
		msg.WinnerID = decodeID(strings.Join(parts[1:n-2], sep))
		msg.WinningAmount = amount
		return msg, nil

	case prefixHighBid:
		n := len(parts)
		tail := 3
		msg.Kind = KindBroadcast
		if n >= 7 && parts[n-2] == fieldYourBid {
			msg.Kind = KindAck
			msg.Leading = parts[n-1] == Winning
			n -= 2
		}
		if n < 2+tail || parts[n-2] != fieldTime {
			return Message{Raw: text}, fmt.Errorf("%w: %q", ErrMalformed, text)
		}
		secs, err := strconv.ParseInt(parts[n-1], 10, 64)
		if err != nil {
			return Message{Raw: text}, fmt.Errorf("%w: bad seconds in %q", ErrMalformed, text)
		}
		amount, err := decimal.NewFromString(parts[n-3])
		if err != nil {
			return Message{Raw: text}, fmt.Errorf("%w: bad amount in %q", ErrMalformed, text)
		}
		msg.Status = Status{
			LeaderID:         decodeID(strings.Join(parts[1:n-3], sep)),
			HighestAmount:    amount,
			SecondsRemaining: secs,
		}
		return msg, nil
	}

	return msg, fmt.Errorf("%w: unknown message %q", ErrMalformed, text)
}

func encodeID(id string) string {
	if id == "" {
		return NoLeader
	}
	return id
}

func decodeID(id string) string {
	if id == NoLeader {
		return ""
	}
	return id
}
