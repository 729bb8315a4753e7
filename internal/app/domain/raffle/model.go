// Package raffle holds the data model of the raffle round ledger.
package raffle

import (
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
)

// State is the lifecycle state of the live round.
type State uint8

const (
	StateOpen State = iota
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCalculating:
		return "CALCULATING"
	default:
		return "UNKNOWN"
	}
}

// NumWords is the number of random words requested per round.
const NumWords uint32 = 1

// DefaultRequestConfirmations matches the coordinator's minimum.
const DefaultRequestConfirmations uint16 = 3

// Config is fixed at construction and never changes afterwards.
type Config struct {
	// Address identifies the raffle to the coordinator as its consumer.
	Address              account.Address
	EntranceFee          uint64
	Interval             time.Duration
	Coordinator          account.Address
	GasLane              string
	SubscriptionID       uint64
	CallbackGasLimit     uint32
	RequestConfirmations uint16
}

// Round is the single live round. Players keeps entry order and may contain
// the same address several times.
type Round struct {
	Number           uint64
	State            State
	Players          []account.Address
	Balance          uint64
	LastTimestamp    time.Time
	PendingRequestID uint64
	RecentWinner     account.Address
	// StalledWord is the decimal random word delivered for PendingRequestID
	// whose payout failed. Retries settle with it.
	StalledWord string
}

// Clone returns a deep copy so a staged round never aliases the live one.
func (r Round) Clone() Round {
	out := r
	if r.Players != nil {
		out.Players = make([]account.Address, len(r.Players))
		copy(out.Players, r.Players)
	}
	return out
}

// Draw records the outcome of a completed round.
type Draw struct {
	ID          string          `json:"id"`
	Round       uint64          `json:"round"`
	RequestID   uint64          `json:"request_id"`
	RandomWord  string          `json:"random_word"`
	WinnerIndex int             `json:"winner_index"`
	Winner      account.Address `json:"winner"`
	Payout      uint64          `json:"payout"`
	PlayerCount int             `json:"player_count"`
	DrawnAt     time.Time       `json:"drawn_at"`
}

// Snapshot is the read model exposed by queries.
type Snapshot struct {
	Round            uint64            `json:"round"`
	State            string            `json:"state"`
	Players          []account.Address `json:"players"`
	Balance          uint64            `json:"balance"`
	LastTimestamp    time.Time         `json:"last_timestamp"`
	PendingRequestID uint64            `json:"pending_request_id,omitempty"`
	RecentWinner     account.Address   `json:"recent_winner,omitempty"`
	StalledPayout    bool              `json:"stalled_payout,omitempty"`
	EntranceFee      uint64            `json:"entrance_fee"`
	IntervalSeconds  int64             `json:"interval_seconds"`
}
