// Package vrf models randomness requests and coordinator subscriptions.
package vrf

import (
	"math/big"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
)

// RandomWordsRequest carries the parameters a consumer sends with a request.
type RandomWordsRequest struct {
	KeyHash              string          `json:"key_hash"`
	SubscriptionID       uint64          `json:"subscription_id"`
	RequestConfirmations uint16          `json:"request_confirmations"`
	CallbackGasLimit     uint32          `json:"callback_gas_limit"`
	NumWords             uint32          `json:"num_words"`
	Consumer             account.Address `json:"consumer"`
}

// Request is an outstanding request held by a coordinator.
type Request struct {
	ID          uint64
	Params      RandomWordsRequest
	RequestedAt time.Time
}

// Subscription funds requests issued by its consumers.
type Subscription struct {
	ID        uint64
	Owner     account.Address
	Balance   *big.Int
	Consumers []account.Address
	CreatedAt time.Time
}

// Fulfillment reports a completed callback.
type Fulfillment struct {
	RequestID uint64
	Words     []*big.Int
	Payment   *big.Int
	Success   bool
	Error     string
}
