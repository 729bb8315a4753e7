package raffle

import (
	"errors"
	"fmt"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
)

var (
	// ErrInsufficientPayment is returned when an entry pays less than the entrance fee.
	ErrInsufficientPayment = errors.New("raffle: not enough value entered")
	// ErrRoundNotOpen is returned when entering while a winner is being calculated.
	ErrRoundNotOpen = errors.New("raffle: round not open")
	// ErrUpkeepNotNeeded is matched by *UpkeepNotNeededError.
	ErrUpkeepNotNeeded = errors.New("raffle: upkeep not needed")
	// ErrUnknownRequest is returned when a fulfillment does not match the pending request.
	ErrUnknownRequest = errors.New("raffle: unknown randomness request")
	// ErrTransferFailed is matched by *TransferFailedError.
	ErrTransferFailed = errors.New("raffle: transfer failed")
	// ErrInvariantViolation signals a CALCULATING round with no players.
	ErrInvariantViolation = errors.New("raffle: invariant violation")
	// ErrOnlyCoordinator is returned when a fulfillment arrives from an address other than the coordinator.
	ErrOnlyCoordinator = errors.New("raffle: only coordinator can fulfill")
	ErrNoRandomWords   = errors.New("raffle: no random words delivered")
	// ErrPlayerIndexOutOfRange is returned by Player for an index past the end of the list.
	ErrPlayerIndexOutOfRange = errors.New("raffle: player index out of range")
	ErrBalanceOverflow       = errors.New("raffle: balance overflow")
	ErrNoStalledPayout       = errors.New("raffle: no stalled payout")
)

// UpkeepNotNeededError carries the diagnostics reported when PerformUpkeep is
// called while the eligibility predicate is false.
type UpkeepNotNeededError struct {
	Balance    uint64
	NumPlayers int
	State      domain.State
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("%s (balance=%d players=%d state=%s)", ErrUpkeepNotNeeded, e.Balance, e.NumPlayers, e.State)
}

func (e *UpkeepNotNeededError) Unwrap() error { return ErrUpkeepNotNeeded }

// TransferFailedError wraps the payer's refusal to move the pool to the winner.
type TransferFailedError struct {
	Winner account.Address
	Amount uint64
	Err    error
}

func (e *TransferFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: pay %d to %s", ErrTransferFailed, e.Amount, e.Winner)
	}
	return fmt.Sprintf("%s: pay %d to %s: %v", ErrTransferFailed, e.Amount, e.Winner, e.Err)
}

func (e *TransferFailedError) Is(target error) bool { return target == ErrTransferFailed }

func (e *TransferFailedError) Unwrap() error { return e.Err }
