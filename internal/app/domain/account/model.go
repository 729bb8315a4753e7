package account

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Address identifies a participant, a consumer contract or a coordinator.
// Addresses are 20-byte hex strings with a 0x prefix, stored lower-case.
type Address string

// ParseAddress normalises and validates a hex address.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(trimmed, "0x") {
		return "", fmt.Errorf("address %q: missing 0x prefix", raw)
	}
	body := trimmed[2:]
	if len(body) != 40 {
		return "", fmt.Errorf("address %q: expected 40 hex characters, got %d", raw, len(body))
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("address %q: %w", raw, err)
	}
	return Address(trimmed), nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(raw string) Address {
	addr, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ""
}

func (a Address) String() string {
	return string(a)
}

// Wallet is a bank balance held for an address.
type Wallet struct {
	Address   Address
	Balance   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}
