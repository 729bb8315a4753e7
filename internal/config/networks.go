package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
)

// Network holds the deployment parameters for one chain.
type Network struct {
	Name             string
	ChainID          uint64
	Development      bool
	VRFCoordinator   account.Address
	EntranceFee      uint64
	GasLane          string
	SubscriptionID   uint64
	CallbackGasLimit uint32
	Interval         time.Duration
}

const (
	sepoliaGasLane = "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"

	// 0.01 ether in wei.
	defaultEntranceFee uint64 = 10_000_000_000_000_000
)

// DevelopmentChains run against the in-process coordinator mock.
var DevelopmentChains = []string{"hardhat", "localhost"}

// Networks is keyed by chain id.
var Networks = map[uint64]Network{
	31337: {
		Name:             "hardhat",
		ChainID:          31337,
		Development:      true,
		EntranceFee:      defaultEntranceFee,
		GasLane:          sepoliaGasLane,
		CallbackGasLimit: 500000,
		Interval:         30 * time.Second,
	},
	11155111: {
		Name:             "sepolia",
		ChainID:          11155111,
		VRFCoordinator:   "0x8103b0a8a00be2ddc778e6e7eaa21791cd364625",
		EntranceFee:      defaultEntranceFee,
		GasLane:          sepoliaGasLane,
		CallbackGasLimit: 500000,
		Interval:         30 * time.Second,
	},
}

// NetworkByName looks a network up by name. localhost shares hardhat's chain id.
func NetworkByName(name string) (Network, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "localhost" {
		n := Networks[31337]
		n.Name = "localhost"
		return n, true
	}
	for _, n := range Networks {
		if n.Name == name {
			return n, true
		}
	}
	return Network{}, false
}

// IsDevelopment reports whether name is a development chain.
func IsDevelopment(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range DevelopmentChains {
		if n == name {
			return true
		}
	}
	return false
}

// ResolveNetwork returns the selected network with raffle and vrf overrides
// applied.
func (c *Config) ResolveNetwork() (Network, error) {
	net, ok := NetworkByName(c.Network)
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q", c.Network)
	}
	r := c.Raffle
	if r.EntranceFee != 0 {
		net.EntranceFee = r.EntranceFee
	}
	if r.Interval != 0 {
		net.Interval = r.Interval
	}
	if r.GasLane != "" {
		net.GasLane = r.GasLane
	}
	if r.SubscriptionID != 0 {
		net.SubscriptionID = r.SubscriptionID
	}
	if r.CallbackGasLimit != 0 {
		net.CallbackGasLimit = r.CallbackGasLimit
	}
	if c.VRF.CoordinatorAddress != "" {
		addr, err := account.ParseAddress(c.VRF.CoordinatorAddress)
		if err != nil {
			return Network{}, fmt.Errorf("vrf.coordinator_address: %w", err)
		}
		net.VRFCoordinator = addr
	}
	if net.Interval < 0 {
		return Network{}, fmt.Errorf("raffle.interval must not be negative")
	}
	return net, nil
}

// RaffleAddress returns the configured raffle address or a fixed default.
func (c *Config) RaffleAddress() (account.Address, error) {
	if c.Raffle.Address == "" {
		return account.MustParseAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), nil
	}
	return account.ParseAddress(c.Raffle.Address)
}
