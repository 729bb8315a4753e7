// Package app composes the raffle layer into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Data models (account, raffle, vrf)
//	├── events/             # Event bus, redis publisher
//	├── storage/            # Store interfaces, memory and postgres implementations
//	├── services/
//	│   ├── raffle/         # Round ledger and state machine
//	│   ├── vrf/            # Randomness coordinators (mock, HTTP client, dispatcher)
//	│   ├── automation/     # Cron-driven upkeep keeper
//	│   └── bank/           # Wallet balances and payouts
//	├── httpapi/            # REST API, event stream, HTTP server service
//	├── system/             # Service lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Wiring
//
// On a development network (hardhat, localhost) New builds an in-process
// coordinator mock, creates and funds a subscription, registers the raffle as
// its consumer and starts a dispatcher that fulfills pending requests after a
// short delay. On a live network randomness is requested from a remote
// provider over HTTP, which answers through the /vrf/callback endpoint.
//
// The keeper calls CheckUpkeep on a cron schedule and performs upkeep when the
// interval has elapsed with players and a balance in the pool.
//
// # Dependency Direction
//
//	cmd/raffled/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/config
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/services
//	      └──► internal/app/storage
package app
