// Package config loads process configuration from YAML with environment
// overrides, and carries the table of known networks.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Config is the root configuration document. Fields carrying an env tag can
// be overridden from the environment; numeric and duration values are
// decoded strictly.
type Config struct {
	Network  string               `yaml:"network" env:"RAFFLE_NETWORK"`
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Redis    RedisConfig          `yaml:"redis"`
	Raffle   RaffleConfig         `yaml:"raffle"`
	Keeper   KeeperConfig         `yaml:"keeper"`
	VRF      VRFConfig            `yaml:"vrf"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"SERVER_HOST"`
	Port         int           `yaml:"port" env:"SERVER_PORT,strict"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT,strict"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT,strict"`
	RateLimit    float64       `yaml:"rate_limit" env:"SERVER_RATE_LIMIT,strict"`
	RateBurst    int           `yaml:"rate_burst" env:"SERVER_RATE_BURST,strict"`
	// OracleToken authenticates the randomness provider on /vrf/callback.
	// The callback route is only served when it is set; live networks
	// require it.
	OracleToken string `yaml:"oracle_token" env:"ORACLE_TOKEN"`
	// AdminToken guards the routes that move wallet funds. Those routes are
	// not served when it is empty.
	AdminToken      string        `yaml:"admin_token" env:"ADMIN_TOKEN"`
	AuditLogPath    string        `yaml:"audit_log_path" env:"AUDIT_LOG_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,strict"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects PostgreSQL when DSN is set; otherwise state is kept
// in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,strict"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,strict"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,strict"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE,strict"`
}

// RedisConfig enables event publishing to a redis channel when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB,strict"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL"`
}

// RaffleConfig overrides the values taken from the network table. Zero values
// keep the network default.
type RaffleConfig struct {
	Address              string        `yaml:"address" env:"RAFFLE_ADDRESS"`
	EntranceFee          uint64        `yaml:"entrance_fee" env:"RAFFLE_ENTRANCE_FEE,strict"`
	Interval             time.Duration `yaml:"interval" env:"RAFFLE_INTERVAL,strict"`
	GasLane              string        `yaml:"gas_lane" env:"RAFFLE_GAS_LANE"`
	SubscriptionID       uint64        `yaml:"subscription_id" env:"RAFFLE_SUBSCRIPTION_ID,strict"`
	CallbackGasLimit     uint32        `yaml:"callback_gas_limit" env:"RAFFLE_CALLBACK_GAS_LIMIT,strict"`
	RequestConfirmations uint16        `yaml:"request_confirmations" env:"RAFFLE_REQUEST_CONFIRMATIONS,strict"`
}

type KeeperConfig struct {
	Enabled  bool   `yaml:"enabled" env:"KEEPER_ENABLED,strict"`
	Schedule string `yaml:"schedule" env:"KEEPER_SCHEDULE"`
}

// VRFConfig configures the coordinator. Development networks use the
// in-process mock; live networks need CoordinatorURL.
type VRFConfig struct {
	CoordinatorAddress string        `yaml:"coordinator_address" env:"VRF_COORDINATOR_ADDRESS"`
	CoordinatorURL     string        `yaml:"coordinator_url" env:"VRF_COORDINATOR_URL"`
	CoordinatorAPIKey  string        `yaml:"coordinator_api_key" env:"VRF_COORDINATOR_KEY"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval" env:"VRF_DISPATCH_INTERVAL,strict"`
	FulfillDelay       time.Duration `yaml:"fulfill_delay" env:"VRF_FULFILL_DELAY,strict"`
	FundLink           int64         `yaml:"fund_link" env:"VRF_FUND_LINK,strict"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Network: "hardhat",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Redis:   RedisConfig{Channel: "raffle.events"},
		Keeper:  KeeperConfig{Enabled: true, Schedule: "@every 30s"},
		VRF: VRFConfig{
			DispatchInterval: 2 * time.Second,
			FulfillDelay:     time.Second,
			FundLink:         30,
		},
	}
}

// Load reads path (optional), applies variables from envFiles (or .env when
// present) and the process environment, then validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(bytes.NewReader(data), cfg); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses YAML from r into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the process environment using their env
// tags. Unset variables leave the current value in place.
func (c *Config) ApplyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("apply env: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}
	net, err := c.ResolveNetwork()
	if err != nil {
		return err
	}
	if net.Interval%time.Second != 0 {
		return fmt.Errorf("raffle.interval must be a whole number of seconds")
	}
	if !net.Development && c.VRF.CoordinatorURL == "" {
		return fmt.Errorf("network %s requires vrf.coordinator_url", net.Name)
	}
	if !net.Development && strings.TrimSpace(c.Server.OracleToken) == "" {
		return fmt.Errorf("network %s requires server.oracle_token", net.Name)
	}
	return nil
}
