// Package runtime turns a loaded configuration into a running process: it
// opens the database, applies migrations, connects redis and serves HTTP.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	app "github.com/R3E-Network/raffle_layer/internal/app"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/httpapi"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/platform/migrations"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

const auditBufferSize = 200

// Application wires core dependencies and manages the process lifecycle.
type Application struct {
	cfg   *config.Config
	log   *logger.Logger
	app   *app.Application
	http  *httpapi.Service
	db    *sql.DB
	redis *redis.Client
}

// NewApplication constructs the application described by cfg.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.New(cfg.Logging)

	a := &Application{cfg: cfg, log: log}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.cfg
	var stores app.Stores
	if cfg.Database.DSN != "" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.db = db
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(db); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		store := postgres.New(db)
		stores = app.Stores{Raffle: store}
	} else {
		a.log.Warn("database dsn not set; raffle state is kept in memory")
	}

	var opts []app.Option
	if cfg.Redis.Addr != "" {
		client, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.redis = client
		opts = append(opts, app.WithPublisher(events.NewRedisPublisher(client, cfg.Redis.Channel)))
	}

	application, err := app.New(ctx, cfg, stores, a.log.Named("app"), opts...)
	if err != nil {
		return err
	}
	a.app = application

	audit, err := httpapi.NewAuditLog(auditBufferSize, cfg.Server.AuditLogPath)
	if err != nil {
		return fmt.Errorf("configure audit log: %w", err)
	}
	if a.db != nil {
		audit = httpapi.NewPostgresAuditLog(auditBufferSize, sqlx.NewDb(a.db, "postgres"))
	}
	handler := httpapi.NewHandler(application, httpapi.Config{
		OracleToken: cfg.Server.OracleToken,
		AdminToken:  cfg.Server.AdminToken,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		Audit:       audit,
	}, a.log.Named("httpapi"))
	a.http = httpapi.NewService(cfg.Server.Addr(), handler, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, a.log.Named("http"))
	return application.Attach(a.http)
}

// App exposes the composed application.
func (a *Application) App() *app.Application { return a.app }

// HTTPAddr returns the address the HTTP server is bound to.
func (a *Application) HTTPAddr() string { return a.http.Addr() }

// Run starts every service and blocks until ctx is cancelled or the HTTP
// server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.http.Errors():
		return err
	}
}

// Shutdown stops services and releases connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.app.Stop(shutdownCtx)
	a.close()
	return err
}

func (a *Application) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
		a.db = nil
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn not configured")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := postgres.Open(pingCtx, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}
