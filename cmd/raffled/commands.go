package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/raffle_layer/internal/app/runtime"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/platform/migrations"
)

func loadConfig() (*config.Config, error) {
	return config.Load(configPath, envFiles...)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the raffle, keeper and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := runtime.NewApplication(ctx, cfg)
			if err != nil {
				return err
			}
			runErr := application.Run(ctx)
			if err := application.Shutdown(context.Background()); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	withDB := func(run func(ctx context.Context, cfg *config.Config) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn (or DATABASE_DSN) is required")
			}
			return run(cmd.Context(), cfg)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withDB(func(ctx context.Context, cfg *config.Config) error {
			db, err := postgres.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrations.Up(db); err != nil {
				return err
			}
			version, dirty, err := migrations.Version(db)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d (dirty=%v)\n", version, dirty)
			return nil
		}),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: withDB(func(ctx context.Context, cfg *config.Config) error {
			db, err := postgres.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Down(db, steps)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: withDB(func(ctx context.Context, cfg *config.Config) error {
			db, err := postgres.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			v, dirty, err := migrations.Version(db)
			if err != nil {
				return err
			}
			fmt.Printf("%d dirty=%v\n", v, dirty)
			return nil
		}),
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func statusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the live round of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := fetch(cmd.Context(), strings.TrimRight(addr, "/")+"/raffle")
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "base URL of the raffle server")
	return cmd
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	return body, nil
}

func printStatus(w io.Writer, body []byte) error {
	if !gjson.ValidBytes(body) {
		return errors.New("invalid status response")
	}
	snap := gjson.ParseBytes(body)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "round\t%d\n", snap.Get("round").Uint())
	fmt.Fprintf(tw, "state\t%s\n", snap.Get("state").String())
	fmt.Fprintf(tw, "players\t%d\n", len(snap.Get("players").Array()))
	fmt.Fprintf(tw, "balance\t%s\n", snap.Get("balance").Raw)
	fmt.Fprintf(tw, "entrance fee\t%s\n", snap.Get("entrance_fee").Raw)
	fmt.Fprintf(tw, "interval\t%ss\n", snap.Get("interval_seconds").Raw)
	fmt.Fprintf(tw, "last timestamp\t%s\n", snap.Get("last_timestamp").String())
	if id := snap.Get("pending_request_id"); id.Exists() {
		fmt.Fprintf(tw, "pending request\t%s\n", id.Raw)
	}
	if winner := snap.Get("recent_winner"); winner.Exists() {
		fmt.Fprintf(tw, "recent winner\t%s\n", winner.String())
	}
	return tw.Flush()
}

func networksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List known networks",
		Run: func(cmd *cobra.Command, _ []string) {
			ids := make([]uint64, 0, len(config.Networks))
			for id := range config.Networks {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCHAIN ID\tDEV\tCOORDINATOR\tFEE\tINTERVAL")
			for _, id := range ids {
				n := config.Networks[id]
				coordinator := n.VRFCoordinator.String()
				if coordinator == "" {
					coordinator = "mock"
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%d\t%s\n", n.Name, strconv.FormatUint(n.ChainID, 10), n.Development, coordinator, n.EntranceFee, n.Interval)
			}
			_ = tw.Flush()
		},
	}
}
