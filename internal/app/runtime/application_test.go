package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle_layer/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Logging.Level = "error"
	cfg.Keeper.Enabled = false
	return cfg
}

func TestRunServesHTTPWithMemoryStores(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())

	application, err := NewApplication(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(fmt.Sprintf("http://%s/healthz", application.HTTPAddr()))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, application.Shutdown(context.Background()))
}

func TestNewApplicationRejectsBadDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Database.DSN = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	_, err := NewApplication(context.Background(), cfg)
	require.Error(t, err)
}

func TestApplicationIntegrationPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}
	cfg := testConfig()
	cfg.Database.DSN = dsn

	application, err := NewApplication(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	snap := application.App().Raffle.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
}
