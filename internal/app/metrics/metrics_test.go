package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/":                            "/",
		"/raffle":                      "/raffle",
		"/raffle/players/3":            "/raffle/players/:index",
		"/raffle/players/count":        "/raffle/players/:index",
		"/bank/0xabc":                  "/bank/:address",
		"/bank/0xabc/deposit":          "/bank/:address/deposit",
		"/vrf/callback":                "/vrf/callback",
		"/raffle/draws/extra/segments": "/raffle/draws",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}

func TestHandlerExposesRaffleMetrics(t *testing.T) {
	RecordEntry(2)
	RecordDraw("paid", 2e16)
	RecordUpkeep("performed", 0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "raffle_round_entries_total"))
	assert.True(t, strings.Contains(body, "raffle_round_draws_total"))
	assert.True(t, strings.Contains(body, "raffle_automation_upkeep_runs_total"))
}
