package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/raffle_layer/internal/app"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/services/bank"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/services/vrf"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// CallerHeader names the address a randomness callback claims to come from.
const CallerHeader = "X-Caller-Address"

const maxDrawsLimit = 500

// Config tunes the handler. Zero values disable the matching feature.
type Config struct {
	// OracleToken must be presented as a bearer token on /vrf/callback. The
	// route is not served without it.
	OracleToken string
	// AdminToken guards entering on behalf of a wallet and withdrawals, plus
	// deposits and payout blocking on development networks. Those routes are
	// not served without it.
	AdminToken string
	RateLimit  float64
	RateBurst  int
	Audit      *auditLog
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app         *app.Application
	oracleToken string
	adminToken  string
	audit       *auditLog
	log         *logger.Logger
}

// NewHandler returns a router exposing the raffle REST API, the event stream
// and prometheus metrics.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		app:         application,
		oracleToken: strings.TrimSpace(cfg.OracleToken),
		adminToken:  strings.TrimSpace(cfg.AdminToken),
		audit:       cfg.Audit,
		log:         log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/raffle", h.snapshot).Methods(http.MethodGet)
	router.HandleFunc("/raffle/config", h.config).Methods(http.MethodGet)
	router.HandleFunc("/raffle/players", h.players).Methods(http.MethodGet)
	router.HandleFunc("/raffle/players/count", h.playerCount).Methods(http.MethodGet)
	router.HandleFunc("/raffle/players/{index}", h.player).Methods(http.MethodGet)
	router.HandleFunc("/raffle/winner", h.winner).Methods(http.MethodGet)
	router.HandleFunc("/raffle/draws", h.draws).Methods(http.MethodGet)
	router.HandleFunc("/raffle/upkeep", h.checkUpkeep).Methods(http.MethodGet)
	router.HandleFunc("/raffle/upkeep", h.performUpkeep).Methods(http.MethodPost)
	router.HandleFunc("/raffle/payout/retry", h.retryPayout).Methods(http.MethodPost)

	router.HandleFunc("/vrf/requests", h.vrfPending).Methods(http.MethodGet)
	router.HandleFunc("/vrf/requests/{id}/fulfill", h.vrfFulfill).Methods(http.MethodPost)
	router.HandleFunc("/vrf/subscription", h.vrfSubscription).Methods(http.MethodGet)

	router.HandleFunc("/bank/{address}", h.wallet).Methods(http.MethodGet)

	if h.oracleToken != "" {
		router.HandleFunc("/vrf/callback", h.requireToken(h.oracleToken, "oracle", h.vrfCallback)).Methods(http.MethodPost)
	} else {
		log.Info("oracle token not set; /vrf/callback disabled")
	}
	if h.adminToken != "" {
		router.HandleFunc("/raffle/enter", h.requireToken(h.adminToken, "admin", h.enter)).Methods(http.MethodPost)
		router.HandleFunc("/bank/{address}/withdraw", h.requireToken(h.adminToken, "admin", h.withdraw)).Methods(http.MethodPost)
		if application.Network.Development {
			router.HandleFunc("/bank/{address}/deposit", h.requireToken(h.adminToken, "admin", h.deposit)).Methods(http.MethodPost)
			router.HandleFunc("/bank/{address}/block", h.requireToken(h.adminToken, "admin", h.block)).Methods(http.MethodPost, http.MethodDelete)
		}
	} else {
		log.Info("admin token not set; wallet routes disabled")
	}

	router.HandleFunc("/events", h.streamEvents).Methods(http.MethodGet)
	router.HandleFunc("/events/recent", h.recentEvents).Methods(http.MethodGet)
	if h.audit != nil {
		router.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)
	}

	var out http.Handler = router
	out = wrapWithAudit(out, h.audit)
	if cfg.RateLimit > 0 {
		out = newRateLimiter(cfg.RateLimit, cfg.RateBurst, log).wrap(out)
	}
	return metrics.InstrumentHandler(out)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"network": h.app.Network.Name,
		"state":   h.app.Raffle.State().String(),
	})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Raffle.Snapshot())
}

func (h *handler) config(w http.ResponseWriter, r *http.Request) {
	cfg := h.app.Raffle.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"network":               h.app.Network.Name,
		"chain_id":              h.app.Network.ChainID,
		"address":               cfg.Address,
		"entrance_fee":          cfg.EntranceFee,
		"interval_seconds":      int64(cfg.Interval.Seconds()),
		"coordinator":           cfg.Coordinator,
		"gas_lane":              cfg.GasLane,
		"subscription_id":       cfg.SubscriptionID,
		"callback_gas_limit":    cfg.CallbackGasLimit,
		"request_confirmations": cfg.RequestConfirmations,
	})
}

func (h *handler) enter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Player string `json:"player"`
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	player, err := account.ParseAddress(payload.Player)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if payload.Amount < h.app.Raffle.EntranceFee() {
		writeError(w, http.StatusBadRequest, raffle.ErrInsufficientPayment)
		return
	}
	if _, err := h.app.Bank.Withdraw(ctx, player, payload.Amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := h.app.Raffle.Enter(ctx, player, payload.Amount); err != nil {
		if _, refundErr := h.app.Bank.Deposit(ctx, player, payload.Amount); refundErr != nil {
			h.log.WithError(refundErr).
				WithField("player", player).
				WithField("amount", payload.Amount).
				Error("refund rejected entry")
		}
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"player":  player,
		"amount":  payload.Amount,
		"players": h.app.Raffle.NumberOfPlayers(),
		"balance": h.app.Raffle.Balance(),
	})
}

func (h *handler) players(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Raffle.Snapshot().Players)
}

func (h *handler) playerCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": h.app.Raffle.NumberOfPlayers()})
}

func (h *handler) player(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid index: %w", err))
		return
	}
	addr, err := h.app.Raffle.Player(index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "player": addr})
}

func (h *handler) winner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recent_winner": h.app.Raffle.RecentWinner()})
}

func (h *handler) draws(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, maxDrawsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	draws, err := h.app.Raffle.Draws(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, draws)
}

func (h *handler) checkUpkeep(w http.ResponseWriter, r *http.Request) {
	needed, data := h.app.Raffle.CheckUpkeep(r.Context(), nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"upkeep_needed": needed,
		"perform_data":  "0x" + fmt.Sprintf("%x", data),
	})
}

func (h *handler) performUpkeep(w http.ResponseWriter, r *http.Request) {
	id, err := h.app.Raffle.PerformUpkeep(r.Context(), nil)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": id})
}

func (h *handler) retryPayout(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Raffle.RetryPayout(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent_winner": h.app.Raffle.RecentWinner()})
}

func (h *handler) vrfCallback(w http.ResponseWriter, r *http.Request) {
	caller, err := account.ParseAddress(r.Header.Get(CallerHeader))
	if err != nil {
		writeError(w, http.StatusForbidden, fmt.Errorf("%s: %w", CallerHeader, err))
		return
	}

	var payload struct {
		RequestID   uint64   `json:"request_id"`
		RandomWords []string `json:"random_words"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	words, err := parseWords(payload.RandomWords)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Raffle.RawFulfillRandomWords(r.Context(), caller, payload.RequestID, words); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":    payload.RequestID,
		"recent_winner": h.app.Raffle.RecentWinner(),
	})
}

func (h *handler) vrfPending(w http.ResponseWriter, r *http.Request) {
	if h.app.Mock == nil {
		writeError(w, http.StatusNotFound, errors.New("coordinator mock not enabled"))
		return
	}
	reqs, err := h.app.Mock.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *handler) vrfFulfill(w http.ResponseWriter, r *http.Request) {
	if h.app.Mock == nil {
		writeError(w, http.StatusNotFound, errors.New("coordinator mock not enabled"))
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request id: %w", err))
		return
	}
	result, err := h.app.Mock.FulfillRandomWords(r.Context(), id, h.app.Raffle.Config().Address)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": result.RequestID,
		"success":    result.Success,
		"error":      result.Error,
		"payment":    result.Payment.String(),
	})
}

func (h *handler) vrfSubscription(w http.ResponseWriter, r *http.Request) {
	if h.app.Mock == nil {
		writeError(w, http.StatusNotFound, errors.New("coordinator mock not enabled"))
		return
	}
	sub, err := h.app.Mock.GetSubscription(r.Context(), h.app.Raffle.Config().SubscriptionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        sub.ID,
		"owner":     sub.Owner,
		"balance":   sub.Balance.String(),
		"consumers": sub.Consumers,
	})
}

func (h *handler) wallet(w http.ResponseWriter, r *http.Request) {
	addr, err := account.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wallet, err := h.app.Bank.Wallet(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, walletView(wallet))
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.app.Bank.Deposit)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.app.Bank.Withdraw)
}

// block marks an address as refusing payouts (POST) or clears the mark
// (DELETE).
func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	addr, err := account.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	blocked := r.Method == http.MethodPost
	if blocked {
		h.app.Bank.Block(addr)
	} else {
		h.app.Bank.Unblock(addr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "blocked": blocked})
}

type walletOp func(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error)

func (h *handler) moveFunds(w http.ResponseWriter, r *http.Request, op walletOp) {
	addr, err := account.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wallet, err := op(r.Context(), addr, payload.Amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, walletView(wallet))
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, 256)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var out []events.Event
	if t := strings.TrimSpace(r.URL.Query().Get("type")); t != "" {
		out = h.app.Events.RecentByType(events.Type(t), limit)
	} else {
		out = h.app.Events.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100, h.audit.max)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, raffle.ErrInsufficientPayment),
		errors.Is(err, raffle.ErrBalanceOverflow),
		errors.Is(err, raffle.ErrNoRandomWords),
		errors.Is(err, bank.ErrInsufficientFunds),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrBalanceOverflow):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrRoundNotOpen),
		errors.Is(err, raffle.ErrUpkeepNotNeeded),
		errors.Is(err, raffle.ErrTransferFailed),
		errors.Is(err, raffle.ErrNoStalledPayout):
		return http.StatusConflict
	case errors.Is(err, raffle.ErrUnknownRequest),
		errors.Is(err, raffle.ErrOnlyCoordinator):
		return http.StatusForbidden
	case errors.Is(err, raffle.ErrPlayerIndexOutOfRange),
		errors.Is(err, vrf.ErrNonexistentRequest),
		errors.Is(err, vrf.ErrInvalidSubscription):
		return http.StatusNotFound
	case errors.Is(err, vrf.ErrInsufficientBalance),
		errors.Is(err, vrf.ErrNoCallback):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func walletView(w account.Wallet) map[string]any {
	return map[string]any{
		"address":    w.Address,
		"balance":    w.Balance,
		"updated_at": w.UpdatedAt,
	}
}

// parseWords accepts decimal or 0x-prefixed hex words.
func parseWords(raw []string) ([]*big.Int, error) {
	words := make([]*big.Int, 0, len(raw))
	for i, s := range raw {
		word, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
		if !ok || word.Sign() < 0 {
			return nil, fmt.Errorf("random_words[%d]: invalid word %q", i, s)
		}
		words = append(words, word)
	}
	return words, nil
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

// requireToken rejects requests whose bearer token does not match want.
func (h *handler) requireToken(want, realm string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(bearerToken(r), want) {
			h.log.WithField("path", r.URL.Path).
				WithField("remote_addr", r.RemoteAddr).
				Warnf("rejected request without valid %s token", realm)
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid %s token", realm))
			return
		}
		next(w, r)
	}
}

func tokenMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
