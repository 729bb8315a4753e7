package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	raffleEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "round",
			Name:      "entries_total",
			Help:      "Total number of accepted raffle entries.",
		},
	)

	raffleRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "round",
			Name:      "rejections_total",
			Help:      "Total number of rejected raffle operations by reason.",
		},
		[]string{"operation", "reason"},
	)

	raffleDraws = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "round",
			Name:      "draws_total",
			Help:      "Total number of fulfillment attempts by outcome.",
		},
		[]string{"outcome"},
	)

	rafflePayout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "round",
			Name:      "payout_amount",
			Help:      "Amount paid to each round winner.",
			Buckets:   prometheus.ExponentialBuckets(1e15, 4, 10), // 0.001 to ~262 ether
		},
	)

	rafflePlayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle",
			Subsystem: "round",
			Name:      "players",
			Help:      "Number of entries in the live round.",
		},
	)

	upkeepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "automation",
			Name:      "upkeep_runs_total",
			Help:      "Total number of keeper ticks by result.",
		},
		[]string{"result"},
	)

	upkeepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "automation",
			Name:      "upkeep_duration_seconds",
			Help:      "Duration of keeper ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	vrfRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "vrf",
			Name:      "requests_total",
			Help:      "Total number of randomness requests issued.",
		},
	)

	vrfFulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "vrf",
			Name:      "fulfillments_total",
			Help:      "Total number of randomness fulfillments by consumer result.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		raffleEntries,
		raffleRejections,
		raffleDraws,
		rafflePayout,
		rafflePlayers,
		upkeepRuns,
		upkeepDuration,
		vrfRequests,
		vrfFulfillments,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEntry records an accepted entry and the resulting player count.
func RecordEntry(players int) {
	raffleEntries.Inc()
	rafflePlayers.Set(float64(players))
}

// RecordRejection records a rejected raffle operation.
func RecordRejection(operation, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	raffleRejections.WithLabelValues(operation, reason).Inc()
}

// RecordDraw records a fulfillment attempt. Payout is only observed for
// completed draws.
func RecordDraw(outcome string, payout uint64) {
	raffleDraws.WithLabelValues(outcome).Inc()
	if outcome == "paid" {
		rafflePayout.Observe(float64(payout))
		rafflePlayers.Set(0)
	}
}

// RecordUpkeep records a keeper tick.
func RecordUpkeep(result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	upkeepRuns.WithLabelValues(result).Inc()
	upkeepDuration.Observe(duration.Seconds())
}

// RecordRandomnessRequest records a randomness request sent to a coordinator.
func RecordRandomnessRequest() {
	vrfRequests.Inc()
}

// RecordRandomnessFulfillment records a coordinator fulfillment.
func RecordRandomnessFulfillment(success bool) {
	vrfFulfillments.WithLabelValues(strconv.FormatBool(success)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if len(parts) == 3 && parts[0] == "raffle" && parts[1] == "players" {
		return "/raffle/players/:index"
	}
	if len(parts) >= 2 && parts[0] == "bank" {
		if len(parts) == 3 {
			return "/bank/:address/" + parts[2]
		}
		return "/bank/:address"
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
