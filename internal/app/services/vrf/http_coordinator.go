package vrf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/vrf"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// HTTPCoordinator forwards randomness requests to a remote provider. The
// provider later delivers words to the raffle's callback endpoint.
type HTTPCoordinator struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPCoordinator constructs a coordinator client for endpoint.
func NewHTTPCoordinator(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPCoordinator, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("coordinator endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse coordinator endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("coordinator endpoint must be http(s): %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("vrf-http-coordinator")
	}
	return &HTTPCoordinator{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (c *HTTPCoordinator) RequestRandomWords(ctx context.Context, req domain.RandomWordsRequest) (uint64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encode coordinator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build coordinator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("coordinator request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read coordinator response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := gjson.GetBytes(raw, "error"); msg.Exists() {
			return 0, fmt.Errorf("coordinator status %d: %s", resp.StatusCode, msg.String())
		}
		return 0, fmt.Errorf("coordinator status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return 0, fmt.Errorf("decode coordinator response: invalid json")
	}

	id := gjson.GetBytes(raw, "request_id")
	if !id.Exists() {
		id = gjson.GetBytes(raw, "data.request_id")
	}
	if !id.Exists() || id.Uint() == 0 {
		return 0, fmt.Errorf("coordinator response missing request_id")
	}

	c.log.WithField("request_id", id.Uint()).
		WithField("subscription_id", req.SubscriptionID).
		Debug("random words requested from remote coordinator")
	return id.Uint(), nil
}
