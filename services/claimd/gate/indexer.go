package gate

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

	"golang.org/x/time/rate"

	"questrewards/services/claimd/scopekey"
)

// IndexerConfig describes how to reach the condition indexer.
type IndexerConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Location          *time.Location
}

// IndexerClient queries an external indexer that answers one boolean predicate per
// quest family. Requests are throttled client-side so a claim burst cannot exhaust the
// indexer's quota.
type IndexerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	location   *time.Location
}

// NewIndexerClient builds a client from cfg.
func NewIndexerClient(cfg IndexerConfig) (*IndexerClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("gate: indexer base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("gate: invalid indexer url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &IndexerClient{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		location:   loc,
	}, nil
}

// Gate returns the gate answering predicates of the given family.
func (c *IndexerClient) Gate(family string) Gate {
	return &IndexerGate{client: c, family: normalizeFamily(family)}
}

// IndexerGate evaluates a single quest family through the indexer.
type IndexerGate struct {
	client *IndexerClient
	family string
}

type conditionRequest struct {
	Address     string `json:"address"`
	Window      string `json:"window"`
	WindowStart int64  `json:"windowStart,omitempty"`
}

type conditionResponse struct {
	Satisfied *bool  `json:"satisfied"`
	Error     string `json:"error,omitempty"`
}

// Satisfied posts the predicate query and decodes the indexer's verdict.
func (g *IndexerGate) Satisfied(ctx context.Context, userAddress, window string) (bool, error) {
	if g == nil || g.client == nil {
		return false, fmt.Errorf("gate: indexer not configured")
	}
	c := g.client
	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("gate: throttled: %w", err)
	}
	payload := conditionRequest{
		Address: scopekey.Normalize(userAddress),
		Window:  window,
	}
	if start, ok := scopekey.Start(window, c.location); ok {
		payload.WindowStart = start.Unix()
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	endpoint := c.baseURL + "/conditions/" + url.PathEscape(g.family)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("gate: indexer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("gate: indexer status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded conditionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("gate: decode indexer response: %w", err)
	}
	if decoded.Error != "" {
		return false, fmt.Errorf("gate: indexer error: %s", decoded.Error)
	}
	if decoded.Satisfied == nil {
		return false, fmt.Errorf("gate: indexer response missing verdict")
	}
	return *decoded.Satisfied, nil
}

var _ Gate = (*IndexerGate)(nil)
