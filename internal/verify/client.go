package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridharvest/coordinator/internal/resilience"
)

const defaultTimeout = 20 * time.Second

// Result is the authoritative answer for one work unit from the
// ground-truth source.
type Result struct {
	UnitID      string            `json:"unit_id"`
	RecordCount int64             `json:"record_count"`
	RecordIDs   []string          `json:"record_ids,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Client fetches authoritative unit data for spot checks. Every call is
// budget-gated by the caller; the client itself only handles transport.
type Client interface {
	Lookup(ctx context.Context, unitID string) (*Result, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the verification source base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the default retry configuration.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithBreaker overrides the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewClient creates a ground-truth verification client.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: defaultTimeout,
		},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig()),
	}
	c.retry.OnRetry = resilience.RetryLogger("verify", "lookup")
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup fetches authoritative data for one unit. Attempts run through
// the circuit breaker inside the retry loop: an open breaker surfaces
// immediately since ErrCircuitOpen is not transient.
func (c *httpClient) Lookup(ctx context.Context, unitID string) (*Result, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Result, error) {
		return resilience.BreakVal(ctx, c.breaker, func(ctx context.Context) (*Result, error) {
			return c.lookupOnce(ctx, unitID)
		})
	})
}

func (c *httpClient) lookupOnce(ctx context.Context, unitID string) (*Result, error) {
	url := fmt.Sprintf("%s/v1/units/%s", c.baseURL, unitID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "verify: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "verify: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "verify: read response")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("verify: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("verify: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "verify: unmarshal response")
	}
	result.FetchedAt = time.Now().UTC()
	return &result, nil
}
