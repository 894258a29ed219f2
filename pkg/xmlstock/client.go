// Package xmlstock provides a client for the xmlstock.com Yandex XML search
// API. A response is reduced to the enrichment payload stored per keyword.
package xmlstock

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resilience"
)

const (
	defaultBaseURL = "https://xmlstock.com/yandex/xml/"
	defaultRegion  = 213
	maxBodyBytes   = 8 << 20
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRegion sets the Yandex region code sent as lr.
func WithRegion(lr int) Option {
	return func(c *Client) {
		c.region = lr
	}
}

// WithLimiter replaces the default adaptive limiter.
func WithLimiter(l *AdaptiveLimiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithMaxTop caps the number of results kept per keyword.
func WithMaxTop(n int) Option {
	return func(c *Client) {
		c.maxTop = n
	}
}

// Client fetches search results for one keyword at a time. It is safe for
// concurrent use.
type Client struct {
	user    string
	key     string
	baseURL string
	region  int
	maxTop  int
	http    *http.Client
	limiter *AdaptiveLimiter
}

// NewClient creates a client for the given API credentials.
func NewClient(user, key string, opts ...Option) *Client {
	c := &Client{
		user:    user,
		key:     key,
		baseURL: defaultBaseURL,
		region:  defaultRegion,
		maxTop:  model.DefaultMaxTopResults,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: NewAdaptiveLimiter(rate.Limit(30), 30),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch requests the SERP for keyword. Failures are tagged with
// resilience.TransientError or resilience.PermanentError; a context error
// is returned untagged.
func (c *Client) Fetch(ctx context.Context, keyword string) (model.Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Completion{}, eris.Wrap(err, "xmlstock: wait for rate limiter")
	}

	q := url.Values{}
	q.Set("user", c.user)
	q.Set("key", c.key)
	q.Set("query", keyword)
	q.Set("lr", strconv.Itoa(c.region))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return model.Completion{}, resilience.NewPermanentError(eris.Wrap(err, "xmlstock: create request"), 0)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return model.Completion{}, eris.Wrap(ctx.Err(), "xmlstock: request cancelled")
		}
		return model.Completion{}, resilience.NewTransientError(eris.Wrap(err, "xmlstock: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return model.Completion{}, resilience.NewTransientError(eris.Wrap(err, "xmlstock: read body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.Throttled()
		}
		herr := eris.Errorf("xmlstock: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return model.Completion{}, resilience.NewTransientError(herr, resp.StatusCode)
		}
		return model.Completion{}, resilience.NewPermanentError(herr, resp.StatusCode)
	}

	comp, err := ParseResponse(keyword, body, c.maxTop)
	if err != nil {
		var te *resilience.TransientError
		if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
			c.limiter.Throttled()
		}
		return model.Completion{}, err
	}
	c.limiter.Succeeded()

	if comp.RequestID == "" {
		comp.RequestID = uuid.NewString()
	}
	comp.Source = model.SourceAPI

	zap.L().Debug("xmlstock: fetched",
		zap.String("keyword", keyword),
		zap.String("request_id", comp.RequestID),
		zap.Int("results", len(comp.Payload.Results)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return comp, nil
}
