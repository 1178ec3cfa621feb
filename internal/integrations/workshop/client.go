// Package workshop is the only path to the workshop-ticketing API. Every
// resource call is rate limited, retried and bounded by a timeout, and
// authenticated with a cached client-credentials token.
package workshop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"servicecert/internal/apierr"
	"servicecert/internal/logging"
	"servicecert/internal/metrics"
	"servicecert/internal/resilience"
)

const apiName = "workshop"

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
	tokenExpiryMargin     = 5 * time.Minute
	maxLoggedBody         = 512
)

// DefaultRetryPolicy is used for resource calls.
func DefaultRetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

// DefaultAuthRetryPolicy allows three token attempts in total.
func DefaultAuthRetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:        2,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
}

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Limiter is shared by every resource call of this client. Nil disables
	// rate limiting.
	Limiter *resilience.RateLimiter

	HTTPClient     *http.Client
	Logger         *zap.Logger
	RequestTimeout time.Duration
	AuthTimeout    time.Duration
	Retry          *resilience.Policy
	AuthRetry      *resilience.Policy
	// Now is the clock used for token expiry checks.
	Now func() time.Time
}

// CachedToken is an access token with its effective expiry, already reduced
// by the refresh margin.
type CachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

type Client struct {
	baseURL        string
	creds          clientcredentials.Config
	limiter        *resilience.RateLimiter
	http           *http.Client
	log            *zap.Logger
	requestTimeout time.Duration
	authTimeout    time.Duration
	retry          resilience.Policy
	authRetry      resilience.Policy
	now            func() time.Time

	mu    sync.Mutex
	token *CachedToken
}

func New(cfg Config) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		limiter:        cfg.Limiter,
		http:           cfg.HTTPClient,
		log:            logging.OrNop(cfg.Logger).With(zap.String("api", apiName)),
		requestTimeout: cfg.RequestTimeout,
		authTimeout:    cfg.AuthTimeout,
		retry:          DefaultRetryPolicy(),
		authRetry:      DefaultAuthRetryPolicy(),
		now:            cfg.Now,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.authTimeout <= 0 {
		c.authTimeout = DefaultAuthTimeout
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	}
	if cfg.AuthRetry != nil {
		c.authRetry = *cfg.AuthRetry
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.retry.OnRetry = c.onRetry("request")
	c.authRetry.OnRetry = c.onRetry("token")
	return c
}

func (c *Client) onRetry(op string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues(apiName).Inc()
		c.log.Info("workshop retry scheduled",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

// Request performs GET endpoint and decodes the JSON body into out, which
// may be nil. endpoint is a path relative to the base URL, including any
// query string.
func (c *Client) Request(ctx context.Context, endpoint string, out any) error {
	body, err := resilience.Throttle(ctx, c.limiter, 1, func(ctx context.Context) ([]byte, error) {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			body, err := resilience.WithTimeout(ctx, c.requestTimeout, "workshop GET "+endpoint,
				func(ctx context.Context) ([]byte, error) {
					return c.fetch(ctx, endpoint)
				})
			return body, classifyTimeout(endpoint, err)
		})
	})
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

// fetch performs one authenticated GET. It returns the raw body rather than
// decoding into a caller value so an abandoned attempt never writes to
// memory the caller still owns.
func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRequest(apiName, 0)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, &apierr.Error{Kind: apierr.KindNetwork, API: apiName, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	metrics.ObserveRequest(apiName, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.Error{Kind: apierr.KindNetwork, API: apiName, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("workshop api non-2xx response",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			logging.Excerpt("body", string(body), maxLoggedBody))
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken(token)
		}
		return nil, apierr.FromStatus(apiName, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func classifyTimeout(endpoint string, err error) error {
	if _, ok := apierr.KindOf(err); ok {
		return err
	}
	var timeoutErr *resilience.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &apierr.Error{Kind: apierr.KindTimeout, API: apiName, Endpoint: endpoint, Err: err}
	}
	return err
}
