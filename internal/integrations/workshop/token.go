package workshop

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"servicecert/internal/apierr"
	"servicecert/internal/metrics"
	"servicecert/internal/resilience"
)

const (
	tokenEndpoint        = "token"
	defaultTokenLifetime = time.Hour
)

// AccessToken returns the cached token while it is fresh, otherwise performs
// a client-credentials exchange. Concurrent callers may both refresh; the
// fresher token wins.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok.AccessToken, nil
	}

	tok, err := resilience.Retry(ctx, c.authRetry, func(ctx context.Context) (*CachedToken, error) {
		tok, err := resilience.WithTimeout(ctx, c.authTimeout, "workshop token", c.requestToken)
		return tok, classifyTokenError(err)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		c.log.Error("workshop token request failed", zap.Error(err))
		status, cause := 0, err
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			status, cause = apiErr.StatusCode, apiErr.Err
		}
		return "", &apierr.Error{Kind: apierr.KindAuth, API: apiName, Endpoint: tokenEndpoint, StatusCode: status, Err: cause}
	}

	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	stored := c.storeToken(tok)
	c.log.Debug("workshop token refreshed", zap.Time("expires_at", stored.ExpiresAt))
	return stored.AccessToken, nil
}

func (c *Client) requestToken(ctx context.Context) (*CachedToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	lifetime := defaultTokenLifetime
	if !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry)
	}
	margin := tokenExpiryMargin
	if lifetime <= margin {
		margin = lifetime / 2
	}
	return &CachedToken{
		AccessToken: tok.AccessToken,
		ExpiresAt:   c.now().Add(lifetime - margin),
	}, nil
}

func (c *Client) cachedToken() (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || !c.now().Before(c.token.ExpiresAt) {
		return CachedToken{}, false
	}
	return *c.token, true
}

// storeToken keeps whichever of the cached and new token expires later and
// returns it.
func (c *Client) storeToken(tok *CachedToken) CachedToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || tok.ExpiresAt.After(c.token.ExpiresAt) {
		c.token = tok
	}
	return *c.token
}

func (c *Client) invalidateToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.AccessToken == accessToken {
		c.token = nil
	}
}

func classifyTokenError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var timeoutErr *resilience.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &apierr.Error{Kind: apierr.KindTimeout, API: apiName, Endpoint: tokenEndpoint, Err: err}
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		kind := apierr.KindAuth
		switch {
		case status >= 500:
			kind = apierr.KindServer
		case status == http.StatusTooManyRequests:
			kind = apierr.KindClient
		}
		return &apierr.Error{Kind: kind, API: apiName, Endpoint: tokenEndpoint, StatusCode: status, Err: err}
	}
	return &apierr.Error{Kind: apierr.KindNetwork, API: apiName, Endpoint: tokenEndpoint, Err: err}
}
