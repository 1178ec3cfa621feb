// Package httpx builds the HTTP client shared by the outbound API clients.
package httpx

import (
	"net"
	"net/http"
	"time"
)

// defaultExternalHTTPTimeout sits above the longest per-attempt timeout
// (LLM, 60s) so it only trips on a wedged connection.
const defaultExternalHTTPTimeout = 90 * time.Second

// ExternalTimeout returns the client timeout for timeoutSeconds, falling
// back to the default when it is not positive.
func ExternalTimeout(timeoutSeconds int) time.Duration {
	if timeoutSeconds <= 0 {
		return defaultExternalHTTPTimeout
	}
	return time.Duration(timeoutSeconds) * time.Second
}

// NewExternalClient returns a client with a hard timeout and a pooled
// transport.
func NewExternalClient(timeoutSeconds int) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   ExternalTimeout(timeoutSeconds),
		Transport: transport,
	}
}
