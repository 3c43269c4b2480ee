// Package health provides the connectivity probes used for instance
// readiness polling and infrastructure bootstrap verification.
package health

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint and reports whether it answered 200.
type HTTPChecker struct {
	client *http.Client
}

// NewHTTPChecker creates a checker with the given per-request timeout.
// TLS verification is skipped: a new instance answers with the proxy's
// default certificate until its real one is issued.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Check performs one GET against url. Anything but a 200 is unhealthy.
func (h *HTTPChecker) Check(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
