package license

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Reachability is the result of a connectivity check.
type Reachability struct {
	Reachable bool  `json:"reachable"`
	LatencyMS int64 `json:"latency_ms"`
	Err       error `json:"-"`
}

// ConnectivityChecker reports whether the license authority can be reached.
type ConnectivityChecker interface {
	Check(ctx context.Context) Reachability
}

// AlwaysReachable is the checker of a standalone deployment, where the
// authority is this process.
type AlwaysReachable struct{}

func (AlwaysReachable) Check(context.Context) Reachability {
	return Reachability{Reachable: true}
}

// HTTPChecker checks reachability with a GET against a health endpoint.
// Any response below 500 counts as reachable.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker checks baseURL + /api/health.
func NewHTTPChecker(baseURL string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPChecker{URL: baseURL + "/api/health", Client: client}
}

func (p *HTTPChecker) Check(ctx context.Context) Reachability {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Reachability{Err: err}
	}

	resp, err := p.Client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Reachability{LatencyMS: latency, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Reachability{LatencyMS: latency, Err: fmt.Errorf("health endpoint returned %d", resp.StatusCode)}
	}
	return Reachability{Reachable: true, LatencyMS: latency}
}
