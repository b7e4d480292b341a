package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const queryAPI = "/api/v1/query"

// HTTPBackend talks to any server exposing the Prometheus HTTP query API.
// Unlike PrometheusBackend it tolerates non-standard point encodings.
type HTTPBackend struct {
	api *resty.Client
}

// NewHTTPBackend creates a backend for the server at address
func NewHTTPBackend(address string, timeout time.Duration) *HTTPBackend {
	c := resty.New().SetBaseURL(address)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &HTTPBackend{api: c}
}

type queryStatus struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
}

// Query runs an instant query at ts
func (b *HTTPBackend) Query(ctx context.Context, query string, ts time.Time) (Result, error) {
	req := b.api.R().
		SetContext(ctx).
		SetQueryParam("query", query)
	if !ts.IsZero() {
		req.SetQueryParam("time", strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', 3, 64))
	}

	resp, err := req.Get(queryAPI)
	if err != nil {
		return Result{}, fmt.Errorf("metrics query failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status code: %d, response: %s", resp.StatusCode(), resp.String())
	}

	var status queryStatus
	if err := json.Unmarshal(resp.Body(), &status); err == nil && status.Status == "error" {
		return Result{}, fmt.Errorf("metrics query error (%s): %s", status.ErrorType, status.Error)
	}
	return DecodeResult(resp.Body()), nil
}
