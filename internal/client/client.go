// Package client implements the HTTP clients the services use to reach
// each other. Every call is bounded by the configured timeout and maps
// transport failures to DEPENDENCY_UNAVAILABLE so callers can tell "the
// record does not exist" apart from "the service could not answer".
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/edutrack/edutrack-api/pkg/errors"
)

// envelope mirrors pkg/response.Envelope for decoding.
type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

type httpClient struct {
	base string
	http *http.Client
}

func newHTTPClient(baseURL string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return httpClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// do performs the request and decodes the envelope. A nil out skips body
// decoding. Transport-level failures (connection refused, timeout) come
// back as ErrDependencyUnavailable.
func (c httpClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrDependencyUnavailable.Code, appErrors.ErrDependencyUnavailable.Status,
			fmt.Sprintf("%s %s unreachable", method, path))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrDependencyUnavailable.Code, appErrors.ErrDependencyUnavailable.Status, "read response")
	}

	var env envelope
	if len(body) > 0 {
		// Tolerate non-envelope bodies from proxies and load balancers.
		_ = json.Unmarshal(body, &env)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && env.Data != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "decode response")
			}
		}
		return nil
	}

	if env.Error != nil && env.Error.Code != "" {
		return appErrors.New(env.Error.Code, resp.StatusCode, env.Error.Message)
	}
	if resp.StatusCode >= 500 {
		return appErrors.Clone(appErrors.ErrDependencyUnavailable, fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))
	}
	return appErrors.New(appErrors.ErrInternal.Code, resp.StatusCode, fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))
}
