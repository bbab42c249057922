// Package upstream holds the HTTP clients for the metadata (geometry kind),
// bounding box query and style document endpoints.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mohammed-shakir/mapsync/internal/core/observability"
)

// StatusError is a non-2xx upstream answer.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: status %d", e.URL, e.Status)
}

// get fetches u and returns at most limit bytes of the body.
func get(ctx context.Context, client *http.Client, name, u, accept string, limit int64) ([]byte, error) {
	start := time.Now()
	body, err := doGet(ctx, client, u, accept, limit)
	observability.ObserveUpstream(name, err, time.Since(start).Seconds())
	return body, err
}

func doGet(ctx context.Context, client *http.Client, u, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: u, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}
