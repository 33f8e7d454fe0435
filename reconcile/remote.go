package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote is the incident service boundary. Create uploads a new record and
// returns the remote id; Update patches an existing one.
//
// Implementations must distinguish transport failure (no response) from
// application rejection (an error response) by returning a *RejectionError
// for the latter. Both leave the record pending; the distinction only
// drives reporting.
type Remote interface {
	Create(ctx context.Context, payload json.RawMessage) (string, error)
	Update(ctx context.Context, id string, patch json.RawMessage) error
}

// RejectionError is an application-level refusal: the remote service
// responded, and the response was an error.
type RejectionError struct {
	Status int
	Body   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("reconcile: remote rejected with status %d", e.Status)
}

// IsRejection reports whether err is a client-side (4xx) rejection, the
// kind that retrying with the same payload will not fix.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && rej.Status >= 400 && rej.Status < 500
}

// HTTPRemote talks to the incident REST service.
type HTTPRemote struct {
	base   string
	client *http.Client
}

// HTTPRemoteOption configures an HTTPRemote.
type HTTPRemoteOption func(*HTTPRemote)

// WithHTTPClient overrides the HTTP client (and with it the transport; the
// remote must NOT go through the caching proxy transport).
func WithHTTPClient(c *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.client = c }
}

// NewHTTPRemote creates a Remote against base, e.g.
// "https://api.example.org". Incidents are created at POST {base}/incidents
// and updated at PATCH {base}/incidents/{id}.
func NewHTTPRemote(base string, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create uploads a new incident record.
func (r *HTTPRemote) Create(ctx context.Context, payload json.RawMessage) (string, error) {
	resp, err := r.do(ctx, http.MethodPost, r.base+"/incidents", payload)
	if err != nil {
		return "", err
	}

	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &ack); err != nil {
		return "", fmt.Errorf("reconcile: decode create ack: %w", err)
	}
	return ack.ID, nil
}

// Update patches an existing incident record.
func (r *HTTPRemote) Update(ctx context.Context, id string, patch json.RawMessage) error {
	_, err := r.do(ctx, http.MethodPatch, r.base+"/incidents/"+id, patch)
	return err
}

func (r *HTTPRemote) do(ctx context.Context, method, url string, body json.RawMessage) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("reconcile: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// Transport failure: no response at all.
		return nil, fmt.Errorf("reconcile: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reconcile: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RejectionError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
