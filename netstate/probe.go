package netstate

import (
	"context"
	"net/http"
	"time"
)

// ProbeOptions tunes the reachability probe loop.
type ProbeOptions struct {
	// URL is fetched with a HEAD request to decide reachability. Required.
	URL string
	// Interval is the polling frequency. Default: 15s.
	Interval time.Duration
	// Timeout bounds each probe request. Default: 5s.
	Timeout time.Duration
	// Client overrides the HTTP client used for probes. The probe must not
	// go through the caching transport, or a cached hit would report a dead
	// network as alive.
	Client *http.Client
}

func (o *ProbeOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
}

// Watch polls the probe URL at the configured interval and feeds the
// result into SetOnline. Blocks until ctx is cancelled; run it in a
// goroutine. An immediate probe runs before the first tick.
func (m *Monitor) Watch(ctx context.Context, opts ProbeOptions) {
	opts.defaults()

	m.logger.Info("connectivity probe started", "url", opts.URL, "interval", opts.Interval)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	m.SetOnline(m.probe(ctx, opts))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity probe stopped")
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx, opts))
		}
	}
}

func (m *Monitor) probe(ctx context.Context, opts ProbeOptions) bool {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, opts.URL, nil)
	if err != nil {
		m.logger.Warn("probe request build failed", "url", opts.URL, "error", err)
		return false
	}
	resp, err := opts.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
