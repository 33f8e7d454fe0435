// Package proxy intercepts the application's outbound requests and applies
// a per-class caching strategy, so reads keep working when the network is
// degraded or gone.
//
// The Transport implements http.RoundTripper; install it as the transport
// of the application's HTTP client and every GET it makes is classified
// (API call, map tile, image, navigation, asset) and served per strategy,
// with cached responses persisted in namespace partitions. Non-GET
// requests always bypass to the network untouched.
//
//	t := proxy.New(cs, proxy.Rules{AppHost: "app.example.org", APIPrefixes: []string{"/api/"}})
//	client := &http.Client{Transport: t}
package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bagyo/offline/cachens"
)

const (
	cacheStatusHeader      = "X-Cache-Status"
	cacheStatusHit         = "HIT"
	cacheStatusStale       = "STALE"
	cacheStatusPlaceholder = "PLACEHOLDER"
	cacheStatusOffline     = "OFFLINE"
)

// defaultAPITimeout is the race window for network-first API requests.
const defaultAPITimeout = 5 * time.Second

// defaultMaxBody caps the size of a cacheable response body. Larger
// responses are still returned, just never cached.
const defaultMaxBody = 4 << 20

// Transport is the request-interception cache proxy.
type Transport struct {
	base  http.RoundTripper
	cache *cachens.Store
	rules Rules

	ttl        map[cachens.Namespace]time.Duration
	apiTimeout time.Duration
	maxBody    int64

	sf       singleflight.Group
	commands chan Command
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying RoundTripper. Default:
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithTTL overrides the freshness window of one namespace.
func WithTTL(ns cachens.Namespace, d time.Duration) Option {
	return func(t *Transport) { t.ttl[ns] = d }
}

// WithAPITimeout sets the network-vs-timer race window. Default: 5s.
func WithAPITimeout(d time.Duration) Option {
	return func(t *Transport) { t.apiTimeout = d }
}

// WithMaxBody caps cacheable body size in bytes.
func WithMaxBody(n int64) Option {
	return func(t *Transport) { t.maxBody = n }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(t *Transport) { t.now = fn }
}

// New creates a Transport over the namespace cache store.
func New(cache *cachens.Store, rules Rules, opts ...Option) *Transport {
	t := &Transport{
		base:       http.DefaultTransport,
		cache:      cache,
		rules:      rules,
		ttl:        make(map[cachens.Namespace]time.Duration),
		apiTimeout: defaultAPITimeout,
		maxBody:    defaultMaxBody,
		commands:   make(chan Command, 8),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// nsTTL returns the effective freshness window for a namespace.
func (t *Transport) nsTTL(ns cachens.Namespace) time.Duration {
	if d, ok := t.ttl[ns]; ok {
		return d
	}
	return cachens.DefaultTTL(ns)
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy, ns := t.rules.Classify(req)

	switch strategy {
	case StrategyNetworkFirstRace:
		return t.networkFirstRace(req, ns)
	case StrategyCacheFirstNoExpiry:
		return t.cacheFirst(req, ns, false)
	case StrategyCacheFirstTTL:
		return t.cacheFirst(req, ns, true)
	case StrategyNetworkFirstFallback:
		return t.networkFirstFallback(req, ns)
	case StrategyStaleWhileRevalidate:
		return t.staleWhileRevalidate(req, ns)
	default:
		return t.base.RoundTrip(req)
	}
}

// fetchResult is the outcome of one network attempt with the body drained.
type fetchResult struct {
	resp *http.Response
	body []byte
	err  error
}

// ok reports a usable success: a response arrived and was 2xx.
func (f fetchResult) ok() bool {
	return f.err == nil && f.resp.StatusCode >= 200 && f.resp.StatusCode < 300
}

// fetch performs one network round trip and buffers the body so it can be
// both cached and returned. The returned response has its body replaced
// with the buffered copy.
func (t *Transport) fetch(req *http.Request) fetchResult {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return fetchResult{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchResult{err: err}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return fetchResult{resp: resp, body: body}
}

// storeEntry writes one cache entry, stamped with the proxy clock. Only
// successful GET responses are ever stored; oversized bodies are skipped.
func (t *Transport) storeEntry(ctx context.Context, ns cachens.Namespace, key string, fr fetchResult) {
	if !fr.ok() || int64(len(fr.body)) > t.maxBody {
		return
	}
	err := t.cache.Put(ctx, cachens.Entry{
		Namespace: ns,
		Key:       key,
		Body:      fr.body,
		Header:    stripHopByHop(fr.resp.Header),
		CachedAt:  t.now(),
	})
	if err != nil {
		t.logger.Warn("cache write failed", "namespace", ns, "key", key, "error", err)
	}
}

// lookup reads a cache entry; store errors degrade to a miss.
func (t *Transport) lookup(ctx context.Context, ns cachens.Namespace, key string) (*cachens.Entry, bool) {
	entry, ok, err := t.cache.Get(ctx, ns, key)
	if err != nil {
		t.logger.Warn("cache read failed", "namespace", ns, "key", key, "error", err)
		return nil, false
	}
	return entry, ok
}

// entryResponse converts a cached entry back into an HTTP response.
func entryResponse(req *http.Request, e *cachens.Entry, status string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(cacheStatusHeader, status)
	return newResponse(req, http.StatusOK, h, e.Body)
}

// stripHopByHop removes connection-scoped headers before an entry is
// stored.
func stripHopByHop(header http.Header) http.Header {
	clone := header.Clone()
	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
	} {
		clone.Del(k)
	}
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				clone.Del(token)
			}
		}
	}
	return clone
}
