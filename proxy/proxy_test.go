package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bagyo/offline/cachens"

	_ "modernc.org/sqlite"
)

// rtFunc adapts a function to http.RoundTripper.
type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(req *http.Request, status int, body string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return newResponse(req, status, h, []byte(body))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

type env struct {
	cache *cachens.Store
	tr    *Transport
	calls atomic.Int64
	clock time.Time
}

// newEnv builds a Transport over an in-memory cache store with a fixed
// clock and a scriptable base transport.
func newEnv(t *testing.T, base rtFunc, opts ...Option) *env {
	t.Helper()
	e := &env{clock: time.Unix(1_700_000_000, 0)}
	e.cache = cachens.New(cachens.OpenMemory(t))
	if err := e.cache.Init(context.Background()); err != nil {
		t.Fatalf("init cache: %v", err)
	}

	counted := rtFunc(func(r *http.Request) (*http.Response, error) {
		e.calls.Add(1)
		return base(r)
	})
	opts = append([]Option{
		WithBase(counted),
		WithClock(func() time.Time { return e.clock }),
	}, opts...)
	e.tr = New(e.cache, testRules(), opts...)
	return e
}

// seed puts an entry with the given age directly into the cache.
func (e *env) seed(t *testing.T, ns cachens.Namespace, key, body string, age time.Duration) {
	t.Helper()
	err := e.cache.Put(context.Background(), cachens.Entry{
		Namespace: ns,
		Key:       key,
		Body:      []byte(body),
		Header:    http.Header{"Content-Type": {"text/plain"}},
		CachedAt:  e.clock.Add(-age),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func get(url string, header http.Header) *http.Request {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if header != nil {
		req.Header = header
	}
	return req
}

func TestNonGET_Bypasses(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusCreated, "created"), nil
	})

	req := httptest.NewRequest(http.MethodPost, "https://app.example.org/api/incidents", strings.NewReader("{}"))
	resp, err := e.tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if n, _ := e.cache.Len(context.Background(), cachens.API); n != 0 {
		t.Fatal("non-GET response was cached")
	}
}

func TestCacheFirst_FreshHit_NoNetworkCall(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("network must not be touched")
	})

	url := "https://app.example.org/assets/app.js"
	ttl := cachens.DefaultTTL(cachens.Static)
	e.seed(t, cachens.Static, "GET "+url, "console.log(1)", ttl-time.Second)

	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if got := readBody(t, resp); got != "console.log(1)" {
		t.Fatalf("body %q", got)
	}
	if resp.Header.Get(cacheStatusHeader) != cacheStatusHit {
		t.Fatalf("cache status %q", resp.Header.Get(cacheStatusHeader))
	}
	if e.calls.Load() != 0 {
		t.Fatalf("network called %d times for a fresh hit", e.calls.Load())
	}
}

func TestCacheFirst_ExpiredEntry_TriggersNetwork(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusOK, "v2"), nil
	})

	url := "https://app.example.org/assets/app.js"
	ttl := cachens.DefaultTTL(cachens.Static)
	e.seed(t, cachens.Static, "GET "+url, "v1", ttl+time.Second)

	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if got := readBody(t, resp); got != "v2" {
		t.Fatalf("body %q, want refreshed v2", got)
	}
	if e.calls.Load() != 1 {
		t.Fatalf("network calls %d, want 1", e.calls.Load())
	}

	// Refresh was stored with a new stamp.
	entry, ok, _ := e.cache.Get(context.Background(), cachens.Static, "GET "+url)
	if !ok || string(entry.Body) != "v2" {
		t.Fatalf("cache not refreshed: %v %q", ok, entry.Body)
	}
}

func TestCacheFirst_NetworkFails_ServesStale(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	})

	url := "https://app.example.org/assets/app.js"
	e.seed(t, cachens.Static, "GET "+url, "old but gold", 30*24*time.Hour)

	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("stale fallback should not error: %v", err)
	}
	if got := readBody(t, resp); got != "old but gold" {
		t.Fatalf("body %q", got)
	}
	if resp.Header.Get(cacheStatusHeader) != cacheStatusStale {
		t.Fatalf("cache status %q, want STALE", resp.Header.Get(cacheStatusHeader))
	}
}

func TestCacheFirst_NoEntry_ImagePlaceholder(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("offline")
	})

	resp, err := e.tr.RoundTrip(get("https://app.example.org/photos/damage.jpg", nil))
	if err != nil {
		t.Fatalf("image failure should degrade to placeholder: %v", err)
	}
	if resp.Header.Get("Content-Type") != "image/svg+xml" {
		t.Fatalf("content type %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(readBody(t, resp), "<svg") {
		t.Fatal("placeholder body is not an inline vector")
	}
}

func TestCacheFirst_NoEntry_AssetErrorPropagates(t *testing.T) {
	netErr := errors.New("offline")
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, netErr
	})

	_, err := e.tr.RoundTrip(get("https://app.example.org/assets/app.js", nil))
	if !errors.Is(err, netErr) {
		t.Fatalf("got %v, want the network error", err)
	}
}

func TestTiles_NoExpiry(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("network must not be touched")
	})

	url := "https://tiles.example.net/12/2048/1362.png"
	// A tile far past the IMAGES TTL is still served unconditionally.
	e.seed(t, cachens.Images, "GET "+url, "tile-bytes", 365*24*time.Hour)

	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if readBody(t, resp) != "tile-bytes" {
		t.Fatal("expected the cached tile")
	}
	if e.calls.Load() != 0 {
		t.Fatal("immutable tile triggered a network call")
	}
}

func TestTiles_MissAndNetworkFails_PlaceholderTile(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("offline")
	})

	resp, err := e.tr.RoundTrip(get("https://tiles.example.net/12/1/1.png", nil))
	if err != nil {
		t.Fatalf("tile failure should degrade to placeholder: %v", err)
	}
	if resp.Header.Get(cacheStatusHeader) != cacheStatusPlaceholder {
		t.Fatalf("cache status %q", resp.Header.Get(cacheStatusHeader))
	}
}

func TestAPIRace_SlowNetwork_FreshCache(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return textResponse(r, http.StatusOK, "too late"), nil
	}, WithAPITimeout(30*time.Millisecond))

	url := "https://api.example.org/typhoon/latest"
	e.seed(t, cachens.API, "GET "+url, `{"cached":true}`, 2*time.Minute)

	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if readBody(t, resp) != `{"cached":true}` {
		t.Fatal("expected the 2-minute-old cached copy")
	}

	// The late network result is discarded, never written back.
	time.Sleep(300 * time.Millisecond)
	entry, _, _ := e.cache.Get(context.Background(), cachens.API, "GET "+url)
	if string(entry.Body) != `{"cached":true}` {
		t.Fatalf("late race loser refreshed the cache: %q", entry.Body)
	}
}

func TestAPIRace_SlowNetwork_StaleCache_OfflinePayload(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return textResponse(r, http.StatusOK, "too late"), nil
	}, WithAPITimeout(30*time.Millisecond))

	url := "https://api.example.org/typhoon/latest"
	e.seed(t, cachens.API, "GET "+url, `{"cached":true}`, 10*time.Minute)

	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503 offline payload", resp.StatusCode)
	}
	if !strings.Contains(readBody(t, resp), `"offline"`) {
		t.Fatal("offline payload not structured")
	}
}

func TestAPIRace_FastNetwork_StoresAndReturns(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusOK, `{"live":true}`), nil
	})

	url := "https://api.example.org/typhoon/latest"
	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if readBody(t, resp) != `{"live":true}` {
		t.Fatal("expected the live response")
	}

	entry, ok, _ := e.cache.Get(context.Background(), cachens.API, "GET "+url)
	if !ok || string(entry.Body) != `{"live":true}` {
		t.Fatal("successful API response not cached")
	}
	if !entry.CachedAt.Equal(e.clock) {
		t.Fatalf("cachedAt %v not stamped by the proxy clock", entry.CachedAt)
	}
}

func TestNavigation_FallbackChain(t *testing.T) {
	navHeader := http.Header{"Accept": {"text/html"}}
	fail := rtFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("offline")
	})

	t.Run("cached page", func(t *testing.T) {
		e := newEnv(t, fail)
		url := "https://app.example.org/reports"
		e.seed(t, cachens.Runtime, "GET "+url, "<html>reports</html>", 48*time.Hour)

		resp, err := e.tr.RoundTrip(get(url, navHeader))
		if err != nil {
			t.Fatalf("roundtrip: %v", err)
		}
		// No TTL check on navigation fallbacks: 48h old RUNTIME entry served.
		if readBody(t, resp) != "<html>reports</html>" {
			t.Fatal("expected the stale cached page")
		}
	})

	t.Run("home page", func(t *testing.T) {
		e := newEnv(t, fail)
		e.seed(t, cachens.Runtime, "GET https://app.example.org/", "<html>home</html>", time.Hour)

		resp, err := e.tr.RoundTrip(get("https://app.example.org/reports", navHeader))
		if err != nil {
			t.Fatalf("roundtrip: %v", err)
		}
		if readBody(t, resp) != "<html>home</html>" {
			t.Fatal("expected the cached home page")
		}
	})

	t.Run("offline page", func(t *testing.T) {
		e := newEnv(t, fail)

		resp, err := e.tr.RoundTrip(get("https://app.example.org/reports", navHeader))
		if err != nil {
			t.Fatalf("navigation must never surface a raw network error: %v", err)
		}
		if !strings.Contains(readBody(t, resp), "You are offline") {
			t.Fatal("expected the fixed offline page")
		}
	})
}

func TestStaleWhileRevalidate(t *testing.T) {
	var version atomic.Int64
	version.Store(1)
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		if version.Load() == 1 {
			return textResponse(r, http.StatusOK, "v1"), nil
		}
		return textResponse(r, http.StatusOK, "v2"), nil
	})

	url := "https://app.example.org/manifest.webmanifest"
	req := get(url, nil)

	// Cold: caller waits on the network.
	resp, err := e.tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if readBody(t, resp) != "v1" {
		t.Fatal("cold request should return the network result")
	}

	// Warm: cached copy served immediately, refresh happens behind it.
	version.Store(2)
	resp, err = e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if readBody(t, resp) != "v1" {
		t.Fatal("warm request must serve the cached copy, not the refresh")
	}

	// The background refresh lands for next time.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, ok, _ := e.cache.Get(context.Background(), cachens.Runtime, "GET "+url)
		if ok && string(entry.Body) == "v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background revalidation never refreshed the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPIRace_ErrorResponsePassedThrough(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusNotFound, "no such typhoon"), nil
	})

	url := "https://api.example.org/typhoon/t999"
	resp, err := e.tr.RoundTrip(get(url, nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	// A real 404 that arrived in time is not dressed up as "offline"...
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want the remote's 404", resp.StatusCode)
	}
	if readBody(t, resp) != "no such typhoon" {
		t.Fatal("expected the remote's error body")
	}
	// ...and is never written into the namespace.
	if n, _ := e.cache.Len(context.Background(), cachens.API); n != 0 {
		t.Fatal("error response was cached")
	}
}

func TestAPIRace_TransportError_OfflinePayload(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	})

	resp, err := e.tr.RoundTrip(get("https://api.example.org/typhoon/latest", nil))
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503 offline payload", resp.StatusCode)
	}
	if !strings.Contains(readBody(t, resp), `"offline"`) {
		t.Fatal("offline payload not structured")
	}
}

func TestCacheFirst_CrossOriginAssetErrorPropagates(t *testing.T) {
	netErr := errors.New("offline")
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, netErr
	})

	// Fonts and CDN scripts live in the IMAGES namespace but are not
	// images: a failure with an empty cache must surface the error, not a
	// 200 SVG placeholder.
	for _, url := range []string{
		"https://fonts.example.com/inter.woff2",
		"https://cdn.example.net/lib/leaflet.js",
	} {
		if _, err := e.tr.RoundTrip(get(url, nil)); !errors.Is(err, netErr) {
			t.Fatalf("%s: got %v, want the network error", url, err)
		}
	}
}

func TestInstall_BestEffort(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "broken") {
			return nil, errors.New("unreachable")
		}
		return textResponse(r, http.StatusOK, "shell"), nil
	})

	e.tr.Install(context.Background(), []string{
		"https://app.example.org/",
		"https://app.example.org/broken.css",
		"https://app.example.org/app.js",
	})

	n, _ := e.cache.Len(context.Background(), cachens.Static)
	if n != 2 {
		t.Fatalf("precached %d entries, want 2 (broken URL skipped)", n)
	}
}

func TestActivate_DropsStaleNamespaces(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("unused")
	})
	ctx := context.Background()

	e.seed(t, cachens.Static, "GET https://app.example.org/", "shell", 0)
	_ = e.cache.Put(ctx, cachens.Entry{Namespace: "static-v0", Key: "GET /old", Body: []byte("x")})

	if err := e.tr.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	ns, _ := e.cache.Namespaces(ctx)
	for _, n := range ns {
		if n == "static-v0" {
			t.Fatal("stale namespace survived activation")
		}
	}
	if _, ok, _ := e.cache.Get(ctx, cachens.Static, "GET https://app.example.org/"); !ok {
		t.Fatal("live entry lost during activation")
	}
}

func TestRun_CacheURLsCommand(t *testing.T) {
	e := newEnv(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusOK, "page"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.tr.Run(ctx)

	e.tr.Send(Command{Kind: CmdCacheURLs, URLs: []string{"https://app.example.org/help"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := e.cache.Get(ctx, cachens.Runtime, "GET https://app.example.org/help"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cache-urls command never populated the runtime namespace")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
