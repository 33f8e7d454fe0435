package proxy

import (
	"net/http"
	"path"
	"strings"

	"github.com/bagyo/offline/cachens"
)

// Strategy is how a classified request is satisfied.
type Strategy int

const (
	// StrategyBypass goes straight to the network and never touches the
	// cache.
	StrategyBypass Strategy = iota
	// StrategyNetworkFirstRace races the network against a timer and falls
	// back to a fresh cached copy, then a synthesized offline payload.
	StrategyNetworkFirstRace
	// StrategyCacheFirstNoExpiry serves any cached copy unconditionally
	// (immutable assets such as map tiles).
	StrategyCacheFirstNoExpiry
	// StrategyCacheFirstTTL serves a fresh cached copy, else network, else
	// the stale copy, else a placeholder or the network error.
	StrategyCacheFirstTTL
	// StrategyNetworkFirstFallback tries the network, then the cached
	// page, then the cached home page, then the fixed offline page.
	StrategyNetworkFirstFallback
	// StrategyStaleWhileRevalidate serves the cached copy immediately and
	// refreshes it in the background.
	StrategyStaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyNetworkFirstRace:
		return "network-first-race"
	case StrategyCacheFirstNoExpiry:
		return "cache-first-no-expiry"
	case StrategyCacheFirstTTL:
		return "cache-first-ttl"
	case StrategyNetworkFirstFallback:
		return "network-first-fallback"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return "unknown"
}

// Rules configures request classification. All host comparisons are exact,
// case-insensitive matches on the URL host (without port handling beyond
// what the URL carries).
type Rules struct {
	// AppHost is the application's own origin. Requests to any other host
	// are cross-origin.
	AppHost string
	// APIHosts and APIPrefixes identify remote-data endpoints. A request
	// matches when its host is in APIHosts or its path starts with one of
	// APIPrefixes.
	APIHosts    []string
	APIPrefixes []string
	// TileHosts are third-party map-tile servers whose responses are
	// treated as immutable.
	TileHosts []string
	// CDNHosts are approved cross-origin asset hosts (fonts, icons).
	CDNHosts []string
}

// Classify decides how a request is satisfied. First match wins:
//
//  1. non-GET                               → bypass
//  2. remote-data endpoint                  → network-first race, API
//  3. map-tile host                         → cache-first no-expiry, IMAGES
//  4. cross-origin, not font/approved CDN   → bypass
//     cross-origin font or CDN              → cache-first TTL, IMAGES
//  5. image                                 → cache-first TTL, IMAGES
//  6. page navigation                       → network-first fallback, RUNTIME
//  7. script or stylesheet                  → cache-first TTL, STATIC
//  8. anything else                         → stale-while-revalidate, RUNTIME
func (r Rules) Classify(req *http.Request) (Strategy, cachens.Namespace) {
	if req.Method != http.MethodGet {
		return StrategyBypass, ""
	}

	host := strings.ToLower(req.URL.Hostname())
	urlPath := req.URL.Path

	if r.isAPI(host, urlPath) {
		return StrategyNetworkFirstRace, cachens.API
	}

	if containsHost(r.TileHosts, host) {
		return StrategyCacheFirstNoExpiry, cachens.Images
	}

	if r.AppHost != "" && host != strings.ToLower(r.AppHost) {
		if isFont(urlPath) || containsHost(r.CDNHosts, host) {
			return StrategyCacheFirstTTL, cachens.Images
		}
		return StrategyBypass, ""
	}

	if isImage(req) {
		return StrategyCacheFirstTTL, cachens.Images
	}

	if isNavigation(req) {
		return StrategyNetworkFirstFallback, cachens.Runtime
	}

	if isScriptOrStyle(urlPath) {
		return StrategyCacheFirstTTL, cachens.Static
	}

	return StrategyStaleWhileRevalidate, cachens.Runtime
}

func (r Rules) isAPI(host, urlPath string) bool {
	if containsHost(r.APIHosts, host) {
		return true
	}
	for _, p := range r.APIPrefixes {
		if strings.HasPrefix(urlPath, p) {
			return true
		}
	}
	return false
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func isFont(urlPath string) bool {
	switch path.Ext(urlPath) {
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return true
	}
	return false
}

func isImage(req *http.Request) bool {
	switch path.Ext(req.URL.Path) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif":
		return true
	}
	return strings.HasPrefix(req.Header.Get("Accept"), "image/")
}

// isNavigation reports whether the request is a page/document load: an
// explicit navigate fetch mode, or a request that primarily accepts HTML.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	accept := req.Header.Get("Accept")
	return strings.HasPrefix(accept, "text/html") ||
		strings.HasPrefix(accept, "application/xhtml+xml")
}

func isScriptOrStyle(urlPath string) bool {
	switch path.Ext(urlPath) {
	case ".js", ".mjs", ".css":
		return true
	}
	return false
}

// cacheKey is the request identity under which responses are stored.
func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// homeKey is the navigation fallback of last resort before the offline
// page: the cached root document of the request's origin.
func homeKey(req *http.Request) string {
	return "GET " + req.URL.Scheme + "://" + req.URL.Host + "/"
}
