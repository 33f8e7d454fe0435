package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// placeholderSVG is the inline "unavailable" graphic served when an image
// or tile can neither be fetched nor found in the cache.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 256 256" width="256" height="256">
<rect width="256" height="256" fill="#e5e7eb"/>
<path d="M96 88h64v12H96zM88 112h80v44a8 8 0 0 1-8 8H96a8 8 0 0 1-8-8z" fill="#9ca3af"/>
<text x="128" y="200" text-anchor="middle" font-family="sans-serif" font-size="18" fill="#6b7280">unavailable</text>
</svg>`

// offlinePageHTML is the fixed last-resort navigation payload.
const offlinePageHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a connection. Saved reports will be uploaded automatically once you are back online.</p>
</body>
</html>`

// newResponse synthesizes an HTTP response for req.
func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func imagePlaceholder(req *http.Request) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	h.Set(cacheStatusHeader, cacheStatusPlaceholder)
	return newResponse(req, http.StatusOK, h, []byte(placeholderSVG))
}

// offlineJSON is the structured payload API requests degrade to: a 503
// clearly labelled as an offline condition, never a raw transport error.
func offlineJSON(req *http.Request) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"error":   "offline",
		"message": "no connectivity and no sufficiently fresh cached copy",
		"url":     req.URL.String(),
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(cacheStatusHeader, cacheStatusOffline)
	return newResponse(req, http.StatusServiceUnavailable, h, body)
}

func offlinePage(req *http.Request) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set(cacheStatusHeader, cacheStatusOffline)
	return newResponse(req, http.StatusOK, h, []byte(offlinePageHTML))
}
