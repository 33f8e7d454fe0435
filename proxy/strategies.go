package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/bagyo/offline/cachens"
)

// cacheFirst serves a cached copy when allowed, otherwise the network,
// otherwise degrades: stale copy, then a placeholder for images, then the
// network error. With useTTL=false any cached copy is served
// unconditionally (immutable tiles).
func (t *Transport) cacheFirst(req *http.Request, ns cachens.Namespace, useTTL bool) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	entry, cached := t.lookup(ctx, ns, key)
	if cached {
		if !useTTL || entry.Age(t.now()) < t.nsTTL(ns) {
			return entryResponse(req, entry, cacheStatusHit), nil
		}
	}

	fr := t.fetch(req)
	if fr.ok() {
		t.storeEntry(ctx, ns, key, fr)
		return fr.resp, nil
	}

	// Better stale than nothing.
	if cached {
		return entryResponse(req, entry, cacheStatusStale), nil
	}

	// Placeholders are for images and tiles only. Fonts and CDN scripts
	// share the IMAGES namespace but must surface the real error: a 200
	// with an SVG body would fail silently in the consumer.
	if !useTTL || isImage(req) {
		return imagePlaceholder(req), nil
	}
	if fr.err != nil {
		return nil, fr.err
	}
	return fr.resp, nil
}

// networkFirstRace races the network against the API timer. Whichever
// completes first wins; a late network result is deliberately discarded,
// never used to refresh the cache. Fallbacks apply only when no response
// arrived at all (transport error or timeout) and honour the namespace
// TTL: a stale API copy is worse than an honest offline payload.
func (t *Transport) networkFirstRace(req *http.Request, ns cachens.Namespace) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	// The raced call is detached from caller cancellation: when the timer
	// wins we drop the result, we do not abort the request.
	detached := req.Clone(context.WithoutCancel(ctx))
	ch := make(chan fetchResult, 1)
	go func() { ch <- t.fetch(detached) }()

	timer := time.NewTimer(t.apiTimeout)
	defer timer.Stop()

	select {
	case fr := <-ch:
		if fr.err == nil {
			// Any response that arrived in time is returned, even an
			// application-level error: a real 404 must not be dressed up
			// as "offline". Only successes are written to the cache.
			t.storeEntry(ctx, ns, key, fr)
			return fr.resp, nil
		}
		t.logger.Debug("api network attempt failed", "key", key, "error", fr.err)
	case <-timer.C:
		t.logger.Debug("api network attempt lost the race", "key", key, "timeout", t.apiTimeout)
	}

	if entry, ok := t.lookup(ctx, ns, key); ok && entry.Age(t.now()) < t.nsTTL(ns) {
		return entryResponse(req, entry, cacheStatusStale), nil
	}
	return offlineJSON(req), nil
}

// networkFirstFallback is the navigation chain: network, cached page,
// cached home page, fixed offline page. No TTL check — a stale page beats
// a blank screen.
func (t *Transport) networkFirstFallback(req *http.Request, ns cachens.Namespace) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	fr := t.fetch(req)
	if fr.ok() {
		t.storeEntry(ctx, ns, key, fr)
		return fr.resp, nil
	}

	if entry, ok := t.lookup(ctx, ns, key); ok {
		return entryResponse(req, entry, cacheStatusStale), nil
	}
	if entry, ok := t.lookup(ctx, ns, homeKey(req)); ok {
		return entryResponse(req, entry, cacheStatusStale), nil
	}
	return offlinePage(req), nil
}

// staleWhileRevalidate returns the cached copy immediately and refreshes
// it in the background for next time; the refresh result is never handed
// to the current caller. Without a cached copy the caller waits on the
// network.
func (t *Transport) staleWhileRevalidate(req *http.Request, ns cachens.Namespace) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	if entry, ok := t.lookup(ctx, ns, key); ok {
		t.revalidate(req, ns, key)
		return entryResponse(req, entry, cacheStatusHit), nil
	}

	fr := t.fetch(req)
	if fr.ok() {
		t.storeEntry(ctx, ns, key, fr)
		return fr.resp, nil
	}
	if fr.err != nil {
		return nil, fr.err
	}
	return fr.resp, nil
}

// revalidate refreshes one cache key in the background. Singleflight
// collapses concurrent refreshes of the same key into one network call.
func (t *Transport) revalidate(req *http.Request, ns cachens.Namespace, key string) {
	detached := req.Clone(context.WithoutCancel(req.Context()))
	go func() {
		_, _, _ = t.sf.Do(key, func() (any, error) {
			fr := t.fetch(detached)
			if fr.ok() {
				t.storeEntry(detached.Context(), ns, key, fr)
			}
			return nil, nil
		})
	}()
}
