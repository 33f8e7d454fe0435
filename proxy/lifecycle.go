package proxy

import (
	"context"
	"net/http"

	"github.com/bagyo/offline/cachens"
)

// CommandKind identifies a control message for the proxy.
type CommandKind int

const (
	// CmdSkipWaiting forces immediate activation (namespace GC) without
	// waiting for the normal lifecycle moment.
	CmdSkipWaiting CommandKind = iota
	// CmdCacheURLs eagerly populates the RUNTIME namespace with the given
	// URLs.
	CmdCacheURLs
)

// Command is a typed control message. It replaces the host runtime's
// free-form message channel so the proxy is decoupled from any specific
// messaging mechanism.
type Command struct {
	Kind CommandKind
	URLs []string
}

// Install precaches the app-shell manifest into the STATIC namespace.
// Best-effort: a URL that cannot be fetched is logged and skipped, never
// fatal.
func (t *Transport) Install(ctx context.Context, manifest []string) {
	stored := 0
	for _, url := range manifest {
		if t.precache(ctx, cachens.Static, url) {
			stored++
		}
	}
	t.logger.Info("install precache finished", "manifest", len(manifest), "stored", stored)
}

// Activate garbage-collects every namespace outside the current known set.
// It completes before returning, so callers can rely on stale partitions
// being gone before serving traffic.
func (t *Transport) Activate(ctx context.Context) error {
	dropped, err := t.cache.GC(ctx, cachens.Known)
	if err != nil {
		return err
	}
	t.logger.Info("activated", "namespaces_dropped", dropped)
	return nil
}

// Send delivers a control command. Non-blocking: if the command buffer is
// full the command is dropped with a warning.
func (t *Transport) Send(cmd Command) {
	select {
	case t.commands <- cmd:
	default:
		t.logger.Warn("proxy command dropped, buffer full", "kind", cmd.Kind)
	}
}

// Run consumes control commands until ctx is cancelled. Run it in a
// goroutine.
func (t *Transport) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-t.commands:
			switch cmd.Kind {
			case CmdSkipWaiting:
				if err := t.Activate(ctx); err != nil {
					t.logger.Error("skip-waiting activation failed", "error", err)
				}
			case CmdCacheURLs:
				for _, url := range cmd.URLs {
					t.precache(ctx, cachens.Runtime, url)
				}
			}
		}
	}
}

// precache fetches one URL and stores it in ns. Returns whether an entry
// was written.
func (t *Transport) precache(ctx context.Context, ns cachens.Namespace, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.logger.Warn("precache skipped", "url", url, "error", err)
		return false
	}
	fr := t.fetch(req)
	if !fr.ok() {
		t.logger.Warn("precache fetch failed", "url", url, "error", fr.err)
		return false
	}
	t.storeEntry(ctx, ns, cacheKey(req), fr)
	return true
}
