// Command offlined is the offline resilience sidecar for the incident
// reporting app: a caching fetch proxy, a durable submission queue and a
// reconciliation loop against the remote incident service.
//
// Usage:
//
//	offlined -config offlined.yaml
//	offlined                         # defaults + environment overrides
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/bagyo/offline/cachens"
	"github.com/bagyo/offline/netstate"
	"github.com/bagyo/offline/proxy"
	"github.com/bagyo/offline/reconcile"
	"github.com/bagyo/offline/store"
	"github.com/bagyo/offline/synclog"
)

const maxRequestBody = 1 << 20

func main() {
	configPath := flag.String("config", "", "path to offlined.yaml config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("offlined: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// Durable store: pending records, cached data, sync event log.
	storeDB, err := store.Open(cfg.storePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeDB.Close()

	st := store.New(storeDB, store.WithLogger(logger))
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	recorder := synclog.New(storeDB, synclog.WithLogger(logger))
	if err := recorder.Init(ctx); err != nil {
		return fmt.Errorf("init synclog: %w", err)
	}

	// Response cache.
	cacheDB, err := cachens.Open(cfg.cachePath())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cacheDB.Close()

	cache := cachens.New(cacheDB)
	if err := cache.Init(ctx); err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	// Connectivity monitor. The probe gets its own plain client so it is
	// never answered from the cache.
	mon := netstate.NewMonitor(netstate.WithLogger(logger))
	go mon.Watch(ctx, netstate.ProbeOptions{
		URL:      cfg.Probe.URL,
		Interval: cfg.Probe.Interval,
		Timeout:  cfg.Probe.Timeout,
	})

	// Reconciliation.
	remote := reconcile.NewHTTPRemote(cfg.Remote.BaseURL)
	orc := reconcile.New(st, remote, mon, reconcile.WithLogger(logger))
	defer orc.AddListener(recorder.Listener(ctx))()
	go orc.Run(ctx)

	// Caching proxy.
	rules := proxy.Rules{
		AppHost:     cfg.Proxy.AppHost,
		APIHosts:    cfg.Proxy.APIHosts,
		APIPrefixes: cfg.Proxy.APIPrefixes,
		TileHosts:   cfg.Proxy.TileHosts,
		CDNHosts:    cfg.Proxy.CDNHosts,
	}
	proxyOpts := []proxy.Option{proxy.WithLogger(logger)}
	if cfg.Proxy.APITimeout > 0 {
		proxyOpts = append(proxyOpts, proxy.WithAPITimeout(cfg.Proxy.APITimeout))
	}
	if cfg.Proxy.MaxBody > 0 {
		proxyOpts = append(proxyOpts, proxy.WithMaxBody(cfg.Proxy.MaxBody))
	}
	tr := proxy.New(cache, rules, proxyOpts...)
	go tr.Run(ctx)

	if len(cfg.Precache) > 0 {
		tr.Install(ctx, cfg.Precache)
	}
	if err := tr.Activate(ctx); err != nil {
		return fmt.Errorf("activate proxy: %w", err)
	}

	// Housekeeping: expired cached data, aged sync events.
	go housekeep(ctx, logger, st, recorder, cfg.Sync.SweepInterval, cfg.Sync.LogRetention)

	// Periodic background reconciliation.
	go func() {
		ticker := time.NewTicker(cfg.Sync.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orc.Trigger(reconcile.TriggerBackground)
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router(logger, st, orc, remote, recorder, mon, tr),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// A listen failure must travel back through run so the deferred
	// database closes still happen.
	select {
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func housekeep(ctx context.Context, logger *slog.Logger, st *store.Store, recorder *synclog.Recorder, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.SweepExpired(ctx); err != nil {
				logger.Warn("sweep expired", "error", err)
			} else if n > 0 {
				logger.Debug("swept expired cached data", "count", n)
			}
			if n, err := recorder.Cleanup(ctx, retention); err != nil {
				logger.Warn("synclog cleanup", "error", err)
			} else if n > 0 {
				logger.Debug("pruned sync events", "count", n)
			}
		}
	}
}

func router(logger *slog.Logger, st *store.Store, orc *reconcile.Orchestrator, remote reconcile.Remote, recorder *synclog.Recorder, mon *netstate.Monitor, tr *proxy.Transport) http.Handler {
	client := &http.Client{Transport: tr}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		pending, err := orc.PendingCount(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"online":  mon.Online(),
			"syncing": orc.Syncing(),
			"pending": pending,
			"queued":  orc.QueueLen(),
			"flips":   mon.Flips(),
		})
	})

	// Incident submission: straight to the remote when possible, durable
	// local save otherwise. A submission is never lost to a dead network.
	r.Post("/api/incidents", func(w http.ResponseWriter, r *http.Request) {
		payload, err := readJSONBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if mon.Online() {
			id, err := remote.Create(r.Context(), payload)
			if err == nil {
				writeJSON(w, http.StatusCreated, map[string]string{"id": id})
				return
			}
			var rej *reconcile.RejectionError
			if errors.As(err, &rej) {
				writeError(w, rej.Status, err)
				return
			}
			logger.Warn("remote create failed, saving offline", "error", err)
		}

		recordID, err := orc.SaveIncidentOffline(r.Context(), payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "record_id": recordID})
	})

	r.Patch("/api/incidents/{id}", func(w http.ResponseWriter, r *http.Request) {
		incidentID := chi.URLParam(r, "id")
		patch, err := readJSONBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if mon.Online() {
			err := remote.Update(r.Context(), incidentID, patch)
			if err == nil {
				writeJSON(w, http.StatusOK, map[string]string{"id": incidentID})
				return
			}
			var rej *reconcile.RejectionError
			if errors.As(err, &rej) {
				writeError(w, rej.Status, err)
				return
			}
			logger.Warn("remote update failed, queueing", "id", incidentID, "error", err)
		}

		payload, err := json.Marshal(struct {
			ID    string          `json:"id"`
			Patch json.RawMessage `json:"patch"`
		}{incidentID, patch})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		itemID := orc.QueueForSync(reconcile.KindUpdate, payload)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "item_id": itemID})
	})

	r.Post("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if err := orc.ForceSyncNow(r.Context()); err != nil {
			var off *reconcile.ErrOffline
			if errors.As(err, &off) {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	})

	r.Get("/api/sync/events", func(w http.ResponseWriter, r *http.Request) {
		events, err := recorder.Recent(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	r.Post("/api/cache/urls", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URLs []string `json:"urls"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tr.Send(proxy.Command{Kind: proxy.CmdCacheURLs, URLs: body.URLs})
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(body.URLs)})
	})

	// Generic app data cache with TTL.
	r.Route("/api/data/{key}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			value, ok, err := st.CachedData(r.Context(), chi.URLParam(r, "key"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if !ok {
				writeError(w, http.StatusNotFound, errors.New("not cached"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(value)
		})
		r.Put("/", func(w http.ResponseWriter, r *http.Request) {
			value, err := readJSONBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			ttl := queryDuration(r, "ttl", time.Hour)
			if err := st.CacheData(r.Context(), chi.URLParam(r, "key"), value, ttl); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			if err := st.DeleteCachedData(r.Context(), chi.URLParam(r, "key")); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	// Fetch a URL through the caching transport.
	r.Get("/fetch", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			writeError(w, http.StatusBadRequest, errors.New("url parameter required"))
			return
		}
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// Preserve the hints classification relies on.
		for _, h := range []string{"Accept", "Sec-Fetch-Mode"} {
			if v := r.Header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	})

	return r
}

func readJSONBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("body is not valid JSON")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryDuration(r *http.Request, key string, def time.Duration) time.Duration {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
