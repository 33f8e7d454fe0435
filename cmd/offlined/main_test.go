package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestRun_ListenFailureReturnsError(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.DataDir = t.TempDir()
	cfg.Listen = "127.0.0.1:-1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The listen failure must come back as run's error, not kill the
	// process before the deferred closes.
	err = run(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	if err == nil || !strings.Contains(err.Error(), "server:") {
		t.Fatalf("got %v, want a server listen error", err)
	}
}
