package cachens

import (
	"context"
	"net/http"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(OpenMemory(t), opts...)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := Entry{
		Namespace: API,
		Key:       "GET https://api.example.org/incidents",
		Body:      []byte(`[{"id":1}]`),
		Header:    http.Header{"Content-Type": {"application/json"}},
	}
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(ctx, API, e.Key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != string(e.Body) {
		t.Fatalf("body %q, want %q", got.Body, e.Body)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("header lost: %v", got.Header)
	}
	if got.CachedAt.IsZero() {
		t.Fatal("CachedAt not stamped on put")
	}
}

func TestPut_Overwrite_LastWriteWins(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	key := "GET https://example.org/page"

	_ = s.Put(ctx, Entry{Namespace: Runtime, Key: key, Body: []byte("old")})
	_ = s.Put(ctx, Entry{Namespace: Runtime, Key: key, Body: []byte("new")})

	got, ok, _ := s.Get(ctx, Runtime, key)
	if !ok || string(got.Body) != "new" {
		t.Fatalf("got %v / %q, want the second write", ok, got.Body)
	}

	n, _ := s.Len(ctx, Runtime)
	if n != 1 {
		t.Fatalf("len %d, want 1", n)
	}
}

func TestGet_Miss(t *testing.T) {
	s := setupStore(t)
	_, ok, err := s.Get(context.Background(), Static, "GET https://example.org/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestEntry_Age_FailsClosed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	fresh := &Entry{CachedAt: now.Add(-time.Minute)}
	if fresh.Age(now) != time.Minute {
		t.Fatalf("age %v, want 1m", fresh.Age(now))
	}

	unstamped := &Entry{}
	if unstamped.Age(now) < DefaultTTL(Images) {
		t.Fatal("entry without a stamp must look older than any TTL")
	}
}

func TestGC_DropsUnknownNamespaces(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, Entry{Namespace: Static, Key: "GET /a", Body: []byte("a")})
	_ = s.Put(ctx, Entry{Namespace: "static-v0", Key: "GET /a", Body: []byte("a")})
	_ = s.Put(ctx, Entry{Namespace: "runtime-v0", Key: "GET /b", Body: []byte("b")})

	dropped, err := s.GC(ctx, Known)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped %d, want 2", dropped)
	}

	if _, ok, _ := s.Get(ctx, Static, "GET /a"); !ok {
		t.Fatal("live namespace lost to GC")
	}
	if _, ok, _ := s.Get(ctx, "static-v0", "GET /a"); ok {
		t.Fatal("stale namespace survived GC")
	}
}

func TestDefaultTTL_Classes(t *testing.T) {
	cases := []struct {
		ns   Namespace
		want time.Duration
	}{
		{Static, 7 * 24 * time.Hour},
		{Runtime, 24 * time.Hour},
		{Images, 30 * 24 * time.Hour},
		{API, 5 * time.Minute},
		{"bogus", 0},
	}
	for _, c := range cases {
		if got := DefaultTTL(c.ns); got != c.want {
			t.Errorf("DefaultTTL(%s) = %v, want %v", c.ns, got, c.want)
		}
	}
}
