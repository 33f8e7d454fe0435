// Package cachens provides the namespace cache storage used by the request
// proxy: logically isolated partitions, each with its own freshness class,
// persisted in SQLite so cached responses survive restarts.
//
// Namespaces carry a version suffix. Bumping the version and running GC
// with the new known set drops every stale partition wholesale, which is
// how cache layout upgrades are rolled out.
//
//	db, _ := cachens.Open("data/cache.db")
//	cs := cachens.New(db)
//	_ = cs.Init(ctx)
//	_ = cs.Put(ctx, cachens.Entry{Namespace: cachens.API, Key: key, Body: body})
package cachens

import "time"

// Namespace identifies a cache partition.
type Namespace string

// The four partitions of the offline layer. The version suffix changes
// whenever the cache layout does; GC removes anything outside this set.
const (
	Static  Namespace = "static-v1"  // app shell
	Runtime Namespace = "runtime-v1" // pages
	Images  Namespace = "images-v1"  // media and map tiles
	API     Namespace = "api-v1"     // remote JSON responses
)

// Known is the current set of live namespaces.
var Known = []Namespace{Static, Runtime, Images, API}

// DefaultTTL returns the freshness class of a namespace. An unknown
// namespace gets zero, which callers must treat as always-stale.
func DefaultTTL(ns Namespace) time.Duration {
	switch ns {
	case Static:
		return 7 * 24 * time.Hour
	case Runtime:
		return 24 * time.Hour
	case Images:
		return 30 * 24 * time.Hour
	case API:
		return 5 * time.Minute
	}
	return 0
}
