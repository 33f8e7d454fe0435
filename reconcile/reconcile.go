// Package reconcile drives pending offline writes to the remote incident
// service once connectivity allows, with bounded retries for ephemeral
// operations and progress events for observers.
//
// At most one pass runs at a time: the guard is an atomic compare-and-swap,
// so overlapping triggers (connectivity regained, background signal,
// explicit request, new item queued) coalesce into a no-op instead of
// racing. A pass drains the durable pending records in creation order,
// then the in-memory queue. Records are never deleted while unsynced —
// losing one is losing the user's submission.
//
//	orc := reconcile.New(st, remote, mon)
//	unsub := orc.AddListener(func(ev reconcile.Event) { ... })
//	go orc.Run(ctx)
//	orc.Trigger(reconcile.TriggerManual)
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bagyo/offline/idgen"
	"github.com/bagyo/offline/netstate"
	"github.com/bagyo/offline/store"
)

// Trigger identifies why a pass was requested.
type Trigger int

const (
	// TriggerOnline fires when connectivity is regained.
	TriggerOnline Trigger = iota
	// TriggerBackground is the host runtime's background-reconciliation
	// signal.
	TriggerBackground
	// TriggerManual is an explicit caller request.
	TriggerManual
	// TriggerQueued fires when an item is queued while already online.
	TriggerQueued
)

func (t Trigger) String() string {
	switch t {
	case TriggerOnline:
		return "online"
	case TriggerBackground:
		return "background"
	case TriggerManual:
		return "manual"
	case TriggerQueued:
		return "queued"
	}
	return "unknown"
}

// Registrar arms a background-reconciliation trigger with the host
// runtime, so a pass runs even if the application is not foregrounded when
// connectivity returns. Registration is best-effort.
type Registrar interface {
	Register(ctx context.Context, tag string) error
}

// ErrOffline is returned by ForceSyncNow when there is no connectivity.
type ErrOffline struct{}

func (e *ErrOffline) Error() string {
	return "reconcile: device is offline"
}

// Orchestrator owns the reconciliation state machine.
type Orchestrator struct {
	store  *store.Store
	remote Remote
	net    *netstate.Monitor

	// syncing is the single piece of shared orchestration state; the CAS
	// makes "no-op if already running" race-free across trigger sources.
	syncing atomic.Bool

	mu           sync.Mutex
	queue        []QueueItem
	listeners    map[int]func(Event)
	nextListener int

	triggers  chan Trigger
	registrar Registrar
	newID     idgen.Generator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRegistrar sets the background-trigger registrar.
func WithRegistrar(r Registrar) Option {
	return func(o *Orchestrator) { o.registrar = r }
}

// WithIDGenerator sets the generator for queue item ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// New creates an Orchestrator over the durable store, the remote service
// and the connectivity monitor.
func New(st *store.Store, remote Remote, net *netstate.Monitor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		remote:    remote,
		net:       net,
		listeners: make(map[int]func(Event)),
		triggers:  make(chan Trigger, 8),
		newID:     idgen.Prefixed("q_", idgen.Default),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Trigger requests a pass. Non-blocking: if the trigger channel is full the
// request is coalesced into the passes already requested.
func (o *Orchestrator) Trigger(t Trigger) {
	select {
	case o.triggers <- t:
	default:
		o.logger.Debug("trigger coalesced", "trigger", t.String())
	}
}

// Run consumes triggers and connectivity transitions until ctx is
// cancelled. Run it in a goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	unsub := o.net.Subscribe(func(online bool) {
		if online {
			o.Trigger(TriggerOnline)
		}
	})
	defer unsub()

	o.logger.Info("reconciliation orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("reconciliation orchestrator stopped")
			return
		case t := <-o.triggers:
			o.logger.Debug("sync trigger", "trigger", t.String())
			if err := o.SyncAll(ctx); err != nil {
				o.logger.Error("sync pass failed", "trigger", t.String(), "error", err)
			}
		}
	}
}

// SyncAll runs one reconciliation pass. It is a no-op when a pass is
// already running or the device is offline; neither case is an error.
func (o *Orchestrator) SyncAll(ctx context.Context) (err error) {
	if !o.net.Online() {
		return nil
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer o.syncing.Store(false)

	o.emit(Event{Type: EventSyncStart})

	if err := o.drainPending(ctx); err != nil {
		o.emit(Event{Type: EventSyncError, Data: err.Error()})
		return err
	}

	o.drainQueue(ctx)

	o.emit(Event{Type: EventSyncComplete})
	return nil
}

// drainPending uploads every pending record in creation order. A record
// that fails stays pending for the next pass; a durable-store failure
// aborts the pass.
func (o *Orchestrator) drainPending(ctx context.Context) error {
	records, err := o.store.PendingRecords(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load pending: %w", err)
	}

	var summary Summary
	for _, rec := range records {
		remoteID, err := o.remote.Create(ctx, rec.Payload)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, Failure{
				RecordID: rec.ID,
				Rejected: IsRejection(err),
				Message:  err.Error(),
			})
			o.logger.Warn("record upload failed",
				"record_id", rec.ID, "rejected", IsRejection(err), "error", err)
			continue
		}
		if err := o.store.MarkSynced(ctx, rec.ID); err != nil {
			return fmt.Errorf("reconcile: mark synced %d: %w", rec.ID, err)
		}
		summary.Success++
		o.logger.Debug("record synced", "record_id", rec.ID, "remote_id", remoteID)
	}

	if summary.Success > 0 {
		pruned, err := o.store.PruneSynced(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: prune synced: %w", err)
		}
		o.logger.Debug("pruned synced records", "count", pruned)
	}

	o.emit(Event{Type: EventIncidentsSynced, Data: summary})
	return nil
}

// ForceSyncNow runs a pass immediately, or fails if the device is offline.
func (o *Orchestrator) ForceSyncNow(ctx context.Context) error {
	if !o.net.Online() {
		return &ErrOffline{}
	}
	return o.SyncAll(ctx)
}

// PendingCount returns the number of unsynced durable records.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.store.PendingCount(ctx)
}

// Syncing reports whether a pass is currently running.
func (o *Orchestrator) Syncing() bool {
	return o.syncing.Load()
}

// SaveIncidentOffline durably queues a record for later upload and returns
// its id. The write must succeed before anything else happens; the
// background-trigger registration afterwards is best-effort and its
// failure is logged, never propagated.
func (o *Orchestrator) SaveIncidentOffline(ctx context.Context, payload json.RawMessage) (int64, error) {
	id, err := o.store.AddPendingRecord(ctx, payload)
	if err != nil {
		return 0, fmt.Errorf("reconcile: save offline: %w", err)
	}

	o.emit(Event{Type: EventIncidentSaved, Data: id})

	if o.registrar != nil {
		if err := o.registrar.Register(ctx, "incident-sync"); err != nil {
			o.logger.Warn("background sync registration failed", "error", err)
		}
	}
	return id, nil
}
