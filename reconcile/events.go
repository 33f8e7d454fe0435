package reconcile

// EventType labels the notifications the orchestrator broadcasts.
type EventType string

const (
	// EventSyncStart fires when a reconciliation pass begins.
	EventSyncStart EventType = "sync-start"
	// EventIncidentsSynced carries a Summary after the pending records
	// have been drained.
	EventIncidentsSynced EventType = "incidents-synced"
	// EventSyncItemFailed fires exactly once per ephemeral queue item that
	// exhausts its retries and is dropped.
	EventSyncItemFailed EventType = "sync-item-failed"
	// EventSyncComplete fires when a pass finishes without an unexpected
	// error.
	EventSyncComplete EventType = "sync-complete"
	// EventSyncError fires instead of EventSyncComplete when the pass hit
	// a non-per-item failure (typically the durable store).
	EventSyncError EventType = "sync-error"
	// EventIncidentSaved fires when a record is durably queued while
	// offline.
	EventIncidentSaved EventType = "incident-saved-offline"
)

// Event is what listeners receive. Data depends on the type: a Summary
// for EventIncidentsSynced, a QueueItem for EventSyncItemFailed, a record
// id for EventIncidentSaved, an error string for EventSyncError.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Summary reports the outcome of draining the pending records in one pass.
type Summary struct {
	Success int       `json:"success"`
	Failed  int       `json:"failed"`
	Errors  []Failure `json:"errors,omitempty"`
}

// Failure describes one record that could not be uploaded. Rejected marks
// an application-level rejection (the remote answered and said no), as
// opposed to a transport failure; rejected records still stay pending,
// but callers may want to escalate them to the user.
type Failure struct {
	RecordID int64  `json:"record_id"`
	Rejected bool   `json:"rejected"`
	Message  string `json:"message"`
}

// AddListener registers a callback invoked synchronously for every emitted
// event and returns an unsubscribe function. A panicking listener is
// logged and skipped; it can never break a pass.
func (o *Orchestrator) AddListener(fn func(Event)) func() {
	o.mu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		o.safeNotify(fn, ev)
	}
}

func (o *Orchestrator) safeNotify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
