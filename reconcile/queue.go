package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the operation a queue item represents.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
)

// MaxRetries bounds per-item attempts. An item that fails this many times
// is dropped permanently with an EventSyncItemFailed notification.
const MaxRetries = 3

// QueueItem is a same-session deferred operation. Unlike pending records,
// queue items are in-memory only: they do not survive a restart, and they
// are dropped after MaxRetries failures.
type QueueItem struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`
}

// updatePayload is the expected shape of a KindUpdate item's payload.
type updatePayload struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

// QueueForSync appends an ephemeral operation and returns its id. If the
// device is online, a best-effort immediate pass is triggered.
func (o *Orchestrator) QueueForSync(kind Kind, payload json.RawMessage) string {
	item := QueueItem{
		ID:        o.newID(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: o.now(),
	}

	o.mu.Lock()
	o.queue = append(o.queue, item)
	n := len(o.queue)
	o.mu.Unlock()

	o.logger.Debug("queued for sync", "id", item.ID, "kind", kind, "queue_len", n)

	if o.net.Online() {
		o.Trigger(TriggerQueued)
	}
	return item.ID
}

// QueueLen returns the number of ephemeral items waiting.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// drainQueue attempts every queued item once. Successes are removed;
// failures get a retry increment and are dropped (with a notification)
// once they exhaust MaxRetries. Per-item errors never abort the drain.
func (o *Orchestrator) drainQueue(ctx context.Context) {
	o.mu.Lock()
	items := make([]QueueItem, len(o.queue))
	copy(items, o.queue)
	o.mu.Unlock()

	snapshot := make(map[string]bool, len(items))
	for _, item := range items {
		snapshot[item.ID] = true
	}

	var keep []QueueItem
	for _, item := range items {
		err := o.attemptItem(ctx, item)
		if err == nil {
			o.logger.Debug("queue item synced", "id", item.ID, "kind", item.Kind)
			continue
		}

		item.Retries++
		if item.Retries >= MaxRetries {
			o.logger.Warn("queue item dropped after retries",
				"id", item.ID, "kind", item.Kind, "retries", item.Retries, "error", err)
			o.emit(Event{Type: EventSyncItemFailed, Data: item})
			continue
		}

		o.logger.Debug("queue item failed, will retry",
			"id", item.ID, "retries", item.Retries, "error", err)
		keep = append(keep, item)
	}

	// Items queued while the drain was running are preserved behind the
	// survivors.
	o.mu.Lock()
	for _, item := range o.queue {
		if !snapshot[item.ID] {
			keep = append(keep, item)
		}
	}
	o.queue = keep
	o.mu.Unlock()
}

func (o *Orchestrator) attemptItem(ctx context.Context, item QueueItem) error {
	switch item.Kind {
	case KindCreate:
		_, err := o.remote.Create(ctx, item.Payload)
		return err
	case KindUpdate:
		var up updatePayload
		if err := json.Unmarshal(item.Payload, &up); err != nil {
			return fmt.Errorf("reconcile: update payload: %w", err)
		}
		return o.remote.Update(ctx, up.ID, up.Patch)
	default:
		return fmt.Errorf("reconcile: unknown queue kind %q", item.Kind)
	}
}
