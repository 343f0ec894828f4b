// ABOUTME: Bounded outbound queue holding send operations while disconnected
// ABOUTME: Evicts by age, by size (oldest first) and after too many failed flushes

package client

import (
	"sync"
	"time"

	"github.com/2389/hush-gateway/internal/protocol"
)

// QueuedItem is one operation waiting for a live connection.
type QueuedItem struct {
	Frame      protocol.Frame
	EnqueuedAt time.Time
	Retries    int
}

// QueueLimits bounds the outbox. Zero values disable a bound.
type QueueLimits struct {
	MaxSize    int
	MaxAge     time.Duration
	MaxRetries int
}

// Outbox is safe for concurrent use.
type Outbox struct {
	mu     sync.Mutex
	items  []QueuedItem
	limits QueueLimits
	now    func() time.Time

	dropped int
}

// NewOutbox creates an empty outbox. A nil now uses time.Now.
func NewOutbox(limits QueueLimits, now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{limits: limits, now: now}
}

// Enqueue appends f, purging expired entries and trimming the oldest on overflow.
func (o *Outbox) Enqueue(f protocol.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.purgeLocked()
	o.items = append(o.items, QueuedItem{Frame: f, EnqueuedAt: o.now()})
	o.trimLocked()
}

// Requeue puts f back at the head of the queue. It is used for a frame that
// was in flight when its connection failed, which is older than anything queued.
func (o *Outbox) Requeue(f protocol.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.purgeLocked()
	o.items = append([]QueuedItem{{Frame: f, EnqueuedAt: o.now()}}, o.items...)
	o.trimLocked()
}

// Flush sends queued items oldest first. The first failure stops the flush:
// the failed item's retry count is bumped (and it is dropped at MaxRetries)
// and every later item stays queued in order. Flush returns the number sent.
func (o *Outbox) Flush(send func(protocol.Frame) error) int {
	o.mu.Lock()
	o.purgeLocked()
	batch := o.items
	o.items = nil
	o.mu.Unlock()

	sent := 0
	var rest []QueuedItem
	for i, item := range batch {
		if err := send(item.Frame); err != nil {
			item.Retries++
			if o.limits.MaxRetries > 0 && item.Retries >= o.limits.MaxRetries {
				o.mu.Lock()
				o.dropped++
				o.mu.Unlock()
				rest = batch[i+1:]
			} else {
				rest = append([]QueuedItem{item}, batch[i+1:]...)
			}
			break
		}
		sent++
	}

	if len(rest) > 0 {
		o.mu.Lock()
		// Items enqueued during the flush are newer than everything left over.
		o.items = append(append([]QueuedItem(nil), rest...), o.items...)
		o.trimLocked()
		o.mu.Unlock()
	}
	return sent
}

// Purge drops expired entries and returns how many were removed.
func (o *Outbox) Purge() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.purgeLocked()
}

// Len returns the number of queued items.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Dropped returns how many items were evicted without being sent.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Snapshot returns a copy of the queue, oldest first.
func (o *Outbox) Snapshot() []QueuedItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedItem(nil), o.items...)
}

// Clear empties the queue.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = nil
}

func (o *Outbox) purgeLocked() int {
	if o.limits.MaxAge <= 0 || len(o.items) == 0 {
		return 0
	}
	cutoff := o.now().Add(-o.limits.MaxAge)
	kept := o.items[:0]
	for _, item := range o.items {
		if item.EnqueuedAt.After(cutoff) {
			kept = append(kept, item)
		}
	}
	removed := len(o.items) - len(kept)
	o.items = kept
	o.dropped += removed
	return removed
}

func (o *Outbox) trimLocked() {
	if o.limits.MaxSize <= 0 || len(o.items) <= o.limits.MaxSize {
		return
	}
	over := len(o.items) - o.limits.MaxSize
	o.items = append([]QueuedItem(nil), o.items[over:]...)
	o.dropped += over
}
