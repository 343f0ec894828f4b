// ABOUTME: In-memory fan-out bus for realtime events consumed by the collaborator layer
// ABOUTME: Delivery, read, typing, presence and message events for push-notification fan-out

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allKinds is the subscription key for subscribers that want every event.
	allKinds = "*"
)

// Kind identifies what happened.
type Kind string

// Event kinds.
const (
	KindMessage       Kind = "message"
	KindDelivered     Kind = "delivered"
	KindRead          Kind = "read"
	KindTyping        Kind = "typing"
	KindPresence      Kind = "presence"
	KindEdited        Kind = "edited"
	KindDeleted       Kind = "deleted"
	KindReaction      Kind = "reaction"
	KindThreadCreated Kind = "thread_created" // Recipients are the other participants
)

// Event is one realtime occurrence. Fields not relevant to a kind are empty.
type Event struct {
	ID        string
	Kind      Kind
	ThreadID  string
	ProfileID string // the identity that acted
	MessageID string
	// Recipients are the identities the event concerns, e.g. the other
	// participants of the thread a message was sent to.
	Recipients []string
	// Online reports whether each recipient had a live connection when the
	// event was published. Push fan-out targets the offline ones.
	Online map[string]bool
	Status string // presence status or typing state
	At     time.Time
}

// Bus provides in-memory pub/sub for Events. Publishing never blocks:
// events are dropped for subscribers whose channels are full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // kind -> subID -> ch
	dropped     atomic.Uint64
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for the given kinds, or for all events if
// none are given. The subscription is removed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	keys := make([]string, 0, len(kinds))
	for _, k := range kinds {
		keys = append(keys, string(k))
	}
	if len(keys) == 0 {
		keys = append(keys, allKinds)
	}

	b.mu.Lock()
	for _, key := range keys {
		if _, ok := b.subscribers[key]; !ok {
			b.subscribers[key] = make(map[string]chan Event)
		}
		b.subscribers[key][subID] = ch
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", keys)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers ev to every matching subscriber. ID and At are filled in
// when empty.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// The read lock is held across the non-blocking sends so Unsubscribe
	// cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	sent := make(map[string]struct{})
	for _, key := range []string{string(ev.Kind), allKinds} {
		for id, ch := range b.subscribers[key] {
			if _, ok := sent[id]; ok {
				continue
			}
			sent[id] = struct{}{}
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
				b.logger.Debug("dropped event for slow subscriber",
					"sub_id", id,
					"kind", ev.Kind,
					"event_id", ev.ID)
			}
		}
	}
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ch chan Event
	for key, subs := range b.subscribers {
		c, ok := subs[subID]
		if !ok {
			continue
		}
		ch = c
		delete(subs, subID)
		if len(subs) == 0 {
			delete(b.subscribers, key)
		}
	}
	if ch == nil {
		return
	}
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]struct{})
	for key, subs := range b.subscribers {
		for _, ch := range subs {
			if _, ok := closed[ch]; !ok {
				close(ch)
				closed[ch] = struct{}{}
			}
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("bus closed")
}

// Publisher is the subset of Bus used by services that emit events.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
