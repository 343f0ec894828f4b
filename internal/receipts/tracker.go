// ABOUTME: Applies delivered and read receipts to the message log.
// ABOUTME: Notifies the original sender once per transition with a message:status frame.

package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/hush-gateway/internal/events"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// Store is the collaborator state receipts read and mutate.
type Store interface {
	store.ThreadDirectory
	store.MessageLog
}

// Notifier delivers a frame to one identity.
type Notifier interface {
	SendTo(identity string, frame protocol.Frame) bool
}

// Params holds the dependencies of a Tracker.
type Params struct {
	Store    Store
	Notifier Notifier
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

// Tracker records receipts.
type Tracker struct {
	store    Store
	notifier Notifier
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(p Params) *Tracker {
	if p.Events == nil {
		p.Events = events.Discard
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Tracker{
		store:    p.Store,
		notifier: p.Notifier,
		events:   p.Events,
		logger:   p.Logger.With("component", "receipts"),
		now:      p.Now,
	}
}

// Delivered marks each message as delivered to observer. Messages already
// delivered, and observer's own messages, are skipped. Unknown ids and ids of
// threads observer is not part of are reported together after the rest are
// applied; a forbidden id outranks a missing one.
func (t *Tracker) Delivered(ctx context.Context, messageIDs []string, observer string) error {
	var missing, forbidden []string
	for _, id := range messageIDs {
		env, err := t.store.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("loading message %s: %w", id, err)
		}
		ok, err := t.isParticipant(ctx, env.ThreadID, observer)
		if err != nil {
			return err
		}
		if !ok {
			forbidden = append(forbidden, id)
			continue
		}
		if env.Sender == observer {
			continue
		}
		if _, err := t.markDelivered(ctx, env, observer); err != nil {
			return err
		}
	}
	if len(forbidden) > 0 {
		return protocol.Forbidden("not a participant for messages: %s", strings.Join(forbidden, ","))
	}
	return missingErr(missing)
}

// Read marks messages of threadID as read by observer. A sender cannot read
// its own messages. A message read before any delivery receipt is marked
// delivered first, so the sender always sees delivered before read.
func (t *Tracker) Read(ctx context.Context, threadID string, messageIDs []string, observer string) error {
	thread, err := t.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NotFound("thread %s not found", threadID)
	}
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	if !thread.HasParticipant(observer) {
		return protocol.Forbidden("not a participant of thread %s", threadID)
	}

	var missing []string
	for _, id := range messageIDs {
		env, err := t.store.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("loading message %s: %w", id, err)
		}
		if env.ThreadID != threadID {
			missing = append(missing, id)
			continue
		}
		if env.Sender == observer {
			continue
		}

		if env.DeliveredAt == nil {
			if _, err := t.markDelivered(ctx, env, observer); err != nil {
				return err
			}
		}

		now := t.now()
		changed, err := t.store.MarkRead(ctx, id, now)
		if err != nil {
			return fmt.Errorf("marking %s read: %w", id, err)
		}
		if changed {
			t.notify(env, protocol.StatusRead, now, observer)
		}
	}
	return missingErr(missing)
}

func (t *Tracker) markDelivered(ctx context.Context, env *store.Envelope, observer string) (bool, error) {
	now := t.now()
	changed, err := t.store.MarkDelivered(ctx, env.ID, now)
	if err != nil {
		return false, fmt.Errorf("marking %s delivered: %w", env.ID, err)
	}
	if changed {
		t.notify(env, protocol.StatusDelivered, now, observer)
	}
	return changed, nil
}

func (t *Tracker) isParticipant(ctx context.Context, threadID, observer string) (bool, error) {
	thread, err := t.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	return thread.HasParticipant(observer), nil
}

func (t *Tracker) notify(env *store.Envelope, status string, at time.Time, observer string) {
	frame, err := protocol.NewFrame(protocol.OpMessageStatus, protocol.MessageStatusData{
		MessageID: env.ID,
		Status:    status,
		Timestamp: at.UnixMilli(),
	})
	if err != nil {
		t.logger.Error("encoding status frame", "error", err)
		return
	}
	queued := t.notifier.SendTo(env.Sender, frame)
	t.logger.Debug("receipt",
		"message_id", env.ID,
		"thread_id", env.ThreadID,
		"status", status,
		"observer", observer,
		"sender_online", queued,
	)

	kind := events.KindDelivered
	if status == protocol.StatusRead {
		kind = events.KindRead
	}
	t.events.Publish(events.Event{
		Kind:       kind,
		ThreadID:   env.ThreadID,
		ProfileID:  observer,
		MessageID:  env.ID,
		Recipients: []string{env.Sender},
		Online:     map[string]bool{env.Sender: queued},
		Status:     status,
		At:         at,
	})
}

func missingErr(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return protocol.NotFound("messages not found: %s", strings.Join(ids, ","))
}
