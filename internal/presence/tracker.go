// ABOUTME: Computes online/offline transitions and broadcasts them to contacts.
// ABOUTME: Visibility preference gates broadcasts and last-seen disclosure.

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/hush-gateway/internal/events"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// Store is the collaborator state the tracker reads.
type Store interface {
	store.ThreadDirectory
	store.PresenceStore
}

// OnlineChecker reports whether an identity has a live connection.
type OnlineChecker interface {
	IsOnline(identity string) bool
}

// Broadcaster delivers a frame to a set of identities.
type Broadcaster interface {
	ToIdentities(identities []string, except string, frame protocol.Frame) int
}

// Params holds the dependencies of a Tracker.
type Params struct {
	Store       Store
	Online      OnlineChecker
	Broadcaster Broadcaster
	Events      events.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

// Tracker broadcasts presence changes and answers presence queries.
type Tracker struct {
	store  Store
	online OnlineChecker
	bc     Broadcaster
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(p Params) *Tracker {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Events == nil {
		p.Events = events.Discard
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Tracker{
		store:  p.Store,
		online: p.Online,
		bc:     p.Broadcaster,
		events: p.Events,
		logger: p.Logger.With("component", "presence"),
		now:    p.Now,
	}
}

// Connected announces identity as online to its contacts if it is visible.
func (t *Tracker) Connected(ctx context.Context, identity string) error {
	pref, err := t.store.GetPresence(ctx, identity)
	if err != nil {
		return fmt.Errorf("loading presence for %s: %w", identity, err)
	}
	if !pref.Visible {
		t.logger.Debug("invisible identity connected", "profile_id", identity)
		return nil
	}
	return t.announce(ctx, identity, protocol.PresenceUpdateData{
		ProfileID: identity,
		Status:    protocol.PresenceOnline,
	})
}

// Disconnected announces identity as offline with lastSeenAt=now if it is
// visible, then persists lastSeenAt. Callers invoke it once per teardown of
// the identity's live connection.
func (t *Tracker) Disconnected(ctx context.Context, identity string) error {
	now := t.now()

	pref, err := t.store.GetPresence(ctx, identity)
	if err != nil {
		return fmt.Errorf("loading presence for %s: %w", identity, err)
	}
	if pref.Visible {
		seen := now.UnixMilli()
		if err := t.announce(ctx, identity, protocol.PresenceUpdateData{
			ProfileID:  identity,
			Status:     protocol.PresenceOffline,
			LastSeenAt: &seen,
		}); err != nil {
			t.logger.Warn("offline broadcast failed", "profile_id", identity, "error", err)
		}
	}

	if err := t.store.SetLastSeen(ctx, identity, now); err != nil {
		return fmt.Errorf("persisting last seen for %s: %w", identity, err)
	}
	return nil
}

// Query returns identity's presence as seen by others. Connected identities
// are online regardless of visibility. Offline identities disclose their
// last-seen time only when visible.
func (t *Tracker) Query(ctx context.Context, identity string) (protocol.PresenceUpdateData, error) {
	out := protocol.PresenceUpdateData{ProfileID: identity, Status: protocol.PresenceOffline}
	if t.online.IsOnline(identity) {
		out.Status = protocol.PresenceOnline
		return out, nil
	}

	pref, err := t.store.GetPresence(ctx, identity)
	if err != nil {
		return out, fmt.Errorf("loading presence for %s: %w", identity, err)
	}
	if pref.Visible && pref.LastSeenAt != nil {
		seen := pref.LastSeenAt.UnixMilli()
		out.LastSeenAt = &seen
	}
	return out, nil
}

// SetVisible stores identity's visibility preference. If identity is online
// and the preference changed, contacts see it come online or go offline.
func (t *Tracker) SetVisible(ctx context.Context, identity string, visible bool) error {
	pref, err := t.store.GetPresence(ctx, identity)
	if err != nil {
		return fmt.Errorf("loading presence for %s: %w", identity, err)
	}
	if err := t.store.SetVisible(ctx, identity, visible); err != nil {
		return fmt.Errorf("storing visibility for %s: %w", identity, err)
	}
	if pref.Visible == visible || !t.online.IsOnline(identity) {
		return nil
	}

	status := protocol.PresenceOnline
	if !visible {
		status = protocol.PresenceOffline
	}
	return t.announce(ctx, identity, protocol.PresenceUpdateData{ProfileID: identity, Status: status})
}

func (t *Tracker) announce(ctx context.Context, identity string, update protocol.PresenceUpdateData) error {
	contacts, err := store.ContactsOf(ctx, t.store, identity)
	if err != nil {
		return fmt.Errorf("listing contacts of %s: %w", identity, err)
	}

	frame, err := protocol.NewFrame(protocol.OpPresenceUpdate, update)
	if err != nil {
		return err
	}
	queued := t.bc.ToIdentities(contacts, identity, frame)

	t.logger.Debug("presence broadcast",
		"profile_id", identity,
		"status", update.Status,
		"contacts", len(contacts),
		"queued", queued,
	)
	t.events.Publish(events.Event{
		Kind:       events.KindPresence,
		ProfileID:  identity,
		Recipients: contacts,
		Status:     update.Status,
		At:         t.now(),
	})
	return nil
}
