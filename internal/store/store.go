// ABOUTME: Store interfaces and data types for the messaging collaborator layer
// ABOUTME: Thread directory, message log, reactions, public-key directory and presence preferences

package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// Thread kinds
const (
	ThreadKindDM    = "dm"
	ThreadKindGroup = "group"
)

// DeletedCiphertext replaces the body of a soft-deleted message
const DeletedCiphertext = "[deleted]"

// Thread is a conversation channel between a fixed set of identities
type Thread struct {
	ID           string
	Kind         string // "dm" or "group"
	Participants []string
	CreatedAt    time.Time
}

// HasParticipant reports whether identity belongs to the thread.
func (t *Thread) HasParticipant(identity string) bool {
	return slices.Contains(t.Participants, identity)
}

// Others returns every participant except identity.
func (t *Thread) Others(identity string) []string {
	out := make([]string, 0, len(t.Participants))
	for _, p := range t.Participants {
		if p != identity {
			out = append(out, p)
		}
	}
	return out
}

// Envelope is one message record. The body is opaque ciphertext for DM threads.
// CreatedAt orders envelopes within a thread; Seq breaks ties by insertion order.
type Envelope struct {
	Seq         int64
	ID          string
	ThreadID    string
	Sender      string
	Kind        string
	Ciphertext  string
	MediaCID    string
	Meta        json.RawMessage
	ReplyTo     string
	ClientID    string
	CreatedAt   time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
}

// Reaction is one identity's emoji on a message.
type Reaction struct {
	MessageID string
	Identity  string
	Emoji     string
	CreatedAt time.Time
}

// Presence is the persisted presence preference and last-seen time of an identity.
type Presence struct {
	Identity   string
	Visible    bool
	LastSeenAt *time.Time
}

// ThreadDirectory resolves threads and their participants.
type ThreadDirectory interface {
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreadsFor(ctx context.Context, identity string) ([]*Thread, error)
}

// MessageLog is the append-only envelope log. Envelopes are mutated only by
// delivered, read, edited and deleted transitions.
type MessageLog interface {
	Append(ctx context.Context, env *Envelope) error
	GetMessage(ctx context.Context, id string) (*Envelope, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]*Envelope, error)
	// MarkDelivered sets delivered_at once. It reports whether this call made the transition.
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkRead sets read_at once. It reports whether this call made the transition.
	MarkRead(ctx context.Context, id string, at time.Time) (bool, error)
	EditMessage(ctx context.Context, id, ciphertext string, at time.Time) error
	// SoftDelete clears the body and sets deleted_at once.
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)
}

// ReactionLog records emoji reactions. An identity reacts at most once per
// emoji on a message.
type ReactionLog interface {
	// AddReaction reports whether the reaction was new.
	AddReaction(ctx context.Context, messageID, identity, emoji string, at time.Time) (bool, error)
	// RemoveReaction reports whether a reaction was removed.
	RemoveReaction(ctx context.Context, messageID, identity, emoji string) (bool, error)
	// ListReactions returns the reactions on a message, oldest first.
	ListReactions(ctx context.Context, messageID string) ([]Reaction, error)
}

// KeyDirectory holds published identity public keys.
type KeyDirectory interface {
	GetPublicKey(ctx context.Context, identity string) (string, error)
	PutPublicKey(ctx context.Context, identity, publicKey string) error
}

// PresenceStore persists visibility preferences and last-seen times.
type PresenceStore interface {
	// GetPresence returns the stored record, defaulting to visible with no
	// last-seen time for identities never recorded.
	GetPresence(ctx context.Context, identity string) (*Presence, error)
	SetVisible(ctx context.Context, identity string, visible bool) error
	SetLastSeen(ctx context.Context, identity string, at time.Time) error
}

// Store is the full collaborator store.
type Store interface {
	ThreadDirectory
	MessageLog
	ReactionLog
	KeyDirectory
	PresenceStore

	CreateThread(ctx context.Context, thread *Thread) error
	Close() error
}

// ContactsOf returns the deduplicated set of identities sharing at least one
// thread with identity.
func ContactsOf(ctx context.Context, dir ThreadDirectory, identity string) ([]string, error) {
	threads, err := dir.ListThreadsFor(ctx, identity)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, t := range threads {
		for _, p := range t.Others(identity) {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}
