// ABOUTME: Handles send, edit, delete and reaction operations plus thread creation.
// ABOUTME: Persists envelopes, drops replayed sends and fans frames out to participants.

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hush-gateway/internal/dedupe"
	"github.com/2389/hush-gateway/internal/events"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// DefaultEditWindow is how long after sending a message its author may edit it.
const DefaultEditWindow = 15 * time.Minute

// DefaultHistoryLimit bounds History when no limit is given.
const DefaultHistoryLimit = 50

// Store is the collaborator state messaging reads and mutates.
type Store interface {
	store.ThreadDirectory
	store.MessageLog
	store.ReactionLog
	CreateThread(ctx context.Context, thread *store.Thread) error
}

// Broadcaster fans frames out to identities.
type Broadcaster interface {
	SendTo(identity string, frame protocol.Frame) bool
	ToThread(thread *store.Thread, except string, frame protocol.Frame) int
}

// TypingStopper clears a typing indicator.
type TypingStopper interface {
	Stop(threadID, identity string) bool
}

// OnlineChecker reports whether an identity has a live connection.
type OnlineChecker interface {
	IsOnline(identity string) bool
}

// Params holds the dependencies of a Service.
type Params struct {
	Store       Store
	Broadcaster Broadcaster
	Typing      TypingStopper
	Online      OnlineChecker
	Dedupe      *dedupe.Cache[string]
	Events      events.Publisher
	EditWindow  time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service implements the message operations.
type Service struct {
	store      Store
	bc         Broadcaster
	typing     TypingStopper
	online     OnlineChecker
	dedupe     *dedupe.Cache[string]
	events     events.Publisher
	editWindow time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a Service.
func NewService(p Params) *Service {
	if p.EditWindow <= 0 {
		p.EditWindow = DefaultEditWindow
	}
	if p.Events == nil {
		p.Events = events.Discard
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		store:      p.Store,
		bc:         p.Broadcaster,
		typing:     p.Typing,
		online:     p.Online,
		dedupe:     p.Dedupe,
		events:     p.Events,
		editWindow: p.EditWindow,
		logger:     p.Logger.With("component", "messaging"),
		now:        p.Now,
	}
}

// Send persists a message from sender and delivers it to every participant
// of the thread, the sender included. The sender's copy carries the client
// temp id so the optimistic envelope can be reconciled. A replay of an
// already stored (sender, clientId) pair re-sends the stored message to the
// sender only.
func (s *Service) Send(ctx context.Context, sender string, data protocol.SendData) (*store.Envelope, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	thread, err := s.participantThread(ctx, data.ThreadID, sender)
	if err != nil {
		return nil, err
	}

	if replay, ok, err := s.replayed(ctx, sender, data.ClientID); err != nil {
		return nil, err
	} else if ok {
		s.logger.Info("replayed send", "profile_id", sender, "client_id", data.ClientID, "message_id", replay.ID)
		s.bc.SendTo(sender, MessageFrame(replay))
		return replay, nil
	}

	if data.ReplyTo != "" {
		parent, err := s.store.GetMessage(ctx, data.ReplyTo)
		if errors.Is(err, store.ErrNotFound) || (err == nil && parent.ThreadID != thread.ID) {
			return nil, protocol.NotFound("reply target %s not found", data.ReplyTo)
		}
		if err != nil {
			return nil, fmt.Errorf("loading reply target: %w", err)
		}
	}

	if s.typing != nil {
		s.typing.Stop(thread.ID, sender)
	}

	env := &store.Envelope{
		ID:         uuid.New().String(),
		ThreadID:   thread.ID,
		Sender:     sender,
		Kind:       data.Type,
		Ciphertext: data.Ciphertext,
		MediaCID:   data.MediaCID,
		Meta:       data.Meta,
		ReplyTo:    data.ReplyTo,
		ClientID:   data.ClientID,
		CreatedAt:  s.now(),
	}
	if err := s.store.Append(ctx, env); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	if s.dedupe != nil && data.ClientID != "" {
		s.dedupe.Put(dedupe.Key(sender, data.ClientID), env.ID)
	}

	queued := s.bc.ToThread(thread, "", MessageFrame(env))
	s.logger.Debug("message sent",
		"message_id", env.ID,
		"thread_id", env.ThreadID,
		"profile_id", sender,
		"type", env.Kind,
		"queued", queued,
	)

	others := thread.Others(sender)
	s.events.Publish(events.Event{
		Kind:       events.KindMessage,
		ThreadID:   env.ThreadID,
		ProfileID:  sender,
		MessageID:  env.ID,
		Recipients: others,
		Online:     s.onlineMap(others),
		At:         env.CreatedAt,
	})
	return env, nil
}

// Edit replaces the body of a text message. Only the author may edit, and
// only within the edit window.
func (s *Service) Edit(ctx context.Context, editor string, data protocol.EditData) error {
	if data.MessageID == "" || data.Ciphertext == "" {
		return protocol.Invalid("message:edit: messageId and ciphertext are required")
	}
	env, thread, err := s.authored(ctx, data.MessageID, editor)
	if err != nil {
		return err
	}
	if env.DeletedAt != nil {
		return protocol.NotFound("message %s was deleted", env.ID)
	}
	if env.Kind != protocol.KindText {
		return protocol.Invalid("message:edit: only text messages can be edited")
	}
	now := s.now()
	if now.Sub(env.CreatedAt) > s.editWindow {
		return protocol.Forbidden("edit window of %s has passed", s.editWindow)
	}

	if err := s.store.EditMessage(ctx, env.ID, data.Ciphertext, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.NotFound("message %s not found", env.ID)
		}
		return fmt.Errorf("editing message: %w", err)
	}

	frame, err := protocol.NewFrame(protocol.OpMessageEdited, protocol.EditedData{
		MessageID:  env.ID,
		ThreadID:   env.ThreadID,
		Ciphertext: data.Ciphertext,
		EditedAt:   now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	s.bc.ToThread(thread, "", frame)
	s.events.Publish(events.Event{
		Kind:       events.KindEdited,
		ThreadID:   env.ThreadID,
		ProfileID:  editor,
		MessageID:  env.ID,
		Recipients: thread.Others(editor),
		At:         now,
	})
	return nil
}

// Delete soft-deletes a message. Only the author may delete. Deleting an
// already deleted message is a no-op.
func (s *Service) Delete(ctx context.Context, author string, data protocol.DeleteData) error {
	if data.MessageID == "" {
		return protocol.Invalid("message:delete: messageId is required")
	}
	env, thread, err := s.authored(ctx, data.MessageID, author)
	if err != nil {
		return err
	}

	now := s.now()
	deleted, err := s.store.SoftDelete(ctx, env.ID, now)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if !deleted {
		return nil
	}

	frame, err := protocol.NewFrame(protocol.OpMessageDeleted, protocol.DeletedData{
		MessageID: env.ID,
		ThreadID:  env.ThreadID,
		DeletedAt: now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	s.bc.ToThread(thread, "", frame)
	s.events.Publish(events.Event{
		Kind:       events.KindDeleted,
		ThreadID:   env.ThreadID,
		ProfileID:  author,
		MessageID:  env.ID,
		Recipients: thread.Others(author),
		At:         now,
	})
	return nil
}

// React adds or removes identity's emoji on a message and relays the change
// to every participant. Repeating an add or a remove changes nothing and
// relays nothing.
func (s *Service) React(ctx context.Context, identity string, data protocol.ReactionData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	env, err := s.store.GetMessage(ctx, data.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NotFound("message %s not found", data.MessageID)
	}
	if err != nil {
		return fmt.Errorf("loading message %s: %w", data.MessageID, err)
	}
	thread, err := s.participantThread(ctx, env.ThreadID, identity)
	if err != nil {
		return err
	}
	if env.DeletedAt != nil {
		return protocol.NotFound("message %s was deleted", env.ID)
	}

	now := s.now()
	var changed bool
	if data.Action == protocol.ReactionAdd {
		changed, err = s.store.AddReaction(ctx, env.ID, identity, data.Emoji, now)
	} else {
		changed, err = s.store.RemoveReaction(ctx, env.ID, identity, data.Emoji)
	}
	if err != nil {
		return fmt.Errorf("updating reaction: %w", err)
	}
	if !changed {
		return nil
	}

	s.bc.ToThread(thread, "", protocol.MustFrame(protocol.OpChatReaction, protocol.ReactionUpdateData{
		MessageID: env.ID,
		ThreadID:  env.ThreadID,
		ProfileID: identity,
		Emoji:     data.Emoji,
		Action:    data.Action,
		At:        now.UnixMilli(),
	}))
	s.events.Publish(events.Event{
		Kind:       events.KindReaction,
		ThreadID:   env.ThreadID,
		ProfileID:  identity,
		MessageID:  env.ID,
		Recipients: thread.Others(identity),
		Status:     data.Action,
		At:         now,
	})
	return nil
}

// CreateThread creates a thread on behalf of creator, who is added to the
// participants when missing, and announces it with thread:created to every
// participant online. A dm has exactly two participants, a group at least two.
func (s *Service) CreateThread(ctx context.Context, creator string, data protocol.ThreadData) (*store.Thread, error) {
	thread, err := NewThread(data, creator, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		if errors.Is(err, store.ErrDuplicateThread) {
			return nil, protocol.Invalid("thread %s already exists", thread.ID)
		}
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	// Read back so participants come in the store's order.
	if stored, err := s.store.GetThread(ctx, thread.ID); err == nil {
		thread = stored
	}

	queued := s.bc.ToThread(thread, "", protocol.MustFrame(protocol.OpThreadCreated, ToThreadData(thread)))
	s.logger.Info("thread created",
		"thread_id", thread.ID,
		"kind", thread.Kind,
		"profile_id", creator,
		"queued", queued,
	)
	others := thread.Others(creator)
	s.events.Publish(events.Event{
		Kind:       events.KindThreadCreated,
		ThreadID:   thread.ID,
		ProfileID:  creator,
		Recipients: others,
		Online:     s.onlineMap(others),
		At:         thread.CreatedAt,
	})
	return thread, nil
}

// NewThread validates data and builds the thread it describes. creator is
// added to the participants when set and missing. An empty id is generated.
func NewThread(data protocol.ThreadData, creator string, now time.Time) (*store.Thread, error) {
	kind := data.Kind
	if kind == "" {
		kind = store.ThreadKindDM
	}

	var participants []string
	for _, p := range append(slices.Clone(data.Participants), creator) {
		if p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}

	switch kind {
	case store.ThreadKindDM:
		if len(participants) != 2 {
			return nil, protocol.Invalid("a dm thread needs exactly 2 participants, got %d", len(participants))
		}
	case store.ThreadKindGroup:
		if len(participants) < 2 {
			return nil, protocol.Invalid("a group thread needs at least 2 participants")
		}
	default:
		return nil, protocol.Invalid("unknown thread kind %q", kind)
	}

	id := data.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &store.Thread{ID: id, Kind: kind, Participants: participants, CreatedAt: now}, nil
}

// History returns the most recent messages of a thread, oldest first.
func (s *Service) History(ctx context.Context, identity, threadID string, limit int) ([]protocol.MessageData, error) {
	if _, err := s.participantThread(ctx, threadID, identity); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	envs, err := s.store.ListMessages(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]protocol.MessageData, 0, len(envs))
	for _, env := range envs {
		d := ToMessageData(env)
		reactions, err := s.store.ListReactions(ctx, env.ID)
		if err != nil {
			return nil, fmt.Errorf("listing reactions: %w", err)
		}
		d.Reactions = SummarizeReactions(reactions)
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) participantThread(ctx context.Context, threadID, identity string) (*store.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.NotFound("thread %s not found", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	if !thread.HasParticipant(identity) {
		return nil, protocol.Forbidden("not a participant of thread %s", threadID)
	}
	return thread, nil
}

func (s *Service) authored(ctx context.Context, messageID, identity string) (*store.Envelope, *store.Thread, error) {
	env, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, protocol.NotFound("message %s not found", messageID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading message %s: %w", messageID, err)
	}
	if env.Sender != identity {
		return nil, nil, protocol.Forbidden("only the author can change message %s", messageID)
	}
	thread, err := s.participantThread(ctx, env.ThreadID, identity)
	if err != nil {
		return nil, nil, err
	}
	return env, thread, nil
}

func (s *Service) replayed(ctx context.Context, sender, clientID string) (*store.Envelope, bool, error) {
	if s.dedupe == nil || clientID == "" {
		return nil, false, nil
	}
	id, ok := s.dedupe.Get(dedupe.Key(sender, clientID))
	if !ok {
		return nil, false, nil
	}
	env, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading replayed message: %w", err)
	}
	return env, true, nil
}

func (s *Service) onlineMap(ids []string) map[string]bool {
	if s.online == nil {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = s.online.IsOnline(id)
	}
	return out
}
