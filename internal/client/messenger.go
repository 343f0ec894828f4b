// ABOUTME: Messenger couples the reconnecting Client with per-thread session crypto
// ABOUTME: Optimistic pending sends, lazy session derivation, undecryptable fallback, auto receipts and reactions

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hush-gateway/internal/e2ee"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// UndecryptableBody replaces a body that could not be opened even after re-deriving the session.
const UndecryptableBody = "[undecryptable]"

// StatusPending marks an optimistic local message not yet echoed by the gateway.
const StatusPending = "pending"

// DefaultKeyTimeout bounds a key directory lookup.
const DefaultKeyTimeout = 10 * time.Second

// Messenger errors.
var (
	ErrUnknownThread = errors.New("unknown thread")
	ErrUnknownPeer   = errors.New("thread has no peer to derive a session with")
)

// KeySource resolves published public keys.
type KeySource interface {
	PublicKey(ctx context.Context, identity string) (string, error)
}

// SessionSaver persists the engine's sessions.
type SessionSaver interface {
	SaveSessions(e *e2ee.Engine) error
}

// Thread is the local view of a conversation. Peer is the other
// participant of a DM thread.
type Thread struct {
	ID   string
	Kind string
	Peer string
}

// Message is a decrypted message surfaced to the application.
type Message struct {
	ID            string
	ClientID      string
	ThreadID      string
	From          string
	Type          string
	Body          string
	ReplyTo       string
	Status        string
	Undecryptable bool
	Edited        bool
	CreatedAt     time.Time
}

// StatusUpdate reports a delivered or read transition of one of our messages.
type StatusUpdate struct {
	MessageID string
	Status    string
	At        time.Time
}

// Reaction is another participant adding or removing an emoji.
type Reaction struct {
	MessageID string
	ThreadID  string
	From      string
	Emoji     string
	Removed   bool
	At        time.Time
}

// MessengerParams configures a Messenger.
type MessengerParams struct {
	Identity   string
	Client     *Client
	Engine     *e2ee.Engine
	Keys       KeySource
	Sessions   SessionSaver
	OnMessage  func(Message)
	OnStatus   func(StatusUpdate)
	OnReaction func(Reaction)
	// OnThread is called for each thread announced by the gateway that was
	// not known yet.
	OnThread   func(Thread)
	KeyTimeout time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Messenger is safe for concurrent use.
type Messenger struct {
	self       string
	client     *Client
	engine     *e2ee.Engine
	keys       KeySource
	sessions   SessionSaver
	onMessage  func(Message)
	onStatus   func(StatusUpdate)
	onReaction func(Reaction)
	onThread   func(Thread)
	keyTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	threads map[string]Thread
	pending map[string]Message // clientID -> optimistic message
	unread  map[string][]string
}

// NewMessenger creates a Messenger and subscribes it to the client's frames.
func NewMessenger(p MessengerParams) *Messenger {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.NewID == nil {
		p.NewID = func() string { return uuid.New().String() }
	}
	if p.KeyTimeout <= 0 {
		p.KeyTimeout = DefaultKeyTimeout
	}
	if p.OnMessage == nil {
		p.OnMessage = func(Message) {}
	}
	if p.OnStatus == nil {
		p.OnStatus = func(StatusUpdate) {}
	}
	if p.OnReaction == nil {
		p.OnReaction = func(Reaction) {}
	}
	if p.OnThread == nil {
		p.OnThread = func(Thread) {}
	}

	m := &Messenger{
		self:       p.Identity,
		client:     p.Client,
		engine:     p.Engine,
		keys:       p.Keys,
		sessions:   p.Sessions,
		onMessage:  p.OnMessage,
		onStatus:   p.OnStatus,
		onReaction: p.OnReaction,
		onThread:   p.OnThread,
		keyTimeout: p.KeyTimeout,
		logger:     p.Logger.With("component", "messenger"),
		now:        p.Now,
		newID:      p.NewID,
		threads:    make(map[string]Thread),
		pending:    make(map[string]Message),
		unread:     make(map[string][]string),
	}
	p.Client.OnFrame(m.handleFrame)
	return m
}

// AddThread registers a thread. Kind defaults to dm.
func (m *Messenger) AddThread(t Thread) {
	if t.Kind == "" {
		t.Kind = store.ThreadKindDM
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = t
}

func (m *Messenger) thread(id string) (Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	return t, ok
}

// threadFor returns the thread of an inbound message, learning the peer of
// an unknown DM from its sender.
func (m *Messenger) threadFor(threadID, from string) Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if ok {
		return t
	}
	t = Thread{ID: threadID, Kind: store.ThreadKindDM}
	if from != m.self {
		t.Peer = from
		m.threads[threadID] = t
	}
	return t
}

// Send seals text for the thread and sends it. The returned message is the
// optimistic pending copy also passed to OnMessage.
func (m *Messenger) Send(ctx context.Context, threadID, text string) (Message, error) {
	return m.send(ctx, threadID, "", text)
}

// Reply sends text as a reply to replyTo.
func (m *Messenger) Reply(ctx context.Context, threadID, replyTo, text string) (Message, error) {
	return m.send(ctx, threadID, replyTo, text)
}

func (m *Messenger) send(ctx context.Context, threadID, replyTo, text string) (Message, error) {
	t, ok := m.thread(threadID)
	if !ok {
		return Message{}, fmt.Errorf("%s: %w", threadID, ErrUnknownThread)
	}

	// A sent message must never be followed by our own stale typing indicator.
	if err := m.SetTyping(threadID, false); err != nil && !errors.Is(err, ErrNotConnected) {
		m.logger.Debug("typing stop failed", "thread_id", threadID, "error", err)
	}

	ciphertext, err := m.seal(ctx, t, text)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ClientID:  m.newID(),
		ThreadID:  threadID,
		From:      m.self,
		Type:      protocol.KindText,
		Body:      text,
		ReplyTo:   replyTo,
		Status:    StatusPending,
		CreatedAt: m.now(),
	}
	frame, err := protocol.NewFrame(protocol.OpSend, protocol.SendData{
		ThreadID:   threadID,
		Type:       protocol.KindText,
		Ciphertext: ciphertext,
		ReplyTo:    replyTo,
		ClientID:   msg.ClientID,
	})
	if err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	m.pending[msg.ClientID] = msg
	m.mu.Unlock()
	m.onMessage(msg)

	if err := m.client.Send(frame); err != nil {
		m.mu.Lock()
		delete(m.pending, msg.ClientID)
		m.mu.Unlock()
		return Message{}, err
	}
	return msg, nil
}

// SetTyping sends typing:start or typing:stop. It is dropped while offline.
func (m *Messenger) SetTyping(threadID string, typing bool) error {
	op := protocol.OpTypingStop
	if typing {
		op = protocol.OpTypingStart
	}
	return m.client.Send(protocol.MustFrame(op, protocol.TypingData{ThreadID: threadID}))
}

// MarkRead sends receipt:read for every message received in the thread
// since the last call.
func (m *Messenger) MarkRead(threadID string) error {
	m.mu.Lock()
	ids := m.unread[threadID]
	delete(m.unread, threadID)
	m.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return m.client.Send(protocol.MustFrame(protocol.OpReceiptRead, protocol.ReceiptData{
		ThreadID:   threadID,
		MessageIDs: ids,
	}))
}

// React adds or removes emoji on a message. It is not queued while offline.
func (m *Messenger) React(messageID, emoji string, remove bool) error {
	action := protocol.ReactionAdd
	if remove {
		action = protocol.ReactionRemove
	}
	return m.client.Send(protocol.MustFrame(protocol.OpChatReaction, protocol.ReactionData{
		MessageID: messageID,
		Emoji:     emoji,
		Action:    action,
	}))
}

// PendingCount returns the number of optimistic messages awaiting their echo.
func (m *Messenger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Open decrypts a message frame payload, as used for history.
func (m *Messenger) Open(ctx context.Context, d protocol.MessageData) Message {
	t := m.threadFor(d.ThreadID, d.From)
	body, ok := m.open(ctx, t, d.Ciphertext)
	msg := Message{
		ID:            d.ID,
		ClientID:      d.ClientID,
		ThreadID:      d.ThreadID,
		From:          d.From,
		Type:          d.Type,
		Body:          body,
		ReplyTo:       d.ReplyTo,
		Status:        protocol.StatusSent,
		Undecryptable: !ok,
		Edited:        d.EditedAt != nil,
		CreatedAt:     time.UnixMilli(d.CreatedAt),
	}
	switch {
	case d.ReadAt != nil:
		msg.Status = protocol.StatusRead
	case d.DeliveredAt != nil:
		msg.Status = protocol.StatusDelivered
	}
	return msg
}

func (m *Messenger) handleFrame(f protocol.Frame) {
	switch f.Op {
	case protocol.OpMessage:
		var d protocol.MessageData
		if err := f.Bind(&d); err != nil {
			m.logger.Warn("bad message frame", "error", err)
			return
		}
		m.receive(d)

	case protocol.OpMessageStatus:
		var d protocol.MessageStatusData
		if err := f.Bind(&d); err != nil {
			m.logger.Warn("bad status frame", "error", err)
			return
		}
		m.onStatus(StatusUpdate{MessageID: d.MessageID, Status: d.Status, At: time.UnixMilli(d.Timestamp)})

	case protocol.OpMessageEdited:
		var d protocol.EditedData
		if err := f.Bind(&d); err != nil {
			m.logger.Warn("bad edit frame", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.keyTimeout)
		defer cancel()
		t := m.threadFor(d.ThreadID, m.self)
		body, ok := m.open(ctx, t, d.Ciphertext)
		m.onMessage(Message{
			ID:            d.MessageID,
			ThreadID:      d.ThreadID,
			Body:          body,
			Undecryptable: !ok,
			Edited:        true,
			CreatedAt:     time.UnixMilli(d.EditedAt),
		})

	case protocol.OpChatReaction:
		var d protocol.ReactionUpdateData
		if err := f.Bind(&d); err != nil {
			m.logger.Warn("bad reaction frame", "error", err)
			return
		}
		// Our own reactions were applied locally before sending.
		if d.ProfileID == m.self {
			return
		}
		m.onReaction(Reaction{
			MessageID: d.MessageID,
			ThreadID:  d.ThreadID,
			From:      d.ProfileID,
			Emoji:     d.Emoji,
			Removed:   d.Action == protocol.ReactionRemove,
			At:        time.UnixMilli(d.At),
		})

	case protocol.OpThreadCreated:
		var d protocol.ThreadData
		if err := f.Bind(&d); err != nil {
			m.logger.Warn("bad thread frame", "error", err)
			return
		}
		m.threadCreated(d)

	case protocol.OpError:
		var d protocol.ErrorData
		if err := f.Bind(&d); err == nil {
			m.logger.Warn("gateway error", "op", d.Op, "code", d.Code, "message", d.Message)
		}
	}
}

// threadCreated registers an announced thread and derives the DM session in
// the background so the first message does not wait on a key lookup.
func (m *Messenger) threadCreated(d protocol.ThreadData) {
	t := Thread{ID: d.ID, Kind: d.Kind}
	if t.Kind == "" {
		t.Kind = store.ThreadKindDM
	}
	if t.Kind == store.ThreadKindDM {
		for _, p := range d.Participants {
			if p != m.self {
				t.Peer = p
				break
			}
		}
	}

	m.mu.Lock()
	_, known := m.threads[t.ID]
	if !known {
		m.threads[t.ID] = t
	}
	m.mu.Unlock()
	if known {
		return
	}
	m.logger.Debug("thread announced", "thread_id", t.ID, "kind", t.Kind)
	m.onThread(t)

	if t.Kind != store.ThreadKindDM || t.Peer == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.keyTimeout)
		defer cancel()
		if err := m.ensureSession(ctx, t, false); err != nil {
			m.logger.Warn("deriving session for new thread", "thread_id", t.ID, "error", err)
		}
	}()
}

func (m *Messenger) receive(d protocol.MessageData) {
	if d.From == m.self {
		m.mu.Lock()
		pending, ok := m.pending[d.ClientID]
		delete(m.pending, d.ClientID)
		m.mu.Unlock()
		if ok {
			pending.ID = d.ID
			pending.Status = protocol.StatusSent
			pending.CreatedAt = time.UnixMilli(d.CreatedAt)
			m.onMessage(pending)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.keyTimeout)
	defer cancel()
	msg := m.Open(ctx, d)
	if d.From == m.self {
		m.onMessage(msg)
		return
	}

	msg.Status = protocol.StatusDelivered
	m.onMessage(msg)

	m.mu.Lock()
	m.unread[d.ThreadID] = append(m.unread[d.ThreadID], d.ID)
	m.mu.Unlock()

	err := m.client.Send(protocol.MustFrame(protocol.OpReceiptDelivered, protocol.ReceiptData{
		ThreadID:   d.ThreadID,
		MessageIDs: []string{d.ID},
	}))
	if err != nil {
		m.logger.Debug("delivered receipt dropped", "message_id", d.ID, "error", err)
	}
}

func (m *Messenger) seal(ctx context.Context, t Thread, text string) (string, error) {
	if t.Kind == store.ThreadKindGroup {
		return text, nil
	}
	if err := m.ensureSession(ctx, t, false); err != nil {
		return "", err
	}
	return m.engine.Encrypt(t.ID, []byte(text))
}

// open decrypts blob, re-deriving the session from a freshly fetched key
// once before giving up with UndecryptableBody.
func (m *Messenger) open(ctx context.Context, t Thread, blob string) (string, bool) {
	if t.Kind == store.ThreadKindGroup || blob == store.DeletedCiphertext {
		return blob, true
	}

	if err := m.ensureSession(ctx, t, false); err == nil {
		if pt, err := m.engine.Decrypt(t.ID, blob); err == nil {
			return string(pt), true
		}
	}

	m.engine.Invalidate(t.ID)
	if err := m.ensureSession(ctx, t, true); err != nil {
		m.logger.Warn("cannot derive session", "thread_id", t.ID, "error", err)
		return UndecryptableBody, false
	}
	pt, err := m.engine.Decrypt(t.ID, blob)
	if err != nil {
		m.logger.Warn("message undecryptable", "thread_id", t.ID, "error", err)
		return UndecryptableBody, false
	}
	return string(pt), true
}

func (m *Messenger) ensureSession(ctx context.Context, t Thread, fresh bool) error {
	if !fresh && m.engine.HasSession(t.ID) {
		return nil
	}
	if t.Peer == "" {
		return fmt.Errorf("%s: %w", t.ID, ErrUnknownPeer)
	}
	key, err := m.keys.PublicKey(ctx, t.Peer)
	if err != nil {
		return fmt.Errorf("fetching key for %s: %w", t.Peer, err)
	}
	if _, err := m.engine.DeriveSession(t.ID, key); err != nil {
		return err
	}
	m.logger.Debug("derived session", "thread_id", t.ID, "peer", t.Peer)

	if m.sessions != nil {
		if err := m.sessions.SaveSessions(m.engine); err != nil {
			m.logger.Warn("persisting sessions", "error", err)
		}
	}
	return nil
}
