// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread    // keyed by thread ID
	messages map[string]*Envelope  // keyed by message ID
	byThread map[string][]string   // threadID -> message IDs in insertion order
	reacts   map[string][]Reaction // message ID -> reactions, oldest first
	keys     map[string]string     // identity -> public key
	presence map[string]*Presence  // identity -> presence
	seq      int64

	// Err, when set, is returned by every method. Lets tests exercise failure paths.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string]*Envelope),
		byThread: make(map[string][]string),
		reacts:   make(map[string][]Reaction),
		keys:     make(map[string]string),
		presence: make(map[string]*Presence),
	}
}

func copyThread(t *Thread) *Thread {
	c := *t
	c.Participants = append([]string(nil), t.Participants...)
	return &c
}

func copyEnvelope(e *Envelope) *Envelope {
	c := *e
	return &c
}

// CreateThread stores a new thread.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, exists := m.threads[thread.ID]; exists {
		return ErrDuplicateThread
	}
	t := copyThread(thread)
	if t.Kind == "" {
		t.Kind = ThreadKindDM
	}
	sort.Strings(t.Participants)
	m.threads[t.ID] = t
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyThread(t), nil
}

// ListThreadsFor returns threads containing identity, ordered by creation.
func (m *MockStore) ListThreadsFor(ctx context.Context, identity string) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []*Thread
	for _, t := range m.threads {
		if t.HasParticipant(identity) {
			out = append(out, copyThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Append stores a new envelope, keeping created_at monotonic per thread.
func (m *MockStore) Append(ctx context.Context, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	created := env.CreatedAt.Truncate(time.Millisecond)
	if ids := m.byThread[env.ThreadID]; len(ids) > 0 {
		if last := m.messages[ids[len(ids)-1]].CreatedAt; created.Before(last) {
			created = last
		}
	}

	m.seq++
	env.Seq = m.seq
	env.CreatedAt = created
	m.messages[env.ID] = copyEnvelope(env)
	m.byThread[env.ThreadID] = append(m.byThread[env.ThreadID], env.ID)
	return nil
}

// GetMessage retrieves an envelope by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	e, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEnvelope(e), nil
}

// ListMessages returns the most recent envelopes of a thread, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, threadID string, limit int) ([]*Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	ids := m.byThread[threadID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]*Envelope, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyEnvelope(m.messages[id]))
	}
	return out, nil
}

func (m *MockStore) transition(id string, field func(*Envelope) **time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	e, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	p := field(e)
	if *p != nil {
		return false, nil
	}
	t := at.Truncate(time.Millisecond)
	*p = &t
	return true, nil
}

// MarkDelivered sets DeliveredAt once.
func (m *MockStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, func(e *Envelope) **time.Time { return &e.DeliveredAt }, at)
}

// MarkRead sets ReadAt once.
func (m *MockStore) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, func(e *Envelope) **time.Time { return &e.ReadAt }, at)
}

// EditMessage replaces the ciphertext of a live message.
func (m *MockStore) EditMessage(ctx context.Context, id, ciphertext string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	e, ok := m.messages[id]
	if !ok || e.DeletedAt != nil {
		return ErrNotFound
	}
	t := at.Truncate(time.Millisecond)
	e.Ciphertext = ciphertext
	e.EditedAt = &t
	return nil
}

// SoftDelete blanks a message body once.
func (m *MockStore) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	e, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.DeletedAt != nil {
		return false, nil
	}
	t := at.Truncate(time.Millisecond)
	e.Ciphertext = DeletedCiphertext
	e.MediaCID = ""
	e.Meta = nil
	e.DeletedAt = &t
	return true, nil
}

// AddReaction records a reaction once.
func (m *MockStore) AddReaction(ctx context.Context, messageID, identity, emoji string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	if _, ok := m.messages[messageID]; !ok {
		return false, ErrNotFound
	}
	for _, r := range m.reacts[messageID] {
		if r.Identity == identity && r.Emoji == emoji {
			return false, nil
		}
	}
	m.reacts[messageID] = append(m.reacts[messageID], Reaction{
		MessageID: messageID,
		Identity:  identity,
		Emoji:     emoji,
		CreatedAt: at.Truncate(time.Millisecond),
	})
	return true, nil
}

// RemoveReaction deletes a reaction.
func (m *MockStore) RemoveReaction(ctx context.Context, messageID, identity, emoji string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	if _, ok := m.messages[messageID]; !ok {
		return false, ErrNotFound
	}
	rs := m.reacts[messageID]
	for i, r := range rs {
		if r.Identity == identity && r.Emoji == emoji {
			m.reacts[messageID] = append(rs[:i:i], rs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ListReactions returns the reactions on a message, oldest first.
func (m *MockStore) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]Reaction(nil), m.reacts[messageID]...), nil
}

// GetPublicKey returns the published key for identity.
func (m *MockStore) GetPublicKey(ctx context.Context, identity string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return "", m.Err
	}

	k, ok := m.keys[identity]
	if !ok {
		return "", ErrNotFound
	}
	return k, nil
}

// PutPublicKey publishes identity's key.
func (m *MockStore) PutPublicKey(ctx context.Context, identity, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.keys[identity] = publicKey
	return nil
}

// GetPresence returns stored presence, defaulting to visible.
func (m *MockStore) GetPresence(ctx context.Context, identity string) (*Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	p, ok := m.presence[identity]
	if !ok {
		return &Presence{Identity: identity, Visible: true}, nil
	}
	c := *p
	return &c, nil
}

func (m *MockStore) presenceLocked(identity string) *Presence {
	p, ok := m.presence[identity]
	if !ok {
		p = &Presence{Identity: identity, Visible: true}
		m.presence[identity] = p
	}
	return p
}

// SetVisible stores the visibility preference.
func (m *MockStore) SetVisible(ctx context.Context, identity string, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.presenceLocked(identity).Visible = visible
	return nil
}

// SetLastSeen stores the last-seen time.
func (m *MockStore) SetLastSeen(ctx context.Context, identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	t := at.Truncate(time.Millisecond)
	m.presenceLocked(identity).LastSeenAt = &t
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
