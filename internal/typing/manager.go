// ABOUTME: Per-(thread, identity) typing state machine with expiry timers.
// ABOUTME: Broadcasts only Idle->Typing and Typing->Idle transitions to other participants.

package typing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hush-gateway/internal/events"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// DefaultTimeout is how long a typing indicator lasts without a refresh.
const DefaultTimeout = 5 * time.Second

// Broadcaster delivers a frame to a set of identities.
type Broadcaster interface {
	ToIdentities(identities []string, except string, frame protocol.Frame) int
}

type key struct {
	threadID string
	identity string
}

// entry is an active Typing state. gen identifies the timer armed for it;
// a timer whose gen no longer matches has been superseded.
type entry struct {
	gen          uint64
	timer        *time.Timer
	participants []string
}

// Params holds the dependencies of a Manager.
type Params struct {
	Threads     store.ThreadDirectory
	Broadcaster Broadcaster
	Events      events.Publisher
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Manager owns the typing state of every (thread, identity) pair.
type Manager struct {
	mu      sync.Mutex
	active  map[key]*entry
	nextGen uint64

	threads store.ThreadDirectory
	bc      Broadcaster
	events  events.Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(p Params) *Manager {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Events == nil {
		p.Events = events.Discard
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Manager{
		active:  make(map[key]*entry),
		threads: p.Threads,
		bc:      p.Broadcaster,
		events:  p.Events,
		timeout: p.Timeout,
		logger:  p.Logger.With("component", "typing"),
	}
}

// Start marks identity as typing in threadID. A repeated Start only refreshes
// the expiry timer.
func (m *Manager) Start(ctx context.Context, threadID, identity string) error {
	thread, err := m.threads.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NotFound("thread %s not found", threadID)
	}
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	if !thread.HasParticipant(identity) {
		return protocol.Forbidden("not a participant of thread %s", threadID)
	}

	k := key{threadID: threadID, identity: identity}

	m.mu.Lock()
	m.nextGen++
	gen := m.nextGen
	e, refreshing := m.active[k]
	if refreshing {
		e.timer.Stop()
		e.gen = gen
	} else {
		e = &entry{gen: gen, participants: thread.Participants}
		m.active[k] = e
	}
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(k, gen) })
	participants := e.participants
	m.mu.Unlock()

	if !refreshing {
		m.broadcast(k, participants, true)
	}
	return nil
}

// Stop marks identity as idle in threadID. Returns whether it was typing.
func (m *Manager) Stop(threadID, identity string) bool {
	k := key{threadID: threadID, identity: identity}

	m.mu.Lock()
	e, ok := m.active[k]
	if ok {
		delete(m.active, k)
		e.timer.Stop()
	}
	m.mu.Unlock()

	if ok {
		m.broadcast(k, e.participants, false)
	}
	return ok
}

// StopAll stops every typing indicator held by identity. Returns the threads
// that were stopped.
func (m *Manager) StopAll(identity string) []string {
	type stopped struct {
		k key
		e *entry
	}

	m.mu.Lock()
	var list []stopped
	for k, e := range m.active {
		if k.identity != identity {
			continue
		}
		delete(m.active, k)
		e.timer.Stop()
		list = append(list, stopped{k: k, e: e})
	}
	m.mu.Unlock()

	threads := make([]string, 0, len(list))
	for _, s := range list {
		m.broadcast(s.k, s.e.participants, false)
		threads = append(threads, s.k.threadID)
	}
	return threads
}

// IsTyping reports whether identity is typing in threadID.
func (m *Manager) IsTyping(threadID, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key{threadID: threadID, identity: identity}]
	return ok
}

// Active returns the number of active typing indicators.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// expire is the timer callback. It is a no-op if the entry was stopped or
// refreshed after this timer was armed.
func (m *Manager) expire(k key, gen uint64) {
	m.mu.Lock()
	e, ok := m.active[k]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.active, k)
	m.mu.Unlock()

	m.logger.Debug("typing expired", "thread_id", k.threadID, "profile_id", k.identity)
	m.broadcast(k, e.participants, false)
}

func (m *Manager) broadcast(k key, participants []string, typing bool) {
	frame, err := protocol.NewFrame(protocol.OpTyping, protocol.TypingUpdateData{
		ThreadID:  k.threadID,
		ProfileID: k.identity,
		IsTyping:  typing,
	})
	if err != nil {
		m.logger.Error("encoding typing frame", "error", err)
		return
	}
	m.bc.ToIdentities(participants, k.identity, frame)

	status := "stopped"
	if typing {
		status = "started"
	}
	m.events.Publish(events.Event{
		Kind:       events.KindTyping,
		ThreadID:   k.threadID,
		ProfileID:  k.identity,
		Recipients: otherThan(participants, k.identity),
		Status:     status,
	})
}

func otherThan(ids []string, identity string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != identity {
			out = append(out, id)
		}
	}
	return out
}
