// ABOUTME: Per-thread session crypto: X25519 key agreement and XSalsa20-Poly1305 sealing
// ABOUTME: One static symmetric key per thread, nonce||ciphertext encoded as base64

package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of public, private and session keys.
	KeySize = 32
	// NonceSize is the secretbox nonce prepended to every ciphertext.
	NonceSize = 24
)

// Crypto errors.
var (
	ErrNoSession   = errors.New("no session for thread")
	ErrDecryption  = errors.New("decryption failed")
	ErrInvalidKey  = errors.New("invalid public key")
	ErrNoKeyPair   = errors.New("identity keypair not initialized")
	ErrInvalidBlob = errors.New("invalid session export")
	ErrEmptyThread = errors.New("thread id is required")
)

// encoding matches the standard (padded, +/) alphabet used by peers.
var encoding = base64.StdEncoding

// KeyPair is the local identity keypair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a fresh identity keypair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// PublicKeyString returns the base64 public key published to the key directory.
func (k *KeyPair) PublicKeyString() string {
	return encoding.EncodeToString(k.Public[:])
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(s string) (*[KeySize]byte, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Session is the symmetric key shared by both participants of a thread.
type Session struct {
	ThreadID  string
	Key       [KeySize]byte
	CreatedAt time.Time
}

// Engine holds the identity keypair and the per-thread session cache.
// Sessions are never ratcheted; a session is reused until invalidated.
type Engine struct {
	mu       sync.RWMutex
	keypair  *KeyPair
	sessions map[string]*Session
	rand     io.Reader
}

// NewEngine creates an engine for the given keypair.
func NewEngine(kp *KeyPair) *Engine {
	return &Engine{
		keypair:  kp,
		sessions: make(map[string]*Session),
		rand:     rand.Reader,
	}
}

// KeyPair returns the identity keypair.
func (e *Engine) KeyPair() *KeyPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keypair
}

// Reset installs a new identity keypair and drops every session derived from
// the old one.
func (e *Engine) Reset(kp *KeyPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keypair = kp
	e.sessions = make(map[string]*Session)
}

// DeriveSession computes the shared key for threadID from the local private key
// and the remote public key, replacing any existing session for the thread.
// Both peers derive byte-identical keys.
func (e *Engine) DeriveSession(threadID, remotePublicKey string) (*Session, error) {
	if threadID == "" {
		return nil, ErrEmptyThread
	}
	peer, err := ParsePublicKey(remotePublicKey)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keypair == nil {
		return nil, ErrNoKeyPair
	}

	s := &Session{ThreadID: threadID, CreatedAt: time.Now()}
	box.Precompute(&s.Key, peer, &e.keypair.Private)
	e.sessions[threadID] = s
	return s, nil
}

// HasSession reports whether a session exists for threadID.
func (e *Engine) HasSession(threadID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sessions[threadID]
	return ok
}

// Sessions lists thread IDs with a session, sorted.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invalidate drops the session for threadID.
func (e *Engine) Invalidate(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, threadID)
}

func (e *Engine) session(threadID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[threadID]
	return s, ok
}

// Encrypt seals plaintext for threadID under a fresh random nonce.
func (e *Engine) Encrypt(threadID string, plaintext []byte) (string, error) {
	s, ok := e.session(threadID)
	if !ok {
		return "", ErrNoSession
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(e.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.Key)
	return encoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure, including a missing
// session, wraps ErrDecryption.
func (e *Engine) Decrypt(threadID, blob string) ([]byte, error) {
	s, ok := e.session(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, ErrNoSession)
	}

	raw, err := encoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrDecryption)
	}
	if len(raw) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])
	plaintext, ok := secretbox.Open(nil, raw[NonceSize:], &nonce, &s.Key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

type exportedSession struct {
	Key       string `json:"key"`
	CreatedAt int64  `json:"createdAt"`
}

// ExportSessions serializes all sessions keyed by thread ID.
func (e *Engine) ExportSessions() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]exportedSession, len(e.sessions))
	for id, s := range e.sessions {
		out[id] = exportedSession{
			Key:       encoding.EncodeToString(s.Key[:]),
			CreatedAt: s.CreatedAt.UnixMilli(),
		}
	}
	return json.Marshal(out)
}

// ImportSessions merges sessions from an ExportSessions blob. The blob is
// validated completely before any session is installed.
func (e *Engine) ImportSessions(blob []byte) error {
	var in map[string]exportedSession
	if err := json.Unmarshal(blob, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}

	parsed := make(map[string]*Session, len(in))
	for id, es := range in {
		key, err := encoding.DecodeString(es.Key)
		if err != nil || len(key) != KeySize {
			return fmt.Errorf("%w: bad key for thread %s", ErrInvalidBlob, id)
		}
		s := &Session{ThreadID: id, CreatedAt: time.UnixMilli(es.CreatedAt)}
		copy(s.Key[:], key)
		parsed[id] = s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range parsed {
		e.sessions[id] = s
	}
	return nil
}
