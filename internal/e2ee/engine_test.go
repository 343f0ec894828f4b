// ABOUTME: Tests for session derivation, sealing and session export/import
// ABOUTME: Covers round-trip between two peers, nonce freshness and tamper detection

package e2ee

import (
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeer(t *testing.T) *Engine {
	t.Helper()
	kp, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	return NewEngine(kp)
}

// pair derives a session for threadID on both engines from each other's public key.
func pair(t *testing.T, a, b *Engine, threadID string) {
	t.Helper()
	_, err := a.DeriveSession(threadID, b.KeyPair().PublicKeyString())
	require.NoError(t, err)
	_, err = b.DeriveSession(threadID, a.KeyPair().PublicKeyString())
	require.NoError(t, err)
}

func TestDeriveSession_BothPeersAgree(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)

	sa, err := alice.DeriveSession("thread-1", bob.KeyPair().PublicKeyString())
	require.NoError(t, err)
	sb, err := bob.DeriveSession("thread-1", alice.KeyPair().PublicKeyString())
	require.NoError(t, err)

	assert.Equal(t, sa.Key, sb.Key)
}

func TestRoundTrip(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)
	pair(t, alice, bob, "thread-1")

	plaintexts := []string{"hello", "", "olá, tudo bem? 🙂", strings.Repeat("x", 64*1024)}
	for _, p := range plaintexts {
		blob, err := alice.Encrypt("thread-1", []byte(p))
		require.NoError(t, err)

		got, err := bob.Decrypt("thread-1", blob)
		require.NoError(t, err)
		assert.Equal(t, p, string(got))

		// The key is symmetric, so the reverse direction works with the same session.
		blob, err = bob.Encrypt("thread-1", []byte(p))
		require.NoError(t, err)
		got, err = alice.Decrypt("thread-1", blob)
		require.NoError(t, err)
		assert.Equal(t, p, string(got))
	}
}

func TestEncrypt_NonceFreshness(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)
	pair(t, alice, bob, "thread-1")

	b1, err := alice.Encrypt("thread-1", []byte("same"))
	require.NoError(t, err)
	b2, err := alice.Encrypt("thread-1", []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, b1, b2)
}

func TestEncrypt_NoSession(t *testing.T) {
	alice := newPeer(t)
	_, err := alice.Encrypt("missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDecrypt_Failures(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)
	pair(t, alice, bob, "thread-1")

	mallory := newPeer(t)
	_, err := mallory.DeriveSession("thread-1", alice.KeyPair().PublicKeyString())
	require.NoError(t, err)

	blob, err := alice.Encrypt("thread-1", []byte("secret"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	t.Run("wrong key", func(t *testing.T) {
		_, err := mallory.Decrypt("thread-1", blob)
		assert.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("tampered", func(t *testing.T) {
		_, err := bob.Decrypt("thread-1", tampered)
		assert.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("not base64", func(t *testing.T) {
		_, err := bob.Decrypt("thread-1", "%%%")
		assert.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("too short", func(t *testing.T) {
		_, err := bob.Decrypt("thread-1", base64.StdEncoding.EncodeToString([]byte("short")))
		assert.ErrorIs(t, err, ErrDecryption)
	})
	t.Run("no session", func(t *testing.T) {
		_, err := bob.Decrypt("other-thread", blob)
		assert.ErrorIs(t, err, ErrDecryption)
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestDeriveSession_InvalidKey(t *testing.T) {
	alice := newPeer(t)

	_, err := alice.DeriveSession("t", "not-base64!")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = alice.DeriveSession("t", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = alice.DeriveSession("", alice.KeyPair().PublicKeyString())
	assert.ErrorIs(t, err, ErrEmptyThread)
}

func TestSessionReusedUntilInvalidated(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)
	pair(t, alice, bob, "thread-1")

	for i := 0; i < 5; i++ {
		blob, err := alice.Encrypt("thread-1", []byte("msg"))
		require.NoError(t, err)
		_, err = bob.Decrypt("thread-1", blob)
		require.NoError(t, err)
	}

	alice.Invalidate("thread-1")
	assert.False(t, alice.HasSession("thread-1"))
	assert.True(t, bob.HasSession("thread-1"))
}

func TestReset_DropsSessions(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)
	pair(t, alice, bob, "thread-1")

	kp, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	alice.Reset(kp)

	assert.Empty(t, alice.Sessions())
	assert.Equal(t, kp.PublicKeyString(), alice.KeyPair().PublicKeyString())
}

func TestExportImport(t *testing.T) {
	alice, bob := newPeer(t), newPeer(t)
	pair(t, alice, bob, "thread-1")
	pair(t, alice, bob, "thread-2")

	blob, err := alice.ExportSessions()
	require.NoError(t, err)

	restored := NewEngine(alice.KeyPair())
	require.NoError(t, restored.ImportSessions(blob))
	assert.Equal(t, []string{"thread-1", "thread-2"}, restored.Sessions())

	ct, err := bob.Encrypt("thread-2", []byte("after restart"))
	require.NoError(t, err)
	got, err := restored.Decrypt("thread-2", ct)
	require.NoError(t, err)
	assert.Equal(t, "after restart", string(got))
}

func TestImportSessions_Invalid(t *testing.T) {
	e := newPeer(t)

	assert.ErrorIs(t, e.ImportSessions([]byte("nope")), ErrInvalidBlob)
	assert.ErrorIs(t, e.ImportSessions([]byte(`{"t":{"key":"c2hvcnQ=","createdAt":0}}`)), ErrInvalidBlob)
	assert.Empty(t, e.Sessions())
}

func TestKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "client.db")

	ks, err := OpenKeystore(path)
	require.NoError(t, err)

	_, err = ks.LoadKeyPair()
	assert.ErrorIs(t, err, ErrNoIdentity)

	kp, err := ks.LoadOrCreateKeyPair()
	require.NoError(t, err)

	again, err := ks.LoadOrCreateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, kp.Public, again.Public)
	assert.Equal(t, kp.Private, again.Private)

	alice, bob := NewEngine(kp), newPeer(t)
	pair(t, alice, bob, "thread-1")
	require.NoError(t, ks.SaveSessions(alice))
	require.NoError(t, ks.Close())

	ks, err = OpenKeystore(path)
	require.NoError(t, err)
	defer ks.Close()

	loaded, err := ks.LoadKeyPair()
	require.NoError(t, err)
	restored := NewEngine(loaded)
	require.NoError(t, ks.LoadSessions(restored))
	assert.True(t, restored.HasSession("thread-1"))

	require.NoError(t, ks.ClearSessions())
	empty := NewEngine(loaded)
	require.NoError(t, ks.LoadSessions(empty))
	assert.Empty(t, empty.Sessions())
}
