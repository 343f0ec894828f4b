// ABOUTME: bbolt-backed local keystore for the identity keypair and session export blob
// ABOUTME: Lets a client keep its identity and derived sessions across restarts

package e2ee

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	keysBucket     = "keys"
	publicKeyName  = "public"
	privateKeyName = "private"
	sessionsName   = "sessions"
)

// ErrNoIdentity is returned when the keystore holds no keypair yet.
var ErrNoIdentity = errors.New("identity not found")

// Keystore persists key material in a single bbolt file.
type Keystore struct {
	db *bolt.DB
}

// OpenKeystore opens or creates the keystore at path.
func OpenKeystore(path string) (*Keystore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating keystore bucket: %w", err)
	}

	return &Keystore{db: db}, nil
}

// Close releases the keystore file.
func (k *Keystore) Close() error {
	return k.db.Close()
}

// SaveKeyPair stores the identity keypair, replacing any previous one.
func (k *Keystore) SaveKeyPair(kp *KeyPair) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysBucket))
		if err := b.Put([]byte(publicKeyName), kp.Public[:]); err != nil {
			return err
		}
		return b.Put([]byte(privateKeyName), kp.Private[:])
	})
}

// LoadKeyPair returns the stored keypair or ErrNoIdentity.
func (k *Keystore) LoadKeyPair() (*KeyPair, error) {
	var kp *KeyPair
	err := k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysBucket))
		pub := b.Get([]byte(publicKeyName))
		priv := b.Get([]byte(privateKeyName))
		if pub == nil || priv == nil {
			return ErrNoIdentity
		}
		if len(pub) != KeySize || len(priv) != KeySize {
			return fmt.Errorf("corrupt keypair: %d/%d bytes", len(pub), len(priv))
		}
		kp = &KeyPair{}
		copy(kp.Public[:], pub)
		copy(kp.Private[:], priv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// LoadOrCreateKeyPair returns the stored keypair, generating and saving one
// on first use.
func (k *Keystore) LoadOrCreateKeyPair() (*KeyPair, error) {
	kp, err := k.LoadKeyPair()
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}

	kp, err = GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	if err := k.SaveKeyPair(kp); err != nil {
		return nil, fmt.Errorf("saving keypair: %w", err)
	}
	return kp, nil
}

// SaveSessions persists an engine's sessions.
func (k *Keystore) SaveSessions(e *Engine) error {
	blob, err := e.ExportSessions()
	if err != nil {
		return fmt.Errorf("exporting sessions: %w", err)
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put([]byte(sessionsName), blob)
	})
}

// LoadSessions imports persisted sessions into e. A keystore without sessions
// is not an error.
func (k *Keystore) LoadSessions(e *Engine) error {
	var blob []byte
	if err := k.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(keysBucket)).Get([]byte(sessionsName)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return err
	}
	if blob == nil {
		return nil
	}
	return e.ImportSessions(blob)
}

// ClearSessions removes the persisted session blob.
func (k *Keystore) ClearSessions() error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Delete([]byte(sessionsName))
	})
}
