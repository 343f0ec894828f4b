// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides thread/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL DEFAULT 'dm',
			created_at INTEGER NOT NULL,

			CHECK (kind IN ('dm', 'group'))
		);

		CREATE TABLE IF NOT EXISTS thread_participants (
			thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			profile_id TEXT NOT NULL,

			PRIMARY KEY (thread_id, profile_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_profile ON thread_participants(profile_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			thread_id    TEXT NOT NULL REFERENCES threads(id),
			sender       TEXT NOT NULL,
			kind         TEXT NOT NULL DEFAULT 'text',
			ciphertext   TEXT NOT NULL DEFAULT '',
			media_cid    TEXT,
			meta         TEXT,
			reply_to     TEXT,
			client_id    TEXT,
			created_at   INTEGER NOT NULL,
			delivered_at INTEGER,
			read_at      INTEGER,
			edited_at    INTEGER,
			deleted_at   INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS reactions (
			message_id TEXT NOT NULL REFERENCES messages(id),
			profile_id TEXT NOT NULL,
			emoji      TEXT NOT NULL,
			created_at INTEGER NOT NULL,

			PRIMARY KEY (message_id, profile_id, emoji)
		);

		CREATE TABLE IF NOT EXISTS public_keys (
			profile_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS presence (
			profile_id   TEXT PRIMARY KEY,
			visible      INTEGER NOT NULL DEFAULT 1,
			last_seen_at INTEGER
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CreateThread stores a new thread and its participants.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	kind := thread.Kind
	if kind == "" {
		kind = ThreadKindDM
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, kind, created_at) VALUES (?, ?, ?)`,
		thread.ID, kind, thread.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	for _, p := range thread.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO thread_participants (thread_id, profile_id) VALUES (?, ?)`,
			thread.ID, p); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	return tx.Commit()
}

// GetThread retrieves a thread with its participants.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	t := &Thread{ID: id}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, created_at FROM threads WHERE id = ?`, id).Scan(&t.Kind, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created)

	t.Participants, err = s.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) participants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT profile_id FROM thread_participants WHERE thread_id = ? ORDER BY profile_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListThreadsFor returns every thread the identity participates in.
func (s *SQLiteStore) ListThreadsFor(ctx context.Context, identity string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.kind, t.created_at
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.id
		WHERE p.profile_id = ?
		ORDER BY t.created_at, t.id`, identity)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}

	var threads []*Thread
	for rows.Next() {
		t := &Thread{}
		var created int64
		if err := rows.Scan(&t.ID, &t.Kind, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		t.CreatedAt = time.UnixMilli(created)
		threads = append(threads, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Participants are loaded after the cursor is closed; the pool has one connection.
	for _, t := range threads {
		if t.Participants, err = s.participants(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

// Append stores a new envelope. CreatedAt is raised to the thread's latest
// created_at when the clock has moved backwards, keeping the log monotonic.
func (s *SQLiteStore) Append(ctx context.Context, env *Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE thread_id = ?`,
		env.ThreadID).Scan(&latest); err != nil {
		return fmt.Errorf("querying latest message: %w", err)
	}
	created := env.CreatedAt.UnixMilli()
	if created < latest {
		created = latest
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender, kind, ciphertext, media_cid, meta, reply_to, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.ThreadID, env.Sender, env.Kind, env.Ciphertext,
		nullString(env.MediaCID), nullString(string(env.Meta)), nullString(env.ReplyTo), nullString(env.ClientID),
		created)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	env.Seq = seq
	env.CreatedAt = time.UnixMilli(created)
	return nil
}

const messageColumns = `seq, id, thread_id, sender, kind, ciphertext, media_cid, meta, reply_to, client_id,
	created_at, delivered_at, read_at, edited_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var env Envelope
	var mediaCID, meta, replyTo, clientID sql.NullString
	var deliveredAt, readAt, editedAt, deletedAt sql.NullInt64
	var created int64
	if err := row.Scan(&env.Seq, &env.ID, &env.ThreadID, &env.Sender, &env.Kind, &env.Ciphertext,
		&mediaCID, &meta, &replyTo, &clientID,
		&created, &deliveredAt, &readAt, &editedAt, &deletedAt); err != nil {
		return nil, err
	}
	env.MediaCID = mediaCID.String
	if meta.Valid && meta.String != "" {
		env.Meta = []byte(meta.String)
	}
	env.ReplyTo = replyTo.String
	env.ClientID = clientID.String
	env.CreatedAt = time.UnixMilli(created)
	env.DeliveredAt = millisPtr(deliveredAt)
	env.ReadAt = millisPtr(readAt)
	env.EditedAt = millisPtr(editedAt)
	env.DeletedAt = millisPtr(deletedAt)
	return &env, nil
}

// GetMessage retrieves an envelope by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return env, nil
}

// ListMessages returns the most recent envelopes of a thread, oldest first.
// A limit of zero or less returns the whole thread.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE thread_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// transition sets column to at where it is still NULL, reporting whether a row changed.
func (s *SQLiteStore) transition(ctx context.Context, column, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("updating %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// MarkDelivered sets delivered_at if it is not set yet.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, "delivered_at", id, at)
}

// MarkRead sets read_at if it is not set yet.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, "read_at", id, at)
}

// EditMessage replaces the ciphertext of a message and stamps edited_at.
func (s *SQLiteStore) EditMessage(ctx context.Context, id, ciphertext string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ciphertext = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		ciphertext, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete blanks a message body and stamps deleted_at once.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET ciphertext = ?, media_cid = NULL, meta = NULL, deleted_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		DeletedCiphertext, at.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("deleting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// AddReaction records identity's emoji on a message once.
func (s *SQLiteStore) AddReaction(ctx context.Context, messageID, identity, emoji string, at time.Time) (bool, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reactions (message_id, profile_id, emoji, created_at)
		VALUES (?, ?, ?, ?)`,
		messageID, identity, emoji, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("inserting reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveReaction deletes identity's emoji on a message.
func (s *SQLiteStore) RemoveReaction(ctx context.Context, messageID, identity, emoji string) (bool, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND profile_id = ? AND emoji = ?`,
		messageID, identity, emoji)
	if err != nil {
		return false, fmt.Errorf("deleting reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListReactions returns the reactions on a message, oldest first.
func (s *SQLiteStore) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, emoji, created_at FROM reactions
		WHERE message_id = ?
		ORDER BY created_at, rowid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		r := Reaction{MessageID: messageID}
		var created int64
		if err := rows.Scan(&r.Identity, &r.Emoji, &created); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPublicKey returns the published key for identity.
func (s *SQLiteStore) GetPublicKey(ctx context.Context, identity string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key FROM public_keys WHERE profile_id = ?`, identity).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying public key: %w", err)
	}
	return key, nil
}

// PutPublicKey publishes or replaces the key for identity.
func (s *SQLiteStore) PutPublicKey(ctx context.Context, identity, publicKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public_keys (profile_id, public_key, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET public_key = excluded.public_key, updated_at = excluded.updated_at`,
		identity, publicKey, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("storing public key: %w", err)
	}
	return nil
}

// GetPresence returns the stored presence preferences for identity.
func (s *SQLiteStore) GetPresence(ctx context.Context, identity string) (*Presence, error) {
	p := &Presence{Identity: identity, Visible: true}
	var (
		visible  int
		lastSeen sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT visible, last_seen_at FROM presence WHERE profile_id = ?`, identity).Scan(&visible, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying presence: %w", err)
	}
	p.Visible = visible != 0
	p.LastSeenAt = millisPtr(lastSeen)
	return p, nil
}

// SetVisible stores the visibility preference for identity.
func (s *SQLiteStore) SetVisible(ctx context.Context, identity string, visible bool) error {
	v := 0
	if visible {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (profile_id, visible) VALUES (?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET visible = excluded.visible`,
		identity, v)
	if err != nil {
		return fmt.Errorf("storing visibility: %w", err)
	}
	return nil
}

// SetLastSeen stores the last-seen time for identity.
func (s *SQLiteStore) SetLastSeen(ctx context.Context, identity string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (profile_id, last_seen_at) VALUES (?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		identity, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("storing last seen: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
