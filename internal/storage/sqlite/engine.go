// Package sqlite is the durable storage.Store, one database file per install.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/cardsync/internal/storage"
)

const schemaVersion = 1

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			is_favorite INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS cards (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			is_favorite INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT 'null',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annotations_session ON annotations(session_id)`,
		`CREATE TABLE IF NOT EXISTS annotation_tags (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annotation_tags_session ON annotation_tags(session_id)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Checkpoint folds the WAL back into the main database file.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) CreateSession(ctx context.Context, s storage.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at, is_favorite, is_archived)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.Title, formatTime(s.CreatedAt), formatTime(s.UpdatedAt), boolToInt(s.IsFavorite), boolToInt(s.IsArchived))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (e *Engine) UpdateSession(ctx context.Context, s storage.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ?, is_favorite = ?, is_archived = ?
		WHERE id = ?
	`, s.Title, formatTime(s.UpdatedAt), boolToInt(s.IsFavorite), boolToInt(s.IsArchived), s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", s.ID, storage.ErrNotFound)
	}
	return nil
}

func (e *Engine) GetSession(ctx context.Context, id string) (storage.Session, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, is_favorite, is_archived
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return storage.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (e *Engine) ListSessions(ctx context.Context, limit int) ([]storage.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, is_favorite, is_archived
		FROM sessions
		ORDER BY updated_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]storage.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

func (e *Engine) AppendMessage(ctx context.Context, m storage.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, string(m.Role), m.Text, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (e *Engine) ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, session_id, role, text, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]storage.Message, 0)
	for rows.Next() {
		var m storage.Message
		var role, created string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Text, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = storage.Role(role)
		m.CreatedAt = parseTime(created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// UpsertCard writes the whole record. The original created_at and row order
// survive updates.
func (e *Engine) UpsertCard(ctx context.Context, sessionID string, c storage.Card) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal card payload: %w", err)
	}
	if c.Payload == nil {
		payload = []byte("{}")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO cards (session_id, id, type, status, is_favorite, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			is_favorite = excluded.is_favorite,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, sessionID, c.ID, c.Type, c.Status, boolToInt(c.IsFavorite), string(payload), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	return nil
}

func (e *Engine) DeleteCard(ctx context.Context, sessionID, cardID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.db.ExecContext(ctx, `DELETE FROM cards WHERE session_id = ? AND id = ?`, sessionID, cardID); err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return nil
}

func (e *Engine) ListCards(ctx context.Context, sessionID string) ([]storage.Card, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, type, status, is_favorite, payload, created_at, updated_at
		FROM cards
		WHERE session_id = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	result := make([]storage.Card, 0)
	for rows.Next() {
		var c storage.Card
		var fav int
		var payload, created, updated string
		if err := rows.Scan(&c.ID, &c.Type, &c.Status, &fav, &payload, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		c.IsFavorite = fav == 1
		if strings.TrimSpace(payload) != "" {
			if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
				return nil, fmt.Errorf("decode card %s payload: %w", c.ID, err)
			}
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return result, nil
}

func (e *Engine) SaveAnnotation(ctx context.Context, a storage.Annotation) error {
	data := string(a.Data)
	if data == "" {
		data = "null"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO annotations (id, session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, data = excluded.data
	`, a.ID, a.SessionID, a.Kind, data, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save annotation: %w", err)
	}
	return nil
}

func (e *Engine) ListAnnotations(ctx context.Context, sessionID string) ([]storage.Annotation, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, session_id, kind, data, created_at
		FROM annotations WHERE session_id = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	result := make([]storage.Annotation, 0)
	for rows.Next() {
		var a storage.Annotation
		var data, created string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Kind, &data, &created); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		a.Data = json.RawMessage(data)
		a.CreatedAt = parseTime(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return result, nil
}

func (e *Engine) SaveAnnotationTag(ctx context.Context, t storage.AnnotationTag) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO annotation_tags (id, session_id, name, color, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color
	`, t.ID, t.SessionID, t.Name, t.Color, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("save annotation tag: %w", err)
	}
	return nil
}

func (e *Engine) ListAnnotationTags(ctx context.Context, sessionID string) ([]storage.AnnotationTag, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, session_id, name, color, created_at
		FROM annotation_tags WHERE session_id = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list annotation tags: %w", err)
	}
	defer rows.Close()

	result := make([]storage.AnnotationTag, 0)
	for rows.Next() {
		var t storage.AnnotationTag
		var created string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Color, &created); err != nil {
			return nil, fmt.Errorf("scan annotation tag: %w", err)
		}
		t.CreatedAt = parseTime(created)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotation tags: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (storage.Session, error) {
	var s storage.Session
	var created, updated string
	var fav, archived int
	if err := r.Scan(&s.ID, &s.Title, &created, &updated, &fav, &archived); err != nil {
		return storage.Session{}, err
	}
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	s.IsFavorite = fav == 1
	s.IsArchived = archived == 1
	return s, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ storage.Store = (*Engine)(nil)
