// Package store persists the planner's events, templates and chat
// transcript in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"butler/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	date_key    TEXT NOT NULL,
	title       TEXT NOT NULL,
	start_hour  INTEGER NOT NULL,
	start_min   INTEGER NOT NULL,
	duration    INTEGER NOT NULL,
	type        TEXT NOT NULL,
	completed   INTEGER NOT NULL DEFAULT 0,
	color       TEXT NOT NULL DEFAULT '',
	series_id   TEXT NOT NULL DEFAULT '',
	items       TEXT NOT NULL DEFAULT '[]',
	script      TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_date ON events(date_key);
CREATE INDEX IF NOT EXISTS idx_events_series ON events(series_id);

CREATE TABLE IF NOT EXISTS templates (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id          TEXT PRIMARY KEY,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
`

// Store wraps the SQLite database. All methods are safe for concurrent use;
// database/sql serializes access to the underlying connection pool.
type Store struct {
	db        *sql.DB
	chatLimit int

	// entropyMu guards entropy; MonotonicEntropy is not safe for
	// concurrent use.
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens (creating if needed) the database at path and runs migrations.
// chatLimit caps the persisted chat transcript length.
func Open(path string, chatLimit int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if chatLimit <= 0 {
		chatLimit = 100
	}

	return &Store{
		db:        db,
		chatLimit: chatLimit,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a fresh ULID string, used for template and series identity.
func (s *Store) NewID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func marshalItems(items []model.ChecklistItem) (string, error) {
	if items == nil {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal items: %w", err)
	}
	return string(b), nil
}

func marshalScript(sc *model.AiScript) (sql.NullString, error) {
	if sc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal script: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		ev      model.Event
		typ     string
		items   string
		script  sql.NullString
		created string
	)
	err := row.Scan(&ev.ID, &ev.DateKey, &ev.Title, &ev.StartHour, &ev.StartMin,
		&ev.Duration, &typ, &ev.Completed, &ev.Color, &ev.SeriesID, &items, &script, &created)
	if err != nil {
		return model.Event{}, err
	}
	ev.Type = model.EventType(typ)
	if err := json.Unmarshal([]byte(items), &ev.Items); err != nil {
		return model.Event{}, fmt.Errorf("unmarshal items for event %d: %w", ev.ID, err)
	}
	if script.Valid {
		var sc model.AiScript
		if err := json.Unmarshal([]byte(script.String), &sc); err != nil {
			return model.Event{}, fmt.Errorf("unmarshal script for event %d: %w", ev.ID, err)
		}
		ev.Script = &sc
	}
	return ev, nil
}

const eventCols = "id, date_key, title, start_hour, start_min, duration, type, completed, color, series_id, items, script, created_at"

// ListEventsForDay returns all events for the given day key, ordered by
// start time then insertion order.
func (s *Store) ListEventsForDay(ctx context.Context, dateKey string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventCols+" FROM events WHERE date_key = ? ORDER BY start_hour*60+start_min, id", dateKey)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventCols+" FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, nil
}

// AddEvent inserts ev and fills in its assigned ID.
func (s *Store) AddEvent(ctx context.Context, ev *model.Event) error {
	items, err := marshalItems(ev.Items)
	if err != nil {
		return err
	}
	script, err := marshalScript(ev.Script)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (date_key, title, start_hour, start_min, duration, type, completed, color, series_id, items, script, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.DateKey, ev.Title, ev.StartHour, ev.StartMin, ev.Duration, string(ev.Type),
		ev.Completed, ev.Color, ev.SeriesID, items, script, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert event id: %w", err)
	}
	return nil
}

// AddEvents inserts a batch of events inside one transaction. Used by series
// expansion and ICS import so a partial failure leaves nothing behind.
func (s *Store) AddEvents(ctx context.Context, evs []*model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, ev := range evs {
		items, err := marshalItems(ev.Items)
		if err != nil {
			return err
		}
		script, err := marshalScript(ev.Script)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (date_key, title, start_hour, start_min, duration, type, completed, color, series_id, items, script, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.DateKey, ev.Title, ev.StartHour, ev.StartMin, ev.Duration, string(ev.Type),
			ev.Completed, ev.Color, ev.SeriesID, items, script, now)
		if err != nil {
			return fmt.Errorf("insert event %q: %w", ev.Title, err)
		}
		if ev.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert event id: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateEvent replaces the stored row for ev.ID.
func (s *Store) UpdateEvent(ctx context.Context, ev *model.Event) error {
	items, err := marshalItems(ev.Items)
	if err != nil {
		return err
	}
	script, err := marshalScript(ev.Script)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET date_key=?, title=?, start_hour=?, start_min=?, duration=?, type=?, completed=?, color=?, series_id=?, items=?, script=?
		 WHERE id=?`,
		ev.DateKey, ev.Title, ev.StartHour, ev.StartMin, ev.Duration, string(ev.Type),
		ev.Completed, ev.Color, ev.SeriesID, items, script, ev.ID)
	if err != nil {
		return fmt.Errorf("update event %d: %w", ev.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent removes an event. With series set, every event sharing the
// target's series id is removed as well.
func (s *Store) DeleteEvent(ctx context.Context, id int64, series bool) error {
	if series {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if ev.SeriesID != "" {
			_, err = s.db.ExecContext(ctx, "DELETE FROM events WHERE series_id = ?", ev.SeriesID)
			if err != nil {
				return fmt.Errorf("delete series %s: %w", ev.SeriesID, err)
			}
			return nil
		}
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteEvent marks an event done and greys it out on the board.
func (s *Store) CompleteEvent(ctx context.Context, id int64) (model.Event, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET completed = 1, color = '#808080' WHERE id = ?", id)
	if err != nil {
		return model.Event{}, fmt.Errorf("complete event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Event{}, ErrNotFound
	}
	return s.GetEvent(ctx, id)
}

// SetItemCompleted toggles one checklist item on an event and returns the
// updated event.
func (s *Store) SetItemCompleted(ctx context.Context, id int64, itemText string, done bool) (model.Event, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, err
	}
	found := false
	for i := range ev.Items {
		if ev.Items[i].Text == itemText {
			ev.Items[i].Completed = done
			found = true
		}
	}
	if !found {
		return model.Event{}, fmt.Errorf("event %d has no item %q: %w", id, itemText, ErrNotFound)
	}
	if err := s.UpdateEvent(ctx, &ev); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// DeleteEventsBefore removes all events on days before the cutoff. Day keys
// are compared in Go; SQL cannot order the unpadded key format
// chronologically.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT date_key FROM events")
	if err != nil {
		return 0, fmt.Errorf("list day keys: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, err
		}
		var y, m, d int
		if _, err := fmt.Sscanf(key, "%d-%d-%d", &y, &m, &d); err != nil {
			continue
		}
		if time.Date(y, time.Month(m), d, 0, 0, 0, 0, cutoff.Location()).Before(cutoff) {
			stale = append(stale, key)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for _, key := range stale {
		res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE date_key = ?", key)
		if err != nil {
			return total, fmt.Errorf("delete day %s: %w", key, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Template is a reusable event blueprint. Payload is the event JSON minus
// identity and date fields.
type Template struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// ListTemplates returns all saved templates, newest first.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, payload FROM templates ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		var payload string
		if err := rows.Scan(&t.ID, &t.Name, &payload); err != nil {
			return nil, err
		}
		t.Payload = json.RawMessage(payload)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTemplate stores a template, assigning an id if missing.
func (s *Store) SaveTemplate(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = s.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, payload = excluded.payload`,
		t.ID, t.Name, string(t.Payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChatMessage is one entry of the persisted conversation transcript.
type ChatMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AppendMessage adds a transcript entry and trims the transcript to the
// configured cap, oldest entries first.
func (s *Store) AppendMessage(ctx context.Context, role, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := s.NewID()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO chat_messages (id, role, content, created_at) VALUES (?, ?, ?, ?)",
		id, role, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	// ULIDs sort lexicographically by time, so id order is age order.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE id NOT IN
		 (SELECT id FROM chat_messages ORDER BY id DESC LIMIT ?)`, s.chatLimit)
	if err != nil {
		return fmt.Errorf("trim transcript: %w", err)
	}
	return tx.Commit()
}

// ChatHistory returns the transcript oldest-first.
func (s *Store) ChatHistory(ctx context.Context) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content FROM chat_messages ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
