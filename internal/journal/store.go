// Package journal keeps a SQLite timeline of renders and the notable events
// that happened while producing them.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/retarget"
)

const (
	EventRenderStarted    = "render.started"
	EventStageCompleted   = "stage.completed"
	EventRetargetFallback = "retarget.fallback"
	EventSynthFallback    = "synth.fallback"
	EventRenderFailed     = "render.failed"
	EventRenderCompleted  = "render.completed"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is one timeline entry.
type Event struct {
	ID        int64
	RenderID  string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Render is the summary row of one pipeline run.
type Render struct {
	ID         string
	Source     string
	Status     string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Store wraps the SQLite journal. In ephemeral mode every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS renders (
    render_id TEXT PRIMARY KEY,
    source TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    render_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(render_id) REFERENCES renders(render_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_render_created ON events(render_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartRender records a new render in the running state.
func (s *Store) StartRender(ctx context.Context, renderID, source string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renders(render_id, source, status, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(render_id) DO UPDATE SET source=excluded.source, status=excluded.status`,
		renderID, source, StatusRunning, s.clock().UTC())
	return err
}

// FinishRender marks a render completed or failed.
func (s *Store) FinishRender(ctx context.Context, renderID, status string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE renders SET status = ?, finished_at = ? WHERE render_id = ?`,
		status, s.clock().UTC(), renderID)
	return err
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(render_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RenderID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// AppendJSON marshals payload and appends it as an event of type typ.
func (s *Store) AppendJSON(ctx context.Context, renderID, typ string, payload any) error {
	if !s.enabled() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return s.AppendEvent(ctx, Event{RenderID: renderID, Type: typ, Payload: data})
}

// ListRenderEvents retrieves up to limit events for a render ordered by time.
func (s *Store) ListRenderEvents(ctx context.Context, renderID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, render_id, trace_id, event_type, payload, created_at
		 FROM events WHERE render_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, renderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var trace sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.RenderID, &trace, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = trace.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRenders returns the most recent renders, newest first.
func (s *Store) ListRenders(ctx context.Context, limit int) ([]Render, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT render_id, source, status, created_at, finished_at
		 FROM renders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var renders []Render
	for rows.Next() {
		var r Render
		var source, finished sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &source, &r.Status, &created, &finished); err != nil {
			return nil, err
		}
		r.Source = source.String
		r.CreatedAt = parseTime(created)
		if finished.Valid {
			r.FinishedAt = parseTime(finished.String)
		}
		renders = append(renders, r)
	}
	return renders, rows.Err()
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM renders WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRenders > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM renders WHERE render_id IN (
			SELECT render_id FROM renders ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRenders)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Recorder returns a retarget.FallbackRecorder that journals fallbacks under
// renderID. Write failures are logged and otherwise ignored.
func (s *Store) Recorder(renderID string) retarget.FallbackRecorder {
	return &fallbackRecorder{store: s, renderID: renderID}
}

type fallbackRecorder struct {
	store    *Store
	renderID string
}

type fallbackPayload struct {
	Text   string  `json:"text"`
	Start  float64 `json:"start"`
	Reason string  `json:"reason"`
}

func (r *fallbackRecorder) RecordFallback(ctx context.Context, fb retarget.Fallback) {
	err := r.store.AppendJSON(ctx, r.renderID, EventRetargetFallback,
		fallbackPayload{Text: fb.Text, Start: fb.Start, Reason: fb.Reason})
	if err != nil {
		r.store.log.Warn("failed to journal retarget fallback", slog.String("error", err.Error()))
	}
}
