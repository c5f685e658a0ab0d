package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLite is the single-node Store used for local development and tests. It
// holds one connection, so callers inside InTx must not use the Store itself.
type SQLite struct {
	liteQueries
	db *sql.DB
}

// OpenSQLite opens dsn with the pure Go driver and applies connection pragmas.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &SQLite{liteQueries: liteQueries{q: db}, db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

type liteQueries struct {
	q execer
}

type liteTx struct {
	liteQueries
	tx  *sql.Tx
	seq atomic.Int64
}

func (s *SQLite) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &liteTx{liteQueries: liteQueries{q: tx}, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *liteTx) Savepoint(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	name := fmt.Sprintf("sp_%d", t.seq.Add(1))
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(ctx, t.liteQueries); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE "+name)
	return err
}

func (s *SQLite) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, goose.DialectSQLite3, "sqlite")
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ─── catalog ────────────────────────────────────────────────────────────────

const liteLessonCols = `id, course_id, title, sort_order, cover_video_key`

func scanLiteLesson(row rowScanner) (Lesson, error) {
	var l Lesson
	if err := row.Scan(&l.ID, &l.CourseID, &l.Title, &l.Order, &l.CoverVideoKey); err != nil {
		return Lesson{}, noRows(err)
	}
	return l, nil
}

func (s liteQueries) GetLesson(ctx context.Context, lessonID int64) (Lesson, error) {
	return scanLiteLesson(s.q.QueryRowContext(ctx, `SELECT `+liteLessonCols+` FROM lessons WHERE id = ?`, lessonID))
}

func (s liteQueries) GetActivity(ctx context.Context, activityID int64) (Activity, error) {
	var a Activity
	err := s.q.QueryRowContext(ctx, `SELECT id, lesson_id, title FROM activities WHERE id = ?`, activityID).
		Scan(&a.ID, &a.LessonID, &a.Title)
	if err != nil {
		return Activity{}, noRows(err)
	}
	return a, nil
}

func (s liteQueries) ListCourseLessons(ctx context.Context, courseID int64) ([]Lesson, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+liteLessonCols+` FROM lessons WHERE course_id = ? ORDER BY sort_order, id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		l, err := scanLiteLesson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s liteQueries) NextLesson(ctx context.Context, lessonID int64) (Lesson, error) {
	q := `
SELECT n.id, n.course_id, n.title, n.sort_order, n.cover_video_key
FROM lessons c
JOIN lessons n ON n.course_id = c.course_id
 AND (n.sort_order > c.sort_order OR (n.sort_order = c.sort_order AND n.id > c.id))
WHERE c.id = ?
ORDER BY n.sort_order, n.id
LIMIT 1`
	return scanLiteLesson(s.q.QueryRowContext(ctx, q, lessonID))
}

func (s liteQueries) ListLessonActivities(ctx context.Context, lessonID int64) ([]Activity, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, lesson_id, title FROM activities WHERE lesson_id = ? ORDER BY id`, lessonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.LessonID, &a.Title); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─── progress writes ────────────────────────────────────────────────────────

const liteLessonProgressCols = `user_id, lesson_id, progress, is_completed, is_locked, is_new, last_position_seconds, last_updated`

func scanLiteLessonProgress(row rowScanner) (LessonProgress, error) {
	var r LessonProgress
	var updated int64
	if err := row.Scan(&r.UserID, &r.LessonID, &r.Progress, &r.IsCompleted, &r.IsLocked, &r.IsNew, &r.LastPositionSeconds, &updated); err != nil {
		return LessonProgress{}, noRows(err)
	}
	r.LastUpdated = fromMillis(updated)
	return r, nil
}

func (s liteQueries) UpsertLessonProgress(ctx context.Context, userID string, lessonID int64, progress int, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_updated)
VALUES (?, ?, ?, ?, 0, ?, ?)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  progress     = excluded.progress,
  is_completed = excluded.is_completed,
  is_locked    = 0,
  is_new       = excluded.is_new,
  last_updated = excluded.last_updated
RETURNING ` + liteLessonProgressCols
	return scanLiteLessonProgress(s.q.QueryRowContext(ctx, q, userID, lessonID, progress, isCompleted(progress), progress < 1, millis(now)))
}

func (s liteQueries) UnlockLessonProgress(ctx context.Context, userID string, lessonID int64, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_updated)
VALUES (?, ?, 0, 0, 0, 1, ?)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  is_locked    = 0,
  is_new       = user_lessons_progress.progress < 1,
  last_updated = excluded.last_updated
RETURNING ` + liteLessonProgressCols
	return scanLiteLessonProgress(s.q.QueryRowContext(ctx, q, userID, lessonID, millis(now)))
}

func (s liteQueries) UpsertPlaybackPosition(ctx context.Context, userID string, lessonID int64, seconds int, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_position_seconds, last_updated)
VALUES (?, ?, 0, 0, 0, 1, ?, ?)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  last_position_seconds = excluded.last_position_seconds,
  is_locked             = 0,
  last_updated          = excluded.last_updated
RETURNING ` + liteLessonProgressCols
	return scanLiteLessonProgress(s.q.QueryRowContext(ctx, q, userID, lessonID, seconds, millis(now)))
}

func (s liteQueries) ResetLessonProgress(ctx context.Context, userID string, lessonID int64, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_updated)
VALUES (?, ?, 0, 0, 1, 1, ?)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  progress              = 0,
  is_completed          = 0,
  is_locked             = 1,
  is_new                = 1,
  last_position_seconds = 0,
  last_updated          = excluded.last_updated
RETURNING ` + liteLessonProgressCols
	return scanLiteLessonProgress(s.q.QueryRowContext(ctx, q, userID, lessonID, millis(now)))
}

const liteActivityProgressCols = `user_id, activity_id, progress, is_completed, is_locked, attempt_count, last_updated`

func scanLiteActivityProgress(row rowScanner) (ActivityProgress, error) {
	var r ActivityProgress
	var updated int64
	if err := row.Scan(&r.UserID, &r.ActivityID, &r.Progress, &r.IsCompleted, &r.IsLocked, &r.AttemptCount, &updated); err != nil {
		return ActivityProgress{}, noRows(err)
	}
	r.LastUpdated = fromMillis(updated)
	return r, nil
}

func (s liteQueries) UpsertActivityCompletion(ctx context.Context, userID string, activityID int64, now time.Time) (ActivityProgress, error) {
	q := `
INSERT INTO user_activities_progress (user_id, activity_id, progress, is_completed, is_locked, attempt_count, last_updated)
VALUES (?, ?, 100, 1, 0, 1, ?)
ON CONFLICT (user_id, activity_id)
DO UPDATE SET
  progress      = 100,
  is_completed  = 1,
  is_locked     = 0,
  attempt_count = user_activities_progress.attempt_count + 1,
  last_updated  = excluded.last_updated
RETURNING ` + liteActivityProgressCols
	return scanLiteActivityProgress(s.q.QueryRowContext(ctx, q, userID, activityID, millis(now)))
}

// ─── progress reads ─────────────────────────────────────────────────────────

func (s liteQueries) GetLessonProgress(ctx context.Context, userID string, lessonID int64) (LessonProgress, error) {
	return scanLiteLessonProgress(s.q.QueryRowContext(ctx,
		`SELECT `+liteLessonProgressCols+` FROM user_lessons_progress WHERE user_id = ? AND lesson_id = ?`,
		userID, lessonID))
}

func (s liteQueries) ListLessonProgress(ctx context.Context, userID string) ([]LessonProgress, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+liteLessonProgressCols+` FROM user_lessons_progress WHERE user_id = ? ORDER BY lesson_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LessonProgress
	for rows.Next() {
		r, err := scanLiteLessonProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s liteQueries) ListActivityProgress(ctx context.Context, userID string) ([]ActivityProgress, error) {
	return s.listActivityProgress(ctx,
		`SELECT `+liteActivityProgressCols+` FROM user_activities_progress WHERE user_id = ? ORDER BY activity_id`, userID)
}

func (s liteQueries) ListActivityProgressForLesson(ctx context.Context, userID string, lessonID int64) ([]ActivityProgress, error) {
	q := `
SELECT uap.user_id, uap.activity_id, uap.progress, uap.is_completed, uap.is_locked, uap.attempt_count, uap.last_updated
FROM user_activities_progress uap
JOIN activities a ON a.id = uap.activity_id
WHERE uap.user_id = ? AND a.lesson_id = ?
ORDER BY uap.activity_id`
	return s.listActivityProgress(ctx, q, userID, lessonID)
}

func (s liteQueries) listActivityProgress(ctx context.Context, q string, args ...any) ([]ActivityProgress, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityProgress
	for rows.Next() {
		r, err := scanLiteActivityProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── bookkeeping ────────────────────────────────────────────────────────────

func (s liteQueries) AppendEvent(ctx context.Context, eventType string, payload any, now time.Time) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{ID: uuid.NewString(), Type: eventType, Payload: raw, CreatedAt: fromMillis(millis(now))}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO progress_outbox (id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.Type, string(raw), millis(now))
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s liteQueries) RecordBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error {
	q := `
INSERT INTO unlock_backlog (user_id, lesson_id, attempts, last_error, created_at, updated_at)
VALUES (?, ?, 0, ?, ?, ?)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET last_error = excluded.last_error, updated_at = excluded.updated_at`
	_, err := s.q.ExecContext(ctx, q, userID, lessonID, cause, millis(now), millis(now))
	return err
}

func (s liteQueries) MarkProcessed(ctx context.Context, eventID, subject string, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, subject, created_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
		eventID, subject, millis(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ─── outbox, backlog, catalog ───────────────────────────────────────────────

func (s *SQLite) PublishPending(ctx context.Context, limit int, publish func(ctx context.Context, ev Event) error) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_type, payload, created_at
FROM progress_outbox
WHERE published_at IS NULL
ORDER BY created_at, rowid
LIMIT ?`, limit)
	if err != nil {
		return 0, err
	}
	var items []Event
	for rows.Next() {
		var ev Event
		var payload string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.Type, &payload, &created); err != nil {
			rows.Close()
			return 0, err
		}
		ev.Payload = []byte(payload)
		ev.CreatedAt = fromMillis(created)
		items = append(items, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range items {
		if err := publish(ctx, ev); err != nil {
			return published, err
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE progress_outbox SET published_at = ? WHERE id = ?`, millis(time.Now()), ev.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (s *SQLite) ListBacklog(ctx context.Context, limit int) ([]BacklogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, lesson_id, attempts, last_error, created_at, updated_at
FROM unlock_backlog
ORDER BY updated_at
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BacklogEntry
	for rows.Next() {
		var b BacklogEntry
		var created, updated int64
		if err := rows.Scan(&b.UserID, &b.LessonID, &b.Attempts, &b.LastError, &created, &updated); err != nil {
			return nil, err
		}
		b.CreatedAt, b.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) ResolveBacklog(ctx context.Context, userID string, lessonID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unlock_backlog WHERE user_id = ? AND lesson_id = ?`, userID, lessonID)
	return err
}

func (s *SQLite) FailBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE unlock_backlog
SET attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE user_id = ? AND lesson_id = ?`, cause, millis(now), userID, lessonID)
	return err
}

func (s *SQLite) UpsertCatalog(ctx context.Context, c Catalog) error {
	return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		q := tx.(*liteTx).q
		for _, co := range c.Courses {
			if _, err := q.ExecContext(ctx, `
INSERT INTO courses (id, title) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET title = excluded.title`, co.ID, co.Title); err != nil {
				return fmt.Errorf("course %d: %w", co.ID, err)
			}
		}
		for _, l := range c.Lessons {
			if _, err := q.ExecContext(ctx, `
INSERT INTO lessons (id, course_id, title, sort_order, cover_video_key) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  course_id = excluded.course_id, title = excluded.title,
  sort_order = excluded.sort_order, cover_video_key = excluded.cover_video_key`,
				l.ID, l.CourseID, l.Title, l.Order, l.CoverVideoKey); err != nil {
				return fmt.Errorf("lesson %d: %w", l.ID, err)
			}
		}
		for _, a := range c.Activities {
			if _, err := q.ExecContext(ctx, `
INSERT INTO activities (id, lesson_id, title) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET lesson_id = excluded.lesson_id, title = excluded.title`,
				a.ID, a.LessonID, a.Title); err != nil {
				return fmt.Errorf("activity %d: %w", a.ID, err)
			}
		}
		return nil
	})
}
