package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store.
type Postgres struct {
	pgQueries
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pgQueries: pgQueries{q: pool}, pool: pool}
}

type pgQueries struct {
	q querier
}

type pgTx struct {
	pgQueries
	tx pgx.Tx
}

func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{pgQueries: pgQueries{q: tx}, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Savepoint uses pgx's nested transaction, which is a SAVEPOINT.
func (t *pgTx) Savepoint(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, pgQueries{q: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return sp.Commit(ctx)
}

func (s *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return runMigrations(ctx, db, goose.DialectPostgres, "postgres")
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// ─── catalog ────────────────────────────────────────────────────────────────

const pgLessonCols = `id, course_id, title, sort_order, cover_video_key`

func scanLesson(row pgx.Row) (Lesson, error) {
	var l Lesson
	err := row.Scan(&l.ID, &l.CourseID, &l.Title, &l.Order, &l.CoverVideoKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lesson{}, ErrNotFound
	}
	return l, err
}

func (p pgQueries) GetLesson(ctx context.Context, lessonID int64) (Lesson, error) {
	return scanLesson(p.q.QueryRow(ctx, `SELECT `+pgLessonCols+` FROM lessons WHERE id = $1`, lessonID))
}

func (p pgQueries) GetActivity(ctx context.Context, activityID int64) (Activity, error) {
	var a Activity
	err := p.q.QueryRow(ctx, `SELECT id, lesson_id, title FROM activities WHERE id = $1`, activityID).
		Scan(&a.ID, &a.LessonID, &a.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return Activity{}, ErrNotFound
	}
	return a, err
}

func (p pgQueries) ListCourseLessons(ctx context.Context, courseID int64) ([]Lesson, error) {
	rows, err := p.q.Query(ctx, `SELECT `+pgLessonCols+` FROM lessons WHERE course_id = $1 ORDER BY sort_order, id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p pgQueries) NextLesson(ctx context.Context, lessonID int64) (Lesson, error) {
	q := `
SELECT n.id, n.course_id, n.title, n.sort_order, n.cover_video_key
FROM lessons c
JOIN lessons n ON n.course_id = c.course_id
 AND (n.sort_order > c.sort_order OR (n.sort_order = c.sort_order AND n.id > c.id))
WHERE c.id = $1
ORDER BY n.sort_order, n.id
LIMIT 1`
	return scanLesson(p.q.QueryRow(ctx, q, lessonID))
}

func (p pgQueries) ListLessonActivities(ctx context.Context, lessonID int64) ([]Activity, error) {
	rows, err := p.q.Query(ctx, `SELECT id, lesson_id, title FROM activities WHERE lesson_id = $1 ORDER BY id`, lessonID)
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

const pgLessonProgressCols = `user_id, lesson_id, progress, is_completed, is_locked, is_new, last_position_seconds, last_updated`

func scanLessonProgress(row pgx.Row) (LessonProgress, error) {
	var r LessonProgress
	err := row.Scan(&r.UserID, &r.LessonID, &r.Progress, &r.IsCompleted, &r.IsLocked, &r.IsNew, &r.LastPositionSeconds, &r.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return LessonProgress{}, ErrNotFound
	}
	return r, err
}

func (p pgQueries) UpsertLessonProgress(ctx context.Context, userID string, lessonID int64, progress int, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_updated)
VALUES ($1, $2, $3, $4, FALSE, $5, $6)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  progress     = EXCLUDED.progress,
  is_completed = EXCLUDED.is_completed,
  is_locked    = FALSE,
  is_new       = EXCLUDED.is_new,
  last_updated = EXCLUDED.last_updated
RETURNING ` + pgLessonProgressCols
	return scanLessonProgress(p.q.QueryRow(ctx, q, userID, lessonID, progress, isCompleted(progress), progress < 1, now.UTC()))
}

func (p pgQueries) UnlockLessonProgress(ctx context.Context, userID string, lessonID int64, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_updated)
VALUES ($1, $2, 0, FALSE, FALSE, TRUE, $3)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  is_locked    = FALSE,
  is_new       = user_lessons_progress.progress < 1,
  last_updated = EXCLUDED.last_updated
RETURNING ` + pgLessonProgressCols
	return scanLessonProgress(p.q.QueryRow(ctx, q, userID, lessonID, now.UTC()))
}

func (p pgQueries) UpsertPlaybackPosition(ctx context.Context, userID string, lessonID int64, seconds int, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_position_seconds, last_updated)
VALUES ($1, $2, 0, FALSE, FALSE, TRUE, $3, $4)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  last_position_seconds = EXCLUDED.last_position_seconds,
  is_locked             = FALSE,
  last_updated          = EXCLUDED.last_updated
RETURNING ` + pgLessonProgressCols
	return scanLessonProgress(p.q.QueryRow(ctx, q, userID, lessonID, seconds, now.UTC()))
}

func (p pgQueries) ResetLessonProgress(ctx context.Context, userID string, lessonID int64, now time.Time) (LessonProgress, error) {
	q := `
INSERT INTO user_lessons_progress (user_id, lesson_id, progress, is_completed, is_locked, is_new, last_updated)
VALUES ($1, $2, 0, FALSE, TRUE, TRUE, $3)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  progress              = 0,
  is_completed          = FALSE,
  is_locked             = TRUE,
  is_new                = TRUE,
  last_position_seconds = 0,
  last_updated          = EXCLUDED.last_updated
RETURNING ` + pgLessonProgressCols
	return scanLessonProgress(p.q.QueryRow(ctx, q, userID, lessonID, now.UTC()))
}

const pgActivityProgressCols = `user_id, activity_id, progress, is_completed, is_locked, attempt_count, last_updated`

func scanActivityProgress(row pgx.Row) (ActivityProgress, error) {
	var r ActivityProgress
	err := row.Scan(&r.UserID, &r.ActivityID, &r.Progress, &r.IsCompleted, &r.IsLocked, &r.AttemptCount, &r.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return ActivityProgress{}, ErrNotFound
	}
	return r, err
}

func (p pgQueries) UpsertActivityCompletion(ctx context.Context, userID string, activityID int64, now time.Time) (ActivityProgress, error) {
	q := `
INSERT INTO user_activities_progress (user_id, activity_id, progress, is_completed, is_locked, attempt_count, last_updated)
VALUES ($1, $2, 100, TRUE, FALSE, 1, $3)
ON CONFLICT (user_id, activity_id)
DO UPDATE SET
  progress      = 100,
  is_completed  = TRUE,
  is_locked     = FALSE,
  attempt_count = user_activities_progress.attempt_count + 1,
  last_updated  = EXCLUDED.last_updated
RETURNING ` + pgActivityProgressCols
	return scanActivityProgress(p.q.QueryRow(ctx, q, userID, activityID, now.UTC()))
}

// ─── progress reads ─────────────────────────────────────────────────────────

func (p pgQueries) GetLessonProgress(ctx context.Context, userID string, lessonID int64) (LessonProgress, error) {
	return scanLessonProgress(p.q.QueryRow(ctx,
		`SELECT `+pgLessonProgressCols+` FROM user_lessons_progress WHERE user_id = $1 AND lesson_id = $2`,
		userID, lessonID))
}

func (p pgQueries) ListLessonProgress(ctx context.Context, userID string) ([]LessonProgress, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+pgLessonProgressCols+` FROM user_lessons_progress WHERE user_id = $1 ORDER BY lesson_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LessonProgress
	for rows.Next() {
		r, err := scanLessonProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p pgQueries) ListActivityProgress(ctx context.Context, userID string) ([]ActivityProgress, error) {
	return p.listActivityProgress(ctx,
		`SELECT `+pgActivityProgressCols+` FROM user_activities_progress WHERE user_id = $1 ORDER BY activity_id`, userID)
}

func (p pgQueries) ListActivityProgressForLesson(ctx context.Context, userID string, lessonID int64) ([]ActivityProgress, error) {
	q := `
SELECT uap.user_id, uap.activity_id, uap.progress, uap.is_completed, uap.is_locked, uap.attempt_count, uap.last_updated
FROM user_activities_progress uap
JOIN activities a ON a.id = uap.activity_id
WHERE uap.user_id = $1 AND a.lesson_id = $2
ORDER BY uap.activity_id`
	return p.listActivityProgress(ctx, q, userID, lessonID)
}

func (p pgQueries) listActivityProgress(ctx context.Context, q string, args ...any) ([]ActivityProgress, error) {
	rows, err := p.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityProgress
	for rows.Next() {
		r, err := scanActivityProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── bookkeeping ────────────────────────────────────────────────────────────

func (p pgQueries) AppendEvent(ctx context.Context, eventType string, payload any, now time.Time) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{ID: uuid.NewString(), Type: eventType, Payload: raw, CreatedAt: now.UTC()}
	_, err = p.q.Exec(ctx,
		`INSERT INTO progress_outbox (id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		ev.ID, ev.Type, []byte(raw), ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (p pgQueries) RecordBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error {
	q := `
INSERT INTO unlock_backlog (user_id, lesson_id, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, 0, $3, $4, $4)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`
	_, err := p.q.Exec(ctx, q, userID, lessonID, cause, now.UTC())
	return err
}

func (p pgQueries) MarkProcessed(ctx context.Context, eventID, subject string, now time.Time) (bool, error) {
	ct, err := p.q.Exec(ctx,
		`INSERT INTO processed_events (event_id, subject, created_at) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		eventID, subject, now.UTC())
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ─── outbox, backlog, catalog ───────────────────────────────────────────────

func (s *Postgres) PublishPending(ctx context.Context, limit int, publish func(ctx context.Context, ev Event) error) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id::text, event_type, payload, created_at
FROM progress_outbox
WHERE published_at IS NULL
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, err
	}
	var items []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		ev.Payload = json.RawMessage(payload)
		items = append(items, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var ids []string
	var pubErr error
	for _, ev := range items {
		if pubErr = publish(ctx, ev); pubErr != nil {
			break
		}
		ids = append(ids, ev.ID)
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE progress_outbox SET published_at = now() WHERE id::text = ANY($1)`, ids); err != nil {
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), pubErr
}

func (s *Postgres) ListBacklog(ctx context.Context, limit int) ([]BacklogEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT user_id, lesson_id, attempts, last_error, created_at, updated_at
FROM unlock_backlog
ORDER BY updated_at
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BacklogEntry
	for rows.Next() {
		var b BacklogEntry
		if err := rows.Scan(&b.UserID, &b.LessonID, &b.Attempts, &b.LastError, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) ResolveBacklog(ctx context.Context, userID string, lessonID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM unlock_backlog WHERE user_id = $1 AND lesson_id = $2`, userID, lessonID)
	return err
}

func (s *Postgres) FailBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE unlock_backlog
SET attempts = attempts + 1, last_error = $3, updated_at = $4
WHERE user_id = $1 AND lesson_id = $2`, userID, lessonID, cause, now.UTC())
	return err
}

func (s *Postgres) UpsertCatalog(ctx context.Context, c Catalog) error {
	return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		q := tx.(*pgTx).q
		for _, co := range c.Courses {
			if _, err := q.Exec(ctx, `
INSERT INTO courses (id, title) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`, co.ID, co.Title); err != nil {
				return fmt.Errorf("course %d: %w", co.ID, err)
			}
		}
		for _, l := range c.Lessons {
			if _, err := q.Exec(ctx, `
INSERT INTO lessons (id, course_id, title, sort_order, cover_video_key) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  course_id = EXCLUDED.course_id, title = EXCLUDED.title,
  sort_order = EXCLUDED.sort_order, cover_video_key = EXCLUDED.cover_video_key`,
				l.ID, l.CourseID, l.Title, l.Order, l.CoverVideoKey); err != nil {
				return fmt.Errorf("lesson %d: %w", l.ID, err)
			}
		}
		for _, a := range c.Activities {
			if _, err := q.Exec(ctx, `
INSERT INTO activities (id, lesson_id, title) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET lesson_id = EXCLUDED.lesson_id, title = EXCLUDED.title`,
				a.ID, a.LessonID, a.Title); err != nil {
				return fmt.Errorf("activity %d: %w", a.ID, err)
			}
		}
		return nil
	})
}
