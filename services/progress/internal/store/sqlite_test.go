package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/store/storetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ─── catalog ────────────────────────────────────────────────────────────────

func TestCatalogReads(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	l, err := s.GetLesson(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), l.CourseID)
	assert.Equal(t, 3, l.Order)

	_, err = s.GetLesson(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	a, err := s.GetActivity(ctx, 501)
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.LessonID)

	_, err = s.GetActivity(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	lessons, err := s.ListCourseLessons(ctx, 7)
	require.NoError(t, err)
	var ids []int64
	for _, l := range lessons {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []int64{41, 42, 43, 44}, ids)

	acts, err := s.ListLessonActivities(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, acts, 2)
}

func TestNextLesson(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	cases := []struct {
		lesson int64
		want   int64
	}{
		{41, 42},
		{42, 43},
		{43, 44}, // same order, higher id
		{50, 51},
	}
	for _, tc := range cases {
		next, err := s.NextLesson(ctx, tc.lesson)
		require.NoError(t, err, "lesson %d", tc.lesson)
		assert.Equal(t, tc.want, next.ID, "successor of %d", tc.lesson)
	}

	for _, terminal := range []int64{44, 51, 60, 999} {
		_, err := s.NextLesson(ctx, terminal)
		assert.ErrorIs(t, err, store.ErrNotFound, "lesson %d", terminal)
	}
}

// ─── lesson progress ────────────────────────────────────────────────────────

func TestUpsertLessonProgress_SingleRowOverwrite(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	_, err := s.UpsertLessonProgress(ctx, "u1", 42, 40, t0)
	require.NoError(t, err)
	rec, err := s.UpsertLessonProgress(ctx, "u1", 42, 55, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 55, rec.Progress)
	assert.False(t, rec.IsCompleted)
	assert.False(t, rec.IsLocked)
	assert.False(t, rec.IsNew)
	assert.Equal(t, t0.Add(time.Minute), rec.LastUpdated)

	all, err := s.ListLessonProgress(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 55, all[0].Progress)
}

func TestUpsertLessonProgress_CompletionFlag(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	for _, p := range []int{0, 1, 50, 99} {
		rec, err := s.UpsertLessonProgress(ctx, "u1", 41, p, t0)
		require.NoError(t, err)
		assert.False(t, rec.IsCompleted, "progress %d", p)
		assert.Equal(t, p < 1, rec.IsNew, "progress %d", p)
	}
	rec, err := s.UpsertLessonProgress(ctx, "u1", 41, 100, t0)
	require.NoError(t, err)
	assert.True(t, rec.IsCompleted)
}

func TestUnlockLessonProgress(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	rec, err := s.UnlockLessonProgress(ctx, "u1", 43, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Progress)
	assert.False(t, rec.IsLocked)
	assert.True(t, rec.IsNew)

	// Unlocking an in-progress lesson keeps its progress.
	_, err = s.UpsertLessonProgress(ctx, "u1", 42, 60, t0)
	require.NoError(t, err)
	rec, err = s.UnlockLessonProgress(ctx, "u1", 42, t0)
	require.NoError(t, err)
	assert.Equal(t, 60, rec.Progress)
	assert.False(t, rec.IsNew)
}

func TestUpsertPlaybackPosition(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	rec, err := s.UpsertPlaybackPosition(ctx, "u1", 42, 90, t0)
	require.NoError(t, err)
	assert.Equal(t, 90, rec.LastPositionSeconds)
	assert.Equal(t, 0, rec.Progress)
	assert.False(t, rec.IsLocked)

	_, err = s.UpsertLessonProgress(ctx, "u1", 42, 30, t0)
	require.NoError(t, err)
	rec, err = s.UpsertPlaybackPosition(ctx, "u1", 42, 120, t0)
	require.NoError(t, err)
	assert.Equal(t, 30, rec.Progress, "position writes leave progress untouched")
	assert.Equal(t, 120, rec.LastPositionSeconds)
}

func TestResetLessonProgress(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	_, err := s.UpsertLessonProgress(ctx, "u1", 42, 100, t0)
	require.NoError(t, err)
	rec, err := s.ResetLessonProgress(ctx, "u1", 42, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Progress)
	assert.False(t, rec.IsCompleted)
	assert.True(t, rec.IsLocked)
}

func TestGetLessonProgress_NotFound(t *testing.T) {
	s := storetest.Seeded(t)
	_, err := s.GetLessonProgress(context.Background(), "u1", 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ─── activity progress ──────────────────────────────────────────────────────

func TestUpsertActivityCompletion_CountsAttempts(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	rec, err := s.UpsertActivityCompletion(ctx, "u1", 501, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.True(t, rec.IsCompleted)
	assert.Equal(t, 100, rec.Progress)

	rec, err = s.UpsertActivityCompletion(ctx, "u1", 501, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AttemptCount)

	forLesson, err := s.ListActivityProgressForLesson(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Len(t, forLesson, 1)

	all, err := s.ListActivityProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	other, err := s.ListActivityProgress(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

// ─── transactions ───────────────────────────────────────────────────────────

func TestInTx_RollbackOnError(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.UpsertLessonProgress(ctx, "u1", 42, 100, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetLessonProgress(ctx, "u1", 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSavepoint_PartialRollback(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.UpsertLessonProgress(ctx, "u1", 42, 100, t0); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, func(ctx context.Context, q store.Queries) error {
			if _, err := q.UnlockLessonProgress(ctx, "u1", 43, t0); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, spErr, boom)
		return tx.Savepoint(ctx, func(ctx context.Context, q store.Queries) error {
			return q.RecordBacklog(ctx, "u1", 42, "boom", t0)
		})
	})
	require.NoError(t, err)

	rec, err := s.GetLessonProgress(ctx, "u1", 42)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Progress)

	_, err = s.GetLessonProgress(ctx, "u1", 43)
	assert.ErrorIs(t, err, store.ErrNotFound, "savepoint writes must be rolled back")

	backlog, err := s.ListBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, int64(42), backlog[0].LessonID)
}

// ─── outbox ─────────────────────────────────────────────────────────────────

func TestPublishPending(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, "progress.lesson.completed", map[string]any{"n": i}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	var seen []string
	n, err := s.PublishPending(ctx, 10, func(_ context.Context, ev store.Event) error {
		if len(seen) == 2 {
			return errors.New("nats down")
		}
		seen = append(seen, string(ev.Payload))
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`}, seen)

	var rest []string
	n, err = s.PublishPending(ctx, 10, func(_ context.Context, ev store.Event) error {
		rest = append(rest, string(ev.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`{"n":2}`}, rest)

	n, err = s.PublishPending(ctx, 10, func(context.Context, store.Event) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ─── backlog & processed events ─────────────────────────────────────────────

func TestBacklogLifecycle(t *testing.T) {
	s := storetest.Seeded(t)
	ctx := context.Background()

	require.NoError(t, s.RecordBacklog(ctx, "u1", 42, "first", t0))
	require.NoError(t, s.RecordBacklog(ctx, "u1", 42, "second", t0.Add(time.Second)))
	require.NoError(t, s.FailBacklog(ctx, "u1", 42, "third", t0.Add(2*time.Second)))

	entries, err := s.ListBacklog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "third", entries[0].LastError)

	require.NoError(t, s.ResolveBacklog(ctx, "u1", 42))
	entries, err = s.ListBacklog(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMarkProcessed(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "evt-1", "progress.playback", t0)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkProcessed(ctx, "evt-1", "progress.playback", t0)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := storetest.New(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestOpen_SQLite(t *testing.T) {
	s, err := store.Open(context.Background(), "sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "mysql", "whatever")
	require.Error(t, err)
}
