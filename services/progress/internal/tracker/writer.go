package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/edu-platform/services/progress/internal/store"
)

// LessonResult is the outcome of a lesson progress write.
type LessonResult struct {
	Record store.LessonProgress
	// NextLessonID is the successor unlocked by this write, if any.
	NextLessonID *int64
}

// ActivityResult is the outcome of an activity completion.
type ActivityResult struct {
	Record store.ActivityProgress
	// LessonCompleted is set when this was the last open activity of its
	// lesson and the lesson completed with it.
	LessonCompleted bool
	NextLessonID    *int64
}

// RecordLessonProgress stores progress (0..100) for the lesson. A lesson
// without activities completes at 100; one with activities completes once all
// of them are done, whatever the reported progress. Completion forces the
// stored progress to 100 and unlocks the next lesson of the course.
func (t *Tracker) RecordLessonProgress(ctx context.Context, userID string, lessonID int64, progress int) (LessonResult, error) {
	if err := checkUser(userID); err != nil {
		return LessonResult{}, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return LessonResult{}, err
	}
	if progress < 0 || progress > 100 {
		return LessonResult{}, fmt.Errorf("%w: progress must be between 0 and 100, got %d", ErrInvalidInput, progress)
	}

	var res LessonResult
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lesson, err := getLesson(ctx, tx, lessonID)
		if err != nil {
			return err
		}

		rule, err := loadRule(ctx, tx, userID, lesson)
		if err != nil {
			return err
		}
		res, err = t.writeLessonProgress(ctx, tx, userID, lesson, rule.stored(progress))
		return err
	})
	if err != nil {
		return LessonResult{}, classify("record lesson progress", err)
	}
	return res, nil
}

// MarkLessonComplete records 100% for the lesson.
func (t *Tracker) MarkLessonComplete(ctx context.Context, userID string, lessonID int64) (LessonResult, error) {
	return t.RecordLessonProgress(ctx, userID, lessonID, 100)
}

// writeLessonProgress is the shared upsert + completion path. It must run
// inside tx.
func (t *Tracker) writeLessonProgress(ctx context.Context, tx store.Tx, userID string, lesson store.Lesson, progress int) (LessonResult, error) {
	now := t.now()
	rec, err := tx.UpsertLessonProgress(ctx, userID, lesson.ID, progress, now)
	if err != nil {
		return LessonResult{}, storageErr("upsert lesson progress", err)
	}
	res := LessonResult{Record: rec}
	if !rec.IsCompleted {
		return res, nil
	}

	if _, err := tx.AppendEvent(ctx, EventLessonCompleted, LessonEvent{
		UserID: userID, LessonID: lesson.ID, CourseID: lesson.CourseID, Progress: rec.Progress, OccurredAt: now,
	}, now); err != nil {
		return LessonResult{}, storageErr("append event", err)
	}
	res.NextLessonID = t.propagate(ctx, tx, userID, lesson.ID)
	return res, nil
}

// RecordPlaybackPosition stores the last playback offset. Negative offsets
// are stored as 0. Progress is left untouched.
func (t *Tracker) RecordPlaybackPosition(ctx context.Context, userID string, lessonID int64, seconds int) (store.LessonProgress, error) {
	if err := checkUser(userID); err != nil {
		return store.LessonProgress{}, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return store.LessonProgress{}, err
	}

	var rec store.LessonProgress
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = t.writePosition(ctx, tx, userID, lessonID, seconds)
		return err
	})
	if err != nil {
		return store.LessonProgress{}, classify("record playback position", err)
	}
	return rec, nil
}

// RecordPlaybackEvent applies a queued playback update exactly once per
// eventID. It reports false when the event was already applied.
func (t *Tracker) RecordPlaybackEvent(ctx context.Context, eventID, subject, userID string, lessonID int64, seconds int) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if err := checkUser(userID); err != nil {
		return false, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return false, err
	}

	applied := false
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		first, err := tx.MarkProcessed(ctx, eventID, subject, t.now())
		if err != nil {
			return storageErr("mark processed", err)
		}
		if !first {
			return nil
		}
		if _, err := t.writePosition(ctx, tx, userID, lessonID, seconds); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, classify("record playback event", err)
	}
	return applied, nil
}

func (t *Tracker) writePosition(ctx context.Context, q store.Queries, userID string, lessonID int64, seconds int) (store.LessonProgress, error) {
	if _, err := getLesson(ctx, q, lessonID); err != nil {
		return store.LessonProgress{}, err
	}
	if seconds < 0 {
		seconds = 0
	}
	rec, err := q.UpsertPlaybackPosition(ctx, userID, lessonID, seconds, t.now())
	if err != nil {
		return store.LessonProgress{}, storageErr("upsert playback position", err)
	}
	return rec, nil
}

// RecordActivityCompletion marks the activity completed and counts the
// attempt. Completing the last open activity of a lesson completes the
// lesson: immediately when it has no video, and once the player has reported
// progress on it when it has one.
func (t *Tracker) RecordActivityCompletion(ctx context.Context, userID string, activityID int64) (ActivityResult, error) {
	if err := checkUser(userID); err != nil {
		return ActivityResult{}, err
	}
	if err := checkID("activityId", activityID); err != nil {
		return ActivityResult{}, err
	}

	var res ActivityResult
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		act, err := tx.GetActivity(ctx, activityID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: activity %d", ErrNotFound, activityID)
		}
		if err != nil {
			return storageErr("get activity", err)
		}

		now := t.now()
		rec, err := tx.UpsertActivityCompletion(ctx, userID, activityID, now)
		if err != nil {
			return storageErr("upsert activity completion", err)
		}
		res.Record = rec
		if _, err := tx.AppendEvent(ctx, EventActivityCompleted, ActivityEvent{
			UserID: userID, ActivityID: activityID, LessonID: act.LessonID, AttemptCount: rec.AttemptCount, OccurredAt: now,
		}, now); err != nil {
			return storageErr("append event", err)
		}

		lesson, err := getLesson(ctx, tx, act.LessonID)
		if err != nil {
			return err
		}
		rule, err := loadRule(ctx, tx, userID, lesson)
		if err != nil || !rule.done {
			return err
		}
		lp, err := tx.GetLessonProgress(ctx, userID, lesson.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if rule.video {
				return nil
			}
		case err != nil:
			return storageErr("get lesson progress", err)
		case lp.IsCompleted:
			return nil
		case rule.video && lp.Progress == 0 && lp.LastPositionSeconds == 0:
			return nil
		}
		lr, err := t.writeLessonProgress(ctx, tx, userID, lesson, 100)
		if err != nil {
			return err
		}
		res.LessonCompleted = true
		res.NextLessonID = lr.NextLessonID
		return nil
	})
	if err != nil {
		return ActivityResult{}, classify("record activity completion", err)
	}
	return res, nil
}

// ResetLessonProgress is the administrative reset: progress 0, not
// completed, locked. It is the only write that re-locks a lesson.
func (t *Tracker) ResetLessonProgress(ctx context.Context, userID string, lessonID int64) (store.LessonProgress, error) {
	if err := checkUser(userID); err != nil {
		return store.LessonProgress{}, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return store.LessonProgress{}, err
	}

	var rec store.LessonProgress
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lesson, err := getLesson(ctx, tx, lessonID)
		if err != nil {
			return err
		}
		now := t.now()
		rec, err = tx.ResetLessonProgress(ctx, userID, lessonID, now)
		if err != nil {
			return storageErr("reset lesson progress", err)
		}
		if _, err := tx.AppendEvent(ctx, EventLessonReset, LessonEvent{
			UserID: userID, LessonID: lessonID, CourseID: lesson.CourseID, OccurredAt: now,
		}, now); err != nil {
			return storageErr("append event", err)
		}
		return nil
	})
	if err != nil {
		return store.LessonProgress{}, classify("reset lesson progress", err)
	}
	t.log.Info("lesson progress reset", zap.String("user_id", userID), zap.Int64("lesson_id", lessonID))
	return rec, nil
}
