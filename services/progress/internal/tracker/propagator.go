package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/edu-platform/services/progress/internal/store"
)

// propagate unlocks the successor of lessonID under a savepoint. Failures
// are logged and queued in the unlock backlog; they never fail the caller's
// transaction.
func (t *Tracker) propagate(ctx context.Context, tx store.Tx, userID string, lessonID int64) *int64 {
	var next *int64
	err := tx.Savepoint(ctx, func(ctx context.Context, q store.Queries) error {
		var err error
		next, err = t.unlockNext(ctx, q, userID, lessonID)
		return err
	})
	if err == nil {
		return next
	}

	t.log.Warn("unlock propagation failed",
		zap.String("user_id", userID),
		zap.Int64("lesson_id", lessonID),
		zap.Error(err),
	)
	bErr := tx.Savepoint(ctx, func(ctx context.Context, q store.Queries) error {
		return q.RecordBacklog(ctx, userID, lessonID, err.Error(), t.now())
	})
	if bErr != nil {
		t.log.Error("unlock backlog write failed",
			zap.String("user_id", userID),
			zap.Int64("lesson_id", lessonID),
			zap.Error(bErr),
		)
	}
	return nil
}

// unlockNext unlocks the immediate successor of lessonID for userID and
// returns its id. A lesson without a successor, or an unknown lesson, is a
// no-op.
func (t *Tracker) unlockNext(ctx context.Context, q store.Queries, userID string, lessonID int64) (*int64, error) {
	next, err := q.NextLesson(ctx, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve next lesson: %w", err)
	}

	prev, err := q.GetLessonProgress(ctx, userID, next.ID)
	wasLocked := errors.Is(err, store.ErrNotFound) || (err == nil && prev.IsLocked)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("read next lesson progress: %w", err)
	}

	now := t.now()
	if _, err := q.UnlockLessonProgress(ctx, userID, next.ID, now); err != nil {
		return nil, fmt.Errorf("unlock lesson %d: %w", next.ID, err)
	}
	if wasLocked {
		if _, err := q.AppendEvent(ctx, EventLessonUnlocked, LessonEvent{
			UserID: userID, LessonID: next.ID, CourseID: next.CourseID, OccurredAt: now,
		}, now); err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
	}
	id := next.ID
	return &id, nil
}

// UnlockNext unlocks the successor of lessonID for userID. It returns nil
// when the lesson is the last of its course.
func (t *Tracker) UnlockNext(ctx context.Context, userID string, lessonID int64) (*int64, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return nil, err
	}

	var next *int64
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		next, err = t.unlockNext(ctx, tx, userID, lessonID)
		return err
	})
	if err != nil {
		return nil, classify("unlock next", err)
	}
	return next, nil
}

// UnlockLesson is the explicit unlock request: lessonID must be the
// successor of currentLessonID, which the user must have completed together
// with all of its activities.
func (t *Tracker) UnlockLesson(ctx context.Context, userID string, lessonID, currentLessonID int64) (store.LessonProgress, error) {
	if err := checkUser(userID); err != nil {
		return store.LessonProgress{}, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return store.LessonProgress{}, err
	}
	if err := checkID("currentLessonId", currentLessonID); err != nil {
		return store.LessonProgress{}, err
	}

	var rec store.LessonProgress
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		target, err := getLesson(ctx, tx, lessonID)
		if err != nil {
			return err
		}
		if _, err := getLesson(ctx, tx, currentLessonID); err != nil {
			return err
		}

		cur, err := tx.GetLessonProgress(ctx, userID, currentLessonID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && cur.Progress < 100) {
			return fmt.Errorf("%w: current lesson not completed", ErrPrecondition)
		}
		if err != nil {
			return storageErr("get lesson progress", err)
		}
		done, err := activitiesDone(ctx, tx, userID, currentLessonID)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("%w: not all activities completed", ErrPrecondition)
		}

		next, err := tx.NextLesson(ctx, currentLessonID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && next.ID != target.ID) {
			return fmt.Errorf("%w: lesson %d does not follow lesson %d", ErrPrecondition, lessonID, currentLessonID)
		}
		if err != nil {
			return storageErr("resolve next lesson", err)
		}

		now := t.now()
		wasLocked := true
		if prev, err := tx.GetLessonProgress(ctx, userID, lessonID); err == nil {
			wasLocked = prev.IsLocked
		}
		rec, err = tx.UnlockLessonProgress(ctx, userID, lessonID, now)
		if err != nil {
			return storageErr("unlock lesson", err)
		}
		if wasLocked {
			if _, err := tx.AppendEvent(ctx, EventLessonUnlocked, LessonEvent{
				UserID: userID, LessonID: lessonID, CourseID: target.CourseID, OccurredAt: now,
			}, now); err != nil {
				return storageErr("append event", err)
			}
		}
		return nil
	})
	if err != nil {
		return store.LessonProgress{}, classify("unlock lesson", err)
	}
	return rec, nil
}
