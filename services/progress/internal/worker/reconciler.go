// Package worker holds the progress service's background loops: the
// asynchronous playback consumer and the unlock backlog reconciler.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

// Backlog is the store's view of lessons whose successor still needs
// unlocking.
type Backlog interface {
	ListBacklog(ctx context.Context, limit int) ([]store.BacklogEntry, error)
	ResolveBacklog(ctx context.Context, userID string, lessonID int64) error
	FailBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error
}

type Unlocker interface {
	UnlockNext(ctx context.Context, userID string, lessonID int64) (*int64, error)
}

// Reconciler retries failed unlock propagation.
type Reconciler struct {
	Log       *zap.Logger
	Backlog   Backlog
	Unlocker  Unlocker
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

func NewReconciler(log *zap.Logger, backlog Backlog, unlocker Unlocker, interval time.Duration) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		Log:       log,
		Backlog:   backlog,
		Unlocker:  unlocker,
		Interval:  interval,
		BatchSize: 100,
		Now:       time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil {
				r.Log.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce retries one batch of backlog entries. Entries whose lesson no
// longer resolves are dropped along with the repaired ones.
func (r *Reconciler) RunOnce(ctx context.Context) (resolved, failed int, err error) {
	entries, err := r.Backlog.ListBacklog(ctx, r.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return resolved, failed, ctx.Err()
		}

		next, uerr := r.Unlocker.UnlockNext(ctx, e.UserID, e.LessonID)
		if uerr != nil && !errors.Is(uerr, tracker.ErrNotFound) && !errors.Is(uerr, tracker.ErrInvalidInput) {
			failed++
			r.Log.Warn("unlock retry failed",
				zap.String("user_id", e.UserID),
				zap.Int64("lesson_id", e.LessonID),
				zap.Int("attempts", e.Attempts+1),
				zap.Error(uerr),
			)
			if err := r.Backlog.FailBacklog(ctx, e.UserID, e.LessonID, uerr.Error(), r.Now().UTC()); err != nil {
				return resolved, failed, err
			}
			continue
		}

		if err := r.Backlog.ResolveBacklog(ctx, e.UserID, e.LessonID); err != nil {
			return resolved, failed, err
		}
		resolved++
		fields := []zap.Field{zap.String("user_id", e.UserID), zap.Int64("lesson_id", e.LessonID)}
		switch {
		case uerr != nil:
			r.Log.Warn("unlock backlog entry dropped", append(fields, zap.Error(uerr))...)
		case next != nil:
			r.Log.Info("unlock backlog repaired", append(fields, zap.Int64("unlocked_lesson_id", *next))...)
		default:
			r.Log.Info("unlock backlog repaired", fields...)
		}
	}
	return resolved, failed, nil
}
