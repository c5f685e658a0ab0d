// Package tracker records lesson and activity progress and propagates unlocks
// to the next lesson of a course.
//
// Every write is an upsert on (user, entity). Completing a lesson unlocks its
// immediate successor, ordered by (order, id), inside the same transaction
// under a savepoint: if propagation fails the progress write still commits
// and the lesson is queued in the unlock backlog for the reconciler.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/edu-platform/internal/platform/cache"
	"github.com/example/edu-platform/services/progress/internal/store"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrPrecondition    = errors.New("precondition failed")
	ErrStorage         = errors.New("storage failure")
)

// Outbox event types.
const (
	EventLessonCompleted   = "progress.lesson.completed"
	EventLessonUnlocked    = "progress.lesson.unlocked"
	EventLessonReset       = "progress.lesson.reset"
	EventActivityCompleted = "progress.activity.completed"
)

type Options struct {
	// CatalogTTL bounds how long course ordering is cached.
	CatalogTTL time.Duration
	Now        func() time.Time
}

type Tracker struct {
	store store.Store
	cache *cache.Cache
	log   *zap.Logger
	opts  Options
}

// New builds a Tracker. c may be nil, in which case catalog reads are uncached.
func New(s store.Store, c *cache.Cache, log *zap.Logger, opts Options) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 5 * time.Minute
	}
	return &Tracker{store: s, cache: c, log: log, opts: opts}
}

func (t *Tracker) now() time.Time { return t.opts.Now().UTC() }

// LessonEvent is the outbox payload for lesson events.
type LessonEvent struct {
	UserID     string    `json:"userId"`
	LessonID   int64     `json:"lessonId"`
	CourseID   int64     `json:"courseId,omitempty"`
	Progress   int       `json:"progress"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ActivityEvent is the outbox payload for activity completions.
type ActivityEvent struct {
	UserID       string    `json:"userId"`
	ActivityID   int64     `json:"activityId"`
	LessonID     int64     `json:"lessonId"`
	AttemptCount int       `json:"attemptCount"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	return nil
}

func checkID(name string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidInput, name)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// classify leaves tracker errors intact and turns anything else, such as a
// failed commit, into ErrStorage.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrUnauthenticated, ErrInvalidInput, ErrNotFound, ErrPrecondition, ErrStorage} {
		if errors.Is(err, known) {
			return err
		}
	}
	return storageErr(op, err)
}

func getLesson(ctx context.Context, q store.Queries, lessonID int64) (store.Lesson, error) {
	l, err := q.GetLesson(ctx, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Lesson{}, fmt.Errorf("%w: lesson %d", ErrNotFound, lessonID)
	}
	if err != nil {
		return store.Lesson{}, storageErr("get lesson", err)
	}
	return l, nil
}

// hasVideo reports whether the lesson carries a playable cover video. Empty
// keys and the "none" placeholder mean it does not.
func hasVideo(l store.Lesson) bool {
	key := strings.TrimSpace(l.CoverVideoKey)
	return key != "" && !strings.EqualFold(key, "none")
}

// completionRule is how a lesson completes for one user.
type completionRule struct {
	video      bool
	activities int
	// done is set when every activity of the lesson is completed.
	done bool
}

func loadRule(ctx context.Context, q store.Queries, userID string, lesson store.Lesson) (completionRule, error) {
	acts, err := q.ListLessonActivities(ctx, lesson.ID)
	if err != nil {
		return completionRule{}, storageErr("list activities", err)
	}
	rule := completionRule{video: hasVideo(lesson), activities: len(acts)}
	rule.done, err = allCompleted(ctx, q, userID, lesson.ID, acts)
	if err != nil {
		return completionRule{}, err
	}
	return rule, nil
}

// stored maps reported progress to the value written for the lesson. With
// open activities the lesson stays below 100.
func (r completionRule) stored(progress int) int {
	switch {
	case r.activities == 0:
		return progress
	case r.done:
		return 100
	case progress >= 100:
		return 99
	default:
		return progress
	}
}

// activitiesDone reports whether userID completed every activity of lessonID.
// A lesson without activities is trivially done.
func activitiesDone(ctx context.Context, q store.Queries, userID string, lessonID int64) (bool, error) {
	acts, err := q.ListLessonActivities(ctx, lessonID)
	if err != nil {
		return false, storageErr("list activities", err)
	}
	return allCompleted(ctx, q, userID, lessonID, acts)
}

func allCompleted(ctx context.Context, q store.Queries, userID string, lessonID int64, acts []store.Activity) (bool, error) {
	if len(acts) == 0 {
		return true, nil
	}
	progress, err := q.ListActivityProgressForLesson(ctx, userID, lessonID)
	if err != nil {
		return false, storageErr("list activity progress", err)
	}
	completed := make(map[int64]bool, len(progress))
	for _, p := range progress {
		completed[p.ActivityID] = p.IsCompleted
	}
	for _, a := range acts {
		if !completed[a.ID] {
			return false, nil
		}
	}
	return true, nil
}

// SubjectPlayback carries PlaybackCommand messages for asynchronous
// playback position writes.
const SubjectPlayback = "progress.playback"

// PlaybackCommand is the queued form of RecordPlaybackPosition.
type PlaybackCommand struct {
	UserID   string `json:"userId"`
	LessonID int64  `json:"lessonId"`
	Seconds  int    `json:"seconds"`
}
