package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/edu-platform/internal/platform/cache"
	"github.com/example/edu-platform/services/progress/internal/store"
)

// Snapshot is every progress record a user has.
type Snapshot struct {
	Lessons    []store.LessonProgress
	Activities []store.ActivityProgress
}

// NextStatus describes the lesson after the current one. LessonID is nil when
// there is none, or when the current lesson is unknown.
type NextStatus struct {
	LessonID   *int64
	IsUnlocked bool
}

// CourseLesson is one row of the course navigation view.
type CourseLesson struct {
	LessonID            int64
	Title               string
	Order               int
	Progress            int
	IsCompleted         bool
	IsLocked            bool
	IsNew               bool
	LastPositionSeconds int
	LastUpdated         *time.Time
}

// CourseView is the course navigation view with the user's summary.
// Progress is the rounded mean of lesson progress over every lesson of the
// course. ContinueLessonID is the first incomplete lesson, or the last lesson
// once all are complete; ContinueLessonNumber is its 1-based position.
// LastUnlockedLessonID is the furthest lesson the user holds an unlocked
// record for, nil when there is none.
type CourseView struct {
	CourseID             int64
	Lessons              []CourseLesson
	TotalLessons         int
	CompletedLessons     int
	Progress             int
	ContinueLessonID     *int64
	ContinueLessonNumber int
	LastUnlockedLessonID *int64
}

func (t *Tracker) LessonsProgress(ctx context.Context, userID string) (Snapshot, error) {
	if err := checkUser(userID); err != nil {
		return Snapshot{}, err
	}
	lessons, err := t.store.ListLessonProgress(ctx, userID)
	if err != nil {
		return Snapshot{}, storageErr("list lesson progress", err)
	}
	acts, err := t.store.ListActivityProgress(ctx, userID)
	if err != nil {
		return Snapshot{}, storageErr("list activity progress", err)
	}
	return Snapshot{Lessons: lessons, Activities: acts}, nil
}

// NextLessonStatus resolves the successor exactly as unlock propagation does
// and reports whether the user has it unlocked.
func (t *Tracker) NextLessonStatus(ctx context.Context, userID string, lessonID int64) (NextStatus, error) {
	if err := checkUser(userID); err != nil {
		return NextStatus{}, err
	}
	if err := checkID("lessonId", lessonID); err != nil {
		return NextStatus{}, err
	}

	next, err := t.store.NextLesson(ctx, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		return NextStatus{}, nil
	}
	if err != nil {
		return NextStatus{}, storageErr("resolve next lesson", err)
	}

	status := NextStatus{LessonID: &next.ID}
	rec, err := t.store.GetLessonProgress(ctx, userID, next.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return NextStatus{}, storageErr("get lesson progress", err)
	default:
		status.IsUnlocked = !rec.IsLocked
	}
	return status, nil
}

// CourseProgress lists the course's lessons in order with the user's state.
// Lessons without a record are locked, except the first, which is implicitly
// unlocked.
func (t *Tracker) CourseProgress(ctx context.Context, userID string, courseID int64) (CourseView, error) {
	if err := checkUser(userID); err != nil {
		return CourseView{}, err
	}
	if err := checkID("courseId", courseID); err != nil {
		return CourseView{}, err
	}

	lessons, err := t.courseLessons(ctx, courseID)
	if err != nil {
		return CourseView{}, storageErr("list course lessons", err)
	}
	if len(lessons) == 0 {
		return CourseView{}, fmt.Errorf("%w: course %d", ErrNotFound, courseID)
	}

	records, err := t.store.ListLessonProgress(ctx, userID)
	if err != nil {
		return CourseView{}, storageErr("list lesson progress", err)
	}
	byLesson := make(map[int64]store.LessonProgress, len(records))
	for _, r := range records {
		byLesson[r.LessonID] = r
	}

	view := CourseView{CourseID: courseID, Lessons: make([]CourseLesson, 0, len(lessons))}
	for i, l := range lessons {
		row := CourseLesson{LessonID: l.ID, Title: l.Title, Order: l.Order}
		if r, ok := byLesson[l.ID]; ok {
			updated := r.LastUpdated
			row.Progress = r.Progress
			row.IsCompleted = r.IsCompleted
			row.IsLocked = r.IsLocked
			row.IsNew = r.IsNew
			row.LastPositionSeconds = r.LastPositionSeconds
			row.LastUpdated = &updated
		} else {
			row.IsLocked = i != 0
			row.IsNew = i == 0
		}
		view.Lessons = append(view.Lessons, row)
	}
	summarize(&view, byLesson)
	return view, nil
}

func summarize(view *CourseView, byLesson map[int64]store.LessonProgress) {
	view.TotalLessons = len(view.Lessons)
	if view.TotalLessons == 0 {
		return
	}
	sum := 0
	for i, l := range view.Lessons {
		sum += l.Progress
		if l.IsCompleted {
			view.CompletedLessons++
		} else if view.ContinueLessonID == nil {
			id := l.LessonID
			view.ContinueLessonID = &id
			view.ContinueLessonNumber = i + 1
		}
		if r, ok := byLesson[l.LessonID]; ok && !r.IsLocked {
			id := l.LessonID
			view.LastUnlockedLessonID = &id
		}
	}
	if view.ContinueLessonID == nil {
		last := view.Lessons[view.TotalLessons-1].LessonID
		view.ContinueLessonID = &last
		view.ContinueLessonNumber = view.TotalLessons
	}
	view.Progress = int(math.Round(float64(sum) / float64(view.TotalLessons)))
}

// CourseCacheKey is the cache key for a course's ordered lessons.
func CourseCacheKey(courseID int64) string {
	return fmt.Sprintf("course:%d:lessons", courseID)
}

func (t *Tracker) courseLessons(ctx context.Context, courseID int64) ([]store.Lesson, error) {
	return cache.Compute(ctx, t.cache, CourseCacheKey(courseID), t.opts.CatalogTTL, func(ctx context.Context) ([]store.Lesson, error) {
		return t.store.ListCourseLessons(ctx, courseID)
	})
}
