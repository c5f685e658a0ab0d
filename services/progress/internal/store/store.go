package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by single-row reads when the row does not exist.
var ErrNotFound = errors.New("store: not found")

type Course struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// Lesson is a content catalog row. Lessons are totally ordered within a
// course by (Order, ID).
type Lesson struct {
	ID            int64  `json:"id"`
	CourseID      int64  `json:"courseId"`
	Title         string `json:"title"`
	Order         int    `json:"order"`
	CoverVideoKey string `json:"coverVideoKey,omitempty"`
}

type Activity struct {
	ID       int64  `json:"id"`
	LessonID int64  `json:"lessonId"`
	Title    string `json:"title"`
}

// LessonProgress is the per-user lesson record. IsCompleted is true iff
// Progress is 100.
type LessonProgress struct {
	UserID              string
	LessonID            int64
	Progress            int
	IsCompleted         bool
	IsLocked            bool
	IsNew               bool
	LastPositionSeconds int
	LastUpdated         time.Time
}

type ActivityProgress struct {
	UserID       string
	ActivityID   int64
	Progress     int
	IsCompleted  bool
	IsLocked     bool
	AttemptCount int
	LastUpdated  time.Time
}

// Event is an outbox row awaiting publication.
type Event struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// BacklogEntry records a completed lesson whose successor could not be
// unlocked in the originating write.
type BacklogEntry struct {
	UserID    string
	LessonID  int64
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Catalog is a bulk content load used by seeding and tests.
type Catalog struct {
	Courses    []Course   `json:"courses"`
	Lessons    []Lesson   `json:"lessons"`
	Activities []Activity `json:"activities"`
}

// Queries is everything that can run inside or outside a transaction.
type Queries interface {
	// Catalog reads
	GetLesson(ctx context.Context, lessonID int64) (Lesson, error)
	GetActivity(ctx context.Context, activityID int64) (Activity, error)
	ListCourseLessons(ctx context.Context, courseID int64) ([]Lesson, error)
	// NextLesson returns the immediate successor of lessonID by (order, id)
	// within its course, or ErrNotFound.
	NextLesson(ctx context.Context, lessonID int64) (Lesson, error)
	ListLessonActivities(ctx context.Context, lessonID int64) ([]Activity, error)

	// Progress writes. Every write is a single upsert on the composite key.
	UpsertLessonProgress(ctx context.Context, userID string, lessonID int64, progress int, now time.Time) (LessonProgress, error)
	UnlockLessonProgress(ctx context.Context, userID string, lessonID int64, now time.Time) (LessonProgress, error)
	UpsertPlaybackPosition(ctx context.Context, userID string, lessonID int64, seconds int, now time.Time) (LessonProgress, error)
	UpsertActivityCompletion(ctx context.Context, userID string, activityID int64, now time.Time) (ActivityProgress, error)
	ResetLessonProgress(ctx context.Context, userID string, lessonID int64, now time.Time) (LessonProgress, error)

	// Progress reads
	GetLessonProgress(ctx context.Context, userID string, lessonID int64) (LessonProgress, error)
	ListLessonProgress(ctx context.Context, userID string) ([]LessonProgress, error)
	ListActivityProgress(ctx context.Context, userID string) ([]ActivityProgress, error)
	ListActivityProgressForLesson(ctx context.Context, userID string, lessonID int64) ([]ActivityProgress, error)

	// Bookkeeping
	AppendEvent(ctx context.Context, eventType string, payload any, now time.Time) (Event, error)
	RecordBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error
	// MarkProcessed returns false when eventID was already recorded.
	MarkProcessed(ctx context.Context, eventID, subject string, now time.Time) (bool, error)
}

// Tx is a transaction-scoped Queries.
type Tx interface {
	Queries
	// Savepoint runs fn under a savepoint; when fn fails only its writes are
	// rolled back and the transaction stays usable.
	Savepoint(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}

type Store interface {
	Queries

	// InTx commits when fn returns nil and rolls back otherwise. fn must only
	// use the Tx it is given.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// PublishPending hands up to limit unpublished events, oldest first, to
	// publish and marks each one published after it succeeds. It stops at the
	// first failure and returns the number published with that error.
	PublishPending(ctx context.Context, limit int, publish func(ctx context.Context, ev Event) error) (int, error)

	ListBacklog(ctx context.Context, limit int) ([]BacklogEntry, error)
	ResolveBacklog(ctx context.Context, userID string, lessonID int64) error
	FailBacklog(ctx context.Context, userID string, lessonID int64, cause string, now time.Time) error

	UpsertCatalog(ctx context.Context, c Catalog) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func isCompleted(progress int) bool { return progress >= 100 }

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
