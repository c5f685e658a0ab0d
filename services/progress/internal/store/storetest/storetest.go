// Package storetest provides migrated in-memory SQLite stores and a small
// content catalog for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/example/edu-platform/services/progress/internal/store"
)

// Catalog has four courses. Course 7 orders its lessons 41, 42, 43, 44 with
// 44 sharing order 4 with 43 so ties fall back to id. Lesson 50 is a video
// lesson with two activities and is followed by 51; course 9 holds the single
// lesson 60. Lesson 70 has activities but no video and is followed by 71.
var Catalog = store.Catalog{
	Courses: []store.Course{{ID: 7, Title: "Go basics"}, {ID: 8, Title: "Go advanced"}, {ID: 9, Title: "Empty"}, {ID: 10, Title: "Go tooling"}},
	Lessons: []store.Lesson{
		{ID: 43, CourseID: 7, Title: "Interfaces", Order: 4, CoverVideoKey: "videos/43.mp4"},
		{ID: 41, CourseID: 7, Title: "Intro", Order: 2, CoverVideoKey: "videos/41.mp4"},
		{ID: 42, CourseID: 7, Title: "Structs", Order: 3, CoverVideoKey: "videos/42.mp4"},
		{ID: 44, CourseID: 7, Title: "Embedding", Order: 4},
		{ID: 50, CourseID: 8, Title: "Concurrency", Order: 1, CoverVideoKey: "videos/50.mp4"},
		{ID: 51, CourseID: 8, Title: "Channels", Order: 2},
		{ID: 60, CourseID: 9, Title: "Lonely", Order: 1},
		{ID: 70, CourseID: 10, Title: "Modules", Order: 1, CoverVideoKey: "none"},
		{ID: 71, CourseID: 10, Title: "Workspaces", Order: 2, CoverVideoKey: "videos/71.mp4"},
	},
	Activities: []store.Activity{
		{ID: 501, LessonID: 50, Title: "Quiz"},
		{ID: 502, LessonID: 50, Title: "Exercise"},
		{ID: 701, LessonID: 70, Title: "Reading"},
		{ID: 702, LessonID: 70, Title: "Quiz"},
	},
}

// New returns a migrated, empty SQLite store private to t.
func New(t testing.TB) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// Seeded returns New(t) loaded with Catalog.
func Seeded(t testing.TB) *store.SQLite {
	t.Helper()
	s := New(t)
	if err := s.UpsertCatalog(context.Background(), Catalog); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return s
}
