package handlers

import (
	"net/http"
	"time"

	"github.com/example/edu-platform/internal/platform/api"
	"github.com/example/edu-platform/services/progress/internal/store"
)

type lessonJSON struct {
	LessonID            int64     `json:"lessonId"`
	Progress            int       `json:"progress"`
	IsCompleted         bool      `json:"isCompleted"`
	IsLocked            bool      `json:"isLocked"`
	IsNew               bool      `json:"isNew"`
	LastPositionSeconds int       `json:"lastPositionSeconds"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

type activityJSON struct {
	ActivityID   int64     `json:"activityId"`
	Progress     int       `json:"progress"`
	IsCompleted  bool      `json:"isCompleted"`
	IsLocked     bool      `json:"isLocked"`
	AttemptCount int       `json:"attemptCount"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

type snapshotResponse struct {
	Lessons    []lessonJSON   `json:"lessons"`
	Activities []activityJSON `json:"activities"`
}

type nextResponse struct {
	LessonID   *int64 `json:"lessonId"`
	IsUnlocked bool   `json:"isUnlocked"`
}

type courseLessonJSON struct {
	LessonID            int64      `json:"lessonId"`
	Title               string     `json:"title"`
	Order               int        `json:"order"`
	Progress            int        `json:"progress"`
	IsCompleted         bool       `json:"isCompleted"`
	IsLocked            bool       `json:"isLocked"`
	IsNew               bool       `json:"isNew"`
	LastPositionSeconds int        `json:"lastPositionSeconds"`
	LastUpdated         *time.Time `json:"lastUpdated,omitempty"`
}

type courseResponse struct {
	CourseID             int64              `json:"courseId"`
	Lessons              []courseLessonJSON `json:"lessons"`
	TotalLessons         int                `json:"totalLessons"`
	CompletedLessons     int                `json:"completedLessons"`
	Progress             int                `json:"progress"`
	ContinueLessonID     *int64             `json:"continueLessonId"`
	ContinueLessonNumber int                `json:"continueLessonNumber"`
	LastUnlockedLessonID *int64             `json:"lastUnlockedLessonId"`
}

func toLessonJSON(p store.LessonProgress) lessonJSON {
	return lessonJSON{
		LessonID:            p.LessonID,
		Progress:            p.Progress,
		IsCompleted:         p.IsCompleted,
		IsLocked:            p.IsLocked,
		IsNew:               p.IsNew,
		LastPositionSeconds: p.LastPositionSeconds,
		LastUpdated:         p.LastUpdated,
	}
}

// Progress handles GET /v1/progress.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.LessonsProgress(r.Context(), uid)
	if err != nil {
		h.writeError(w, rid, http.StatusNotFound, err)
		return
	}
	resp := snapshotResponse{
		Lessons:    make([]lessonJSON, 0, len(snap.Lessons)),
		Activities: make([]activityJSON, 0, len(snap.Activities)),
	}
	for _, l := range snap.Lessons {
		resp.Lessons = append(resp.Lessons, toLessonJSON(l))
	}
	for _, a := range snap.Activities {
		resp.Activities = append(resp.Activities, activityJSON{
			ActivityID:   a.ActivityID,
			Progress:     a.Progress,
			IsCompleted:  a.IsCompleted,
			IsLocked:     a.IsLocked,
			AttemptCount: a.AttemptCount,
			LastUpdated:  a.LastUpdated,
		})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// NextLesson handles GET /v1/lessons/{lessonId}/next. An unknown lesson is
// not an error: it yields {lessonId: null, isUnlocked: false}.
func (h *Handler) NextLesson(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	lessonID, ok := pathID(w, r, rid, "lessonId")
	if !ok {
		return
	}
	st, err := h.svc.NextLessonStatus(r.Context(), uid, lessonID)
	if err != nil {
		h.writeError(w, rid, http.StatusBadRequest, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, nextResponse{LessonID: st.LessonID, IsUnlocked: st.IsUnlocked})
}

// CourseProgress handles GET /v1/courses/{courseId}/progress.
func (h *Handler) CourseProgress(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	courseID, ok := pathID(w, r, rid, "courseId")
	if !ok {
		return
	}
	view, err := h.svc.CourseProgress(r.Context(), uid, courseID)
	if err != nil {
		h.writeError(w, rid, http.StatusNotFound, err)
		return
	}
	resp := courseResponse{
		CourseID:             view.CourseID,
		Lessons:              make([]courseLessonJSON, 0, len(view.Lessons)),
		TotalLessons:         view.TotalLessons,
		CompletedLessons:     view.CompletedLessons,
		Progress:             view.Progress,
		ContinueLessonID:     view.ContinueLessonID,
		ContinueLessonNumber: view.ContinueLessonNumber,
		LastUnlockedLessonID: view.LastUnlockedLessonID,
	}
	for _, l := range view.Lessons {
		resp.Lessons = append(resp.Lessons, courseLessonJSON{
			LessonID:            l.LessonID,
			Title:               l.Title,
			Order:               l.Order,
			Progress:            l.Progress,
			IsCompleted:         l.IsCompleted,
			IsLocked:            l.IsLocked,
			IsNew:               l.IsNew,
			LastPositionSeconds: l.LastPositionSeconds,
			LastUpdated:         l.LastUpdated,
		})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
