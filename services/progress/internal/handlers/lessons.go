package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/edu-platform/internal/platform/api"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

type progressResponse struct {
	Success      bool   `json:"success"`
	Progress     int    `json:"progress"`
	IsCompleted  bool   `json:"isCompleted"`
	NextLessonID *int64 `json:"nextLessonId,omitempty"`
}

// MarkComplete handles PATCH /v1/lessons/complete.
func (h *Handler) MarkComplete(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	var req lessonRefRequest
	if !decode(w, r, rid, lessonRefSchema, &req) {
		return
	}
	if _, err := h.svc.MarkLessonComplete(r.Context(), uid, req.LessonID); err != nil {
		h.writeError(w, rid, http.StatusBadRequest, err)
		return
	}
	api.OK(w)
}

// UpdateProgress handles POST /v1/lessons/progress.
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	var req lessonProgressRequest
	if !decode(w, r, rid, lessonProgressSchema, &req) {
		return
	}
	res, err := h.svc.RecordLessonProgress(r.Context(), uid, req.LessonID, req.Progress)
	if err != nil {
		h.writeError(w, rid, http.StatusBadRequest, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, progressResponse{
		Success:      true,
		Progress:     res.Record.Progress,
		IsCompleted:  res.Record.IsCompleted,
		NextLessonID: res.NextLessonID,
	})
}

// UpdatePosition handles POST /v1/lessons/position. With async playback
// enabled the write is queued and answered with 202; a failed publish falls
// back to a synchronous write.
func (h *Handler) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if !decode(w, r, rid, positionSchema, &req) {
		return
	}

	if h.events != nil && h.events.Enabled() {
		eventID, err := h.events.PublishJSON(tracker.SubjectPlayback, tracker.PlaybackCommand{
			UserID:   uid,
			LessonID: req.LessonID,
			Seconds:  req.Seconds,
		})
		if err == nil {
			w.Header().Set("X-Event-ID", eventID)
			api.WriteJSON(w, http.StatusAccepted, api.Success{Success: true})
			return
		}
		h.log.Warn("playback publish failed, writing synchronously",
			zap.String("request_id", rid),
			zap.Error(err),
		)
	}

	if _, err := h.svc.RecordPlaybackPosition(r.Context(), uid, req.LessonID, req.Seconds); err != nil {
		h.writeError(w, rid, http.StatusBadRequest, err)
		return
	}
	api.OK(w)
}

// UnlockLesson handles POST /v1/lessons/unlock.
func (h *Handler) UnlockLesson(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if !decode(w, r, rid, unlockSchema, &req) {
		return
	}
	if _, err := h.svc.UnlockLesson(r.Context(), uid, req.LessonID, req.CurrentLessonID); err != nil {
		h.writeError(w, rid, http.StatusBadRequest, err)
		return
	}
	api.OK(w)
}

// CompleteActivity handles POST /v1/activities/complete.
func (h *Handler) CompleteActivity(w http.ResponseWriter, r *http.Request) {
	uid, rid, ok := caller(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if !decode(w, r, rid, activitySchema, &req) {
		return
	}
	if _, err := h.svc.RecordActivityCompletion(r.Context(), uid, req.ActivityID); err != nil {
		h.writeError(w, rid, http.StatusBadRequest, err)
		return
	}
	api.OK(w)
}

// ResetLesson handles POST /v1/admin/users/{userId}/lessons/{lessonId}/reset.
func (h *Handler) ResetLesson(w http.ResponseWriter, r *http.Request) {
	actor, rid, ok := caller(w, r)
	if !ok {
		return
	}
	target := strings.TrimSpace(chi.URLParam(r, "userId"))
	if target == "" {
		api.BadRequest(w, api.CodeValidationFailed, "userId is required", rid, map[string]any{"field": "userId"})
		return
	}
	lessonID, ok := pathID(w, r, rid, "lessonId")
	if !ok {
		return
	}
	rec, err := h.svc.ResetLessonProgress(r.Context(), target, lessonID)
	if err != nil {
		h.writeError(w, rid, http.StatusNotFound, err)
		return
	}
	h.log.Info("admin reset",
		zap.String("request_id", rid),
		zap.String("admin_id", actor),
		zap.String("user_id", target),
		zap.Int64("lesson_id", lessonID),
	)
	api.WriteJSON(w, http.StatusOK, toLessonJSON(rec))
}
