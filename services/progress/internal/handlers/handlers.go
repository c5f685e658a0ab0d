package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/edu-platform/internal/platform/api"
	"github.com/example/edu-platform/internal/platform/auth"
	"github.com/example/edu-platform/internal/platform/httpserver"
	"github.com/example/edu-platform/internal/platform/validate"
	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

const (
	CodeUnknownEntity      = "UNKNOWN_ENTITY"
	CodePreconditionFailed = "PRECONDITION_FAILED"

	maxRequestBodyBytes = 1 << 16
)

// Service is the tracker surface the HTTP layer needs.
type Service interface {
	RecordLessonProgress(ctx context.Context, userID string, lessonID int64, progress int) (tracker.LessonResult, error)
	MarkLessonComplete(ctx context.Context, userID string, lessonID int64) (tracker.LessonResult, error)
	RecordPlaybackPosition(ctx context.Context, userID string, lessonID int64, seconds int) (store.LessonProgress, error)
	RecordActivityCompletion(ctx context.Context, userID string, activityID int64) (tracker.ActivityResult, error)
	UnlockLesson(ctx context.Context, userID string, lessonID, currentLessonID int64) (store.LessonProgress, error)
	ResetLessonProgress(ctx context.Context, userID string, lessonID int64) (store.LessonProgress, error)
	LessonsProgress(ctx context.Context, userID string) (tracker.Snapshot, error)
	NextLessonStatus(ctx context.Context, userID string, lessonID int64) (tracker.NextStatus, error)
	CourseProgress(ctx context.Context, userID string, courseID int64) (tracker.CourseView, error)
}

// Publisher queues playback commands. Disabled publishers make the position
// endpoint write synchronously.
type Publisher interface {
	Enabled() bool
	PublishJSON(subject string, payload any) (string, error)
}

type Handler struct {
	svc    Service
	events Publisher
	log    *zap.Logger
}

func New(svc Service, events Publisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, events: events, log: log}
}

// Register mounts the progress API on r. Every route requires a bearer
// token; /v1/admin additionally requires the admin role.
func (h *Handler) Register(r chi.Router, verifier auth.JWTVerifier) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))

		r.Patch("/lessons/complete", h.MarkComplete)
		r.Post("/lessons/progress", h.UpdateProgress)
		r.Post("/lessons/position", h.UpdatePosition)
		r.Post("/lessons/unlock", h.UnlockLesson)
		r.Get("/lessons/{lessonId}/next", h.NextLesson)
		r.Post("/activities/complete", h.CompleteActivity)
		r.Get("/progress", h.Progress)
		r.Get("/courses/{courseId}/progress", h.CourseProgress)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/users/{userId}/lessons/{lessonId}/reset", h.ResetLesson)
		})
	})
}

// caller returns the authenticated user id, writing a 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		api.Unauthorized(w, api.CodeAuthMissing, "authentication required", rid)
		return "", rid, false
	}
	return uid, rid, true
}

// decode validates the body against s and decodes it into dst, writing a 400
// on failure.
func decode(w http.ResponseWriter, r *http.Request, rid string, s *validate.Schema, dst any) bool {
	err := s.DecodeReader(r.Body, maxRequestBodyBytes, dst)
	if err == nil {
		return true
	}
	var ve *validate.ValidationError
	if errors.As(err, &ve) {
		api.BadRequest(w, api.CodeValidationFailed, "Invalid request body", rid, map[string]any{
			"field":  ve.Field,
			"reason": ve.Message,
		})
		return false
	}
	api.BadRequest(w, api.CodeInvalidJSON, "Invalid JSON", rid, nil)
	return false
}

func pathID(w http.ResponseWriter, r *http.Request, rid, name string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		api.BadRequest(w, api.CodeValidationFailed, name+" must be a positive integer", rid, map[string]any{"field": name})
		return 0, false
	}
	return id, true
}

// writeError maps tracker errors to responses. notFound is the status used
// for tracker.ErrNotFound: 400 on writes that name an unknown entity, 404 on
// reads of a missing resource.
func (h *Handler) writeError(w http.ResponseWriter, rid string, notFound int, err error) {
	switch {
	case errors.Is(err, tracker.ErrUnauthenticated):
		api.Unauthorized(w, api.CodeAuthMissing, "authentication required", rid)
	case errors.Is(err, tracker.ErrInvalidInput):
		api.BadRequest(w, api.CodeValidationFailed, err.Error(), rid, nil)
	case errors.Is(err, tracker.ErrNotFound):
		if notFound == http.StatusNotFound {
			api.NotFound(w, api.CodeNotFound, err.Error(), rid)
			return
		}
		api.BadRequest(w, CodeUnknownEntity, err.Error(), rid, nil)
	case errors.Is(err, tracker.ErrPrecondition):
		api.BadRequest(w, CodePreconditionFailed, err.Error(), rid, nil)
	default:
		h.log.Error("progress request failed", zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
	}
}
