package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/edu-platform/internal/platform/auth"
	"github.com/example/edu-platform/internal/platform/httpserver"
	"github.com/example/edu-platform/services/progress/internal/store/storetest"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

var testVerifier = auth.JWTVerifier{Secret: []byte("handlers-test-secret-0123456789ab")}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	tr := tracker.New(storetest.Seeded(t), nil, nil, tracker.Options{})
	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	New(tr, nil, nil).Register(r, testVerifier)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body, subject, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if subject != "" {
		tok, err := testVerifier.Mint(subject, role, time.Hour)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// ─── end to end over the router ─────────────────────────────────────────────

func TestRoutes_CompleteUnlocksNext(t *testing.T) {
	h := newRouter(t)

	rr := do(t, h, http.MethodGet, "/v1/lessons/42/next", "", "u1", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "{\"lessonId\":43,\"isUnlocked\":false}\n" {
		t.Fatalf("before completion: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPatch, "/v1/lessons/complete", `{"lessonId":42}`, "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/v1/lessons/42/next", "", "u1", "")
	if rr.Body.String() != "{\"lessonId\":43,\"isUnlocked\":true}\n" {
		t.Fatalf("after completion: %s", rr.Body.String())
	}

	// Another user is unaffected.
	rr = do(t, h, http.MethodGet, "/v1/lessons/42/next", "", "u2", "")
	if rr.Body.String() != "{\"lessonId\":43,\"isUnlocked\":false}\n" {
		t.Fatalf("other user: %s", rr.Body.String())
	}
}

func TestRoutes_ProgressSnapshot(t *testing.T) {
	h := newRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/lessons/progress", `{"lessonId":41,"progress":40}`, "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/v1/progress", "", "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", rr.Code)
	}
	var snap snapshotResponse
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Lessons) != 1 || snap.Lessons[0].LessonID != 41 || snap.Lessons[0].Progress != 40 || snap.Lessons[0].IsCompleted {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRoutes_UnknownLessonIs400(t *testing.T) {
	h := newRouter(t)
	rr := do(t, h, http.MethodPost, "/v1/lessons/progress", `{"lessonId":999,"progress":10}`, "u1", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRoutes_RequireToken(t *testing.T) {
	h := newRouter(t)
	if rr := do(t, h, http.MethodGet, "/v1/progress", "", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRoutes_AdminResetRequiresRole(t *testing.T) {
	h := newRouter(t)
	path := "/v1/admin/users/u1/lessons/42/reset"

	if rr := do(t, h, http.MethodPost, path, "", "u1", "student"); rr.Code != http.StatusForbidden {
		t.Fatalf("student: expected 403, got %d", rr.Code)
	}

	do(t, h, http.MethodPatch, "/v1/lessons/complete", `{"lessonId":42}`, "u1", "")
	rr := do(t, h, http.MethodPost, path, "", "ops", auth.RoleAdmin)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var rec lessonJSON
	if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rec.IsLocked || rec.Progress != 0 || rec.IsCompleted {
		t.Fatalf("expected locked zero record, got %+v", rec)
	}
}

func TestRoutes_CourseProgress(t *testing.T) {
	h := newRouter(t)
	rr := do(t, h, http.MethodGet, "/v1/courses/7/progress", "", "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var view courseResponse
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.CourseID != 7 || len(view.Lessons) != 4 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Lessons[0].LessonID != 41 || view.Lessons[0].IsLocked {
		t.Fatalf("expected first lesson 41 unlocked, got %+v", view.Lessons[0])
	}
	if !view.Lessons[1].IsLocked {
		t.Fatalf("expected second lesson locked, got %+v", view.Lessons[1])
	}
	if view.TotalLessons != 4 || view.CompletedLessons != 0 || view.Progress != 0 {
		t.Fatalf("unexpected summary %+v", view)
	}
	if view.ContinueLessonID == nil || *view.ContinueLessonID != 41 || view.ContinueLessonNumber != 1 {
		t.Fatalf("expected to continue at lesson 41, got %+v", view)
	}
	if view.LastUnlockedLessonID != nil {
		t.Fatalf("expected no unlocked record, got %d", *view.LastUnlockedLessonID)
	}

	if rr := do(t, h, http.MethodPatch, "/v1/lessons/complete", `{"lessonId":41}`, "u1", ""); rr.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/v1/courses/7/progress", "", "u1", "")
	view = courseResponse{}
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.CompletedLessons != 1 || view.Progress != 25 {
		t.Fatalf("expected 1 completed at 25%%, got %+v", view)
	}
	if view.ContinueLessonID == nil || *view.ContinueLessonID != 42 || view.ContinueLessonNumber != 2 {
		t.Fatalf("expected to continue at lesson 42, got %+v", view)
	}
	if view.LastUnlockedLessonID == nil || *view.LastUnlockedLessonID != 42 {
		t.Fatalf("expected lesson 42 as last unlocked, got %+v", view)
	}

	if rr := do(t, h, http.MethodGet, "/v1/courses/404/progress", "", "u1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown course: expected 404, got %d", rr.Code)
	}
}
