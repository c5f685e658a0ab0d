package auth

import (
	"net/http"
	"strings"

	"github.com/example/edu-platform/internal/platform/api"
	"github.com/example/edu-platform/internal/platform/httpserver"
)

// RequireRole admits callers whose role (set by RequireUser) matches one of
// roles, case-insensitively. Everyone else gets 403.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := RoleFromContext(r.Context())
			role = strings.TrimSpace(role)
			for _, want := range roles {
				if role != "" && strings.EqualFold(role, want) {
					next.ServeHTTP(w, r)
					return
				}
			}
			api.Forbidden(w, api.CodeForbidden, "Role "+strings.Join(roles, " or ")+" required",
				httpserver.RequestIDFromContext(r.Context()))
		})
	}
}

// RequireAdmin is RequireRole(RoleAdmin).
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin)(next)
}
