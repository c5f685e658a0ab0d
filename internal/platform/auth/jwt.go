// Package auth is the boundary to the external identity provider. Requests
// carry an HS256 bearer token whose subject is the opaque user id; the role
// claim gates administrative routes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/edu-platform/internal/platform/api"
	"github.com/example/edu-platform/internal/platform/httpserver"
)

const RoleAdmin = "admin"

type ctxKeyIdentity struct{}

// Identity is what the identity provider vouches for on the current request.
type Identity struct {
	UserID string
	Role   string
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	if !ok || strings.TrimSpace(v.UserID) == "" {
		return Identity{}, false
	}
	return v, true
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	return id.UserID, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.Role == "" {
		return "", false
	}
	return id.Role, true
}

// WithIdentity injects an identity into ctx. Useful for testing.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

// WithUserID injects a plain user identity into ctx. Useful for testing.
func WithUserID(ctx context.Context, uid string) context.Context {
	return WithIdentity(ctx, Identity{UserID: uid})
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type JWTVerifier struct {
	Secret []byte
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Mint signs a token for subject. It backs local tooling; production tokens
// come from the identity provider.
func (v JWTVerifier) Mint(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

// RequireUser validates the bearer token and injects the caller's identity.
// Anything else is rejected with 401 before the handler runs.
func RequireUser(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := httpserver.RequestIDFromContext(r.Context())
			token, ok := bearerToken(r)
			if !ok {
				api.Unauthorized(w, api.CodeAuthMissing, "Missing auth", rid)
				return
			}
			claims, err := verifier.Parse(token)
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				api.Unauthorized(w, api.CodeAuthMissing, "Invalid token", rid)
				return
			}
			ctx := WithIdentity(r.Context(), Identity{
				UserID: claims.Subject,
				Role:   strings.TrimSpace(claims.Role),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}
