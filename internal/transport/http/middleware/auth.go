package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"eventrelay/internal/security"
	"eventrelay/internal/transport/http/response"
)

type ctxKey string

const (
	ctxUserID   ctxKey = "user_id"
	ctxTenantID ctxKey = "tenant_id"
	ctxRole     ctxKey = "role"
)

type AuthMiddleware struct {
	verifier security.AccessTokenVerifier
}

func NewAuth(verifier security.AccessTokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Require rejects requests without a valid bearer token and stores the
// verified identity on the request context.
func (a *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.parse(r)
		if err != nil {
			reason := "unauthorized"
			if errors.Is(err, security.ErrTokenExpired) {
				reason = "token expired"
			}
			response.Fail(
				w,
				http.StatusUnauthorized,
				"unauthorized",
				reason,
				nil,
				response.RequestIDFromRequest(r),
			)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxTenantID, claims.TenantID)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) parse(r *http.Request) (security.TokenClaims, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(h, "Bearer ") {
		return security.TokenClaims{}, errors.New("missing bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return a.verifier.VerifyAccessToken(raw)
}

func UserID(r *http.Request) string {
	if v, ok := r.Context().Value(ctxUserID).(string); ok {
		return v
	}
	return ""
}

func TenantID(r *http.Request) string {
	if v, ok := r.Context().Value(ctxTenantID).(string); ok {
		return v
	}
	return ""
}

func Role(r *http.Request) string {
	if v, ok := r.Context().Value(ctxRole).(string); ok {
		return v
	}
	return ""
}
