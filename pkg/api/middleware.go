package api

import (
	"context"
	"net/http"
)

type contextKey string

const (
	ctxUserID contextKey = "user_id"
	ctxAdmin  contextKey = "admin"
)

// identity extracts the caller from trusted proxy headers. Requests with
// no identity never reach the orchestrator.
func (a *API) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxAdmin, r.Header.Get("X-Admin-Role") == "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin guards the admin surface.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxUserID).(string)
	return v
}

func isAdmin(r *http.Request) bool {
	v, _ := r.Context().Value(ctxAdmin).(bool)
	return v
}
