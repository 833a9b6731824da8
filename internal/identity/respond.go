package identity

import (
	"context"
	"encoding/json"
	"net/http"
)

const maxJSONBody = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) bool {
	if limit <= 0 {
		limit = maxJSONBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

type contextKey string

const sessionKey contextKey = "session"

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session stored by RequireAuth.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

const requestUserKey contextKey = "request_user"

type requestUser struct {
	id int64
}

// WithRequestUser installs a slot that RequireAuth fills with the
// authenticated user id, so outer middleware can log it after the request.
func WithRequestUser(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestUserKey, &requestUser{})
}

// RequestUserID returns the id recorded by RequireAuth, or 0.
func RequestUserID(ctx context.Context) int64 {
	if ru, ok := ctx.Value(requestUserKey).(*requestUser); ok {
		return ru.id
	}
	return 0
}

func recordRequestUser(ctx context.Context, id int64) {
	if ru, ok := ctx.Value(requestUserKey).(*requestUser); ok {
		ru.id = id
	}
}
