// Package auth carries the caller identity resolved by the upstream auth
// layer. The service trusts the X-User-ID header (or the userId query
// parameter, for browsers opening a WebSocket) and rejects requests that
// carry neither.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderUserID = "X-User-ID"
	QueryUserID  = "userId"
)

var ErrNoIdentity = errors.New("missing caller identity")

type contextKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// FromRequest extracts the caller identity from r.
func FromRequest(r *http.Request) (string, error) {
	if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
		return userID, nil
	}
	if userID := strings.TrimSpace(r.URL.Query().Get(QueryUserID)); userID != "" {
		return userID, nil
	}
	return "", ErrNoIdentity
}

// Middleware stores the caller identity on the request context and calls
// onMissing when there is none.
func Middleware(onMissing http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := FromRequest(r)
			if err != nil {
				onMissing(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
