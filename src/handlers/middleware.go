package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/utils"
)

type contextKey string

const (
	userIDContextKey    contextKey = "userID"
	requestIDContextKey contextKey = "requestID"
)

// ContextualLoggerMiddleware attaches a request-scoped logger carrying a
// fresh request id to the context.
func ContextualLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		ctxLogger := logger.L.With(slog.String("requestID", requestID))

		ctx := logger.ToContext(r.Context(), ctxLogger)
		ctx = context.WithValue(ctx, requestIDContextKey, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserContextMiddleware resolves the acting user from the X-User-ID
// header set by the authenticating frontend proxy. Authentication itself
// lives outside this service.
func UserContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger := logger.FromContext(r.Context())

		header := r.Header.Get("X-User-ID")
		if header == "" {
			ctxLogger.Debug("Missing X-User-ID header", "path", r.URL.Path)
			utils.SendJSONError(w, "user identity required", http.StatusUnauthorized)
			return
		}
		userID, err := strconv.ParseInt(header, 10, 64)
		if err != nil || userID <= 0 {
			ctxLogger.Warn("Malformed X-User-ID header", "path", r.URL.Path, "value", header)
			utils.SendJSONError(w, "invalid user identity", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		ctx = logger.ToContext(ctx, ctxLogger.With(slog.Int64("userID", userID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserIDFromContext returns the acting user id placed by
// UserContextMiddleware.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDContextKey).(int64)
	return userID, ok
}
