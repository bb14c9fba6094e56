package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/luciadecode/lucia-billing/pkg/logger"
)

const (
	requestIDHeader  = "X-Request-Id"
	maxRequestIDSize = 128
)

// RequestID propagates the caller's X-Request-Id or assigns a new one.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if reqID == "" || len(reqID) > maxRequestIDSize {
				reqID = uuid.NewString()
			}

			w.Header().Set(requestIDHeader, reqID)

			ctx := withRequestID(r.Context(), reqID)
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
