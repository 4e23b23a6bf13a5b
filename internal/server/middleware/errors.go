// Package middleware holds the HTTP middleware chain of the slidescan
// server.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/slidescan/internal/errors"
	"github.com/3leaps/slidescan/internal/observability"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns panics into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := apperrors.RequestIDFromContext(r.Context())
			observability.ServerLogger.Error("Handler panic",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			appErr := apperrors.New(http.StatusInternalServerError, apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			writeErrorResponse(w, appErr.Response(requestID), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name used by the router setup.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, resp ErrorResponse, statusCode int) {
	apperrors.WriteJSON(w, statusCode, resp)
}
