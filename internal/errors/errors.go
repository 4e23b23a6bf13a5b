// Package errors maps application failures onto the HTTP error envelope.
//
// Every error response has the shape
//
//	{"error":{"code":"NOT_FOUND","message":"...","request_id":"...","details":{...}}}
//
// Handlers return or build an *AppError; RespondWithError renders it.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError is an error with an HTTP status and a machine-readable code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for k, v := range details {
		out.Details[k] = v
	}
	return &out
}

// New creates an AppError.
func New(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

// Wrap creates an AppError around err.
func Wrap(err error, status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message, Err: err}
}

func NewBadRequest(message string) *AppError {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func NewValidationError(message string) *AppError {
	return New(http.StatusBadRequest, CodeValidation, message)
}

func NewNotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func NewMethodNotAllowed(method, path string) *AppError {
	return New(http.StatusMethodNotAllowed, CodeMethodNotAllowed,
		fmt.Sprintf("method %s not allowed for %s", method, path))
}

func NewRateLimited(message string) *AppError {
	return New(http.StatusTooManyRequests, CodeRateLimited, message)
}

func NewServiceUnavailable(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// NewExternalServiceError reports a failing dependency (result storage,
// pipeline scripts).
func NewExternalServiceError(message string) *AppError {
	return New(http.StatusBadGateway, CodeExternalService, message)
}

// WrapInternal wraps err as a 500. The context is accepted for parity with
// request-scoped callers; the request ID is attached when rendered.
func WrapInternal(_ context.Context, err error, message string) *AppError {
	return Wrap(err, http.StatusInternalServerError, CodeInternal, message)
}

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the error envelope written to clients.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Response renders e as an envelope.
func (e *AppError) Response(requestID string) HTTPErrorResponse {
	return HTTPErrorResponse{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: requestID,
		Details:   e.Details,
	}}
}

// AsAppError converts any error into an AppError. Errors that are not
// AppErrors become INTERNAL_ERROR without leaking their text.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, http.StatusInternalServerError, CodeInternal, "internal server error")
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := AsAppError(err)
	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	requestID := ""
	if r != nil {
		requestID = RequestIDFromContext(r.Context())
	}
	WriteJSON(w, status, appErr.Response(requestID))
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// WithRequestID stores the request ID in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
