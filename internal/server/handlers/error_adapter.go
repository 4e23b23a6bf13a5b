package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/slidescan/internal/errors"
)

// ErrorResponder renders an error for a request.
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder ErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the responder used by every handler in
// this package. nil restores the default envelope renderer.
func SetHTTPErrorResponder(fn ErrorResponder) {
	if fn == nil {
		fn = apperrors.RespondWithError
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default envelope renderer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
