package api

import (
	"errors"
	"log/slog"
	"net/http"

	"coachline/internal/auth"
	"coachline/internal/objectstore"
	"coachline/internal/pipeline"
	"coachline/internal/storage"
)

// RequestError is an error with the HTTP status and machine readable code it
// should be reported with.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e RequestError) Error() string {
	return e.Message
}

func newRequestError(status int, code, message string) RequestError {
	return RequestError{Status: status, Code: code, Message: message}
}

func ValidationError(message string) RequestError {
	return newRequestError(http.StatusBadRequest, "invalid_request", message)
}

func UnauthorizedError(message string) RequestError {
	return newRequestError(http.StatusUnauthorized, "unauthorized", message)
}

func ForbiddenError(message string) RequestError {
	return newRequestError(http.StatusForbidden, "forbidden", message)
}

func NotFoundError(message string) RequestError {
	return newRequestError(http.StatusNotFound, "not_found", message)
}

func MethodNotAllowedError(method string) RequestError {
	return newRequestError(http.StatusMethodNotAllowed, "method_not_allowed", "method "+method+" not allowed")
}

func ConflictError(message string) RequestError {
	return newRequestError(http.StatusConflict, "conflict", message)
}

func ServiceUnavailableError(message string) RequestError {
	return newRequestError(http.StatusServiceUnavailable, "unavailable", message)
}

func InternalError(message string) RequestError {
	return newRequestError(http.StatusInternalServerError, "internal", message)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteRequestError writes err as {"error": {"code", "message"}}.
func WriteRequestError(w http.ResponseWriter, err RequestError) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	code := err.Code
	if code == "" {
		code = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Message}})
}

// WriteError reports err with the given status. RequestErrors keep their
// code; anything else is reported with its message.
func WriteError(w http.ResponseWriter, status int, err error) {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		reqErr.Status = status
		WriteRequestError(w, reqErr)
		return
	}
	WriteRequestError(w, newRequestError(status, "", err.Error()))
}

// classifyError maps service errors onto the HTTP error taxonomy.
func classifyError(err error) RequestError {
	var reqErr RequestError
	var validation *pipeline.ValidationError
	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.As(err, &validation):
		return ValidationError(validation.Error())
	case errors.Is(err, pipeline.ErrUnauthorized),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken):
		return UnauthorizedError("unauthorized")
	case errors.Is(err, pipeline.ErrForbidden):
		return ForbiddenError("forbidden")
	case errors.Is(err, pipeline.ErrVideoNotFound), errors.Is(err, storage.ErrNotFound):
		return NotFoundError("video not found")
	case errors.Is(err, pipeline.ErrUploadNotFound), errors.Is(err, objectstore.ErrObjectNotFound):
		return NotFoundError("uploaded file not found")
	case errors.Is(err, pipeline.ErrInvalidFormat):
		return ValidationError("invalid format")
	case errors.Is(err, pipeline.ErrInvalidState):
		return ValidationError("invalid video state")
	case errors.Is(err, storage.ErrConflict):
		return ConflictError("video was modified concurrently, retry")
	default:
		return InternalError("internal error")
	}
}

// writeServiceError logs server-side failures and writes the mapped error.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	reqErr := classifyError(err)
	if reqErr.Status >= http.StatusInternalServerError {
		requestLogger(r, logger).Error("request failed", "path", r.URL.Path, "error", err)
		if reqErr.Message == "internal error" {
			reqErr.Message = err.Error()
		}
	}
	WriteRequestError(w, reqErr)
}
