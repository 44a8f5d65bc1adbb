package server

import (
	"net/http"

	"coachline/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	api.WriteRequestError(w, api.RequestError{Status: status, Code: code, Message: message})
}
