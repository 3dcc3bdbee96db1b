package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrForbidden and ErrRateLimited are the sentinel codes middleware.go's
// auth/rate-limit gates report through WriteErrorWithCode.
var (
	ErrForbidden   = errors.New("forbidden")
	ErrRateLimited = errors.New("rate_limited")
	ErrNotFound    = errors.New("not_found")
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// WriteError writes a JSON error body with a generic "error" code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteErrorWithCode(w, status, nil, message)
}

// WriteErrorWithCode writes a JSON error body, using sentinel's message as
// the machine-readable "code" field when set (falls back to "error").
func WriteErrorWithCode(w http.ResponseWriter, status int, sentinel error, message string) {
	code := "error"
	if sentinel != nil {
		code = sentinel.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Error: message})
}
