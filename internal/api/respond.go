package api

import (
	"encoding/json"
	"io"
	"net/http"

	"costops/pkg/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps the error taxonomy onto HTTP
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidationFailed:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindPrecisionError, errors.KindInsufficientData:
		return http.StatusUnprocessableEntity
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindSinkUnavailable, errors.KindTransient, errors.KindCanceled,
		errors.KindDeadlineExceeded, errors.KindDependencyMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: string(errors.KindOf(err))})
}

func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewValidationError("body", "malformed JSON: "+err.Error(), nil)
	}
	return nil
}
