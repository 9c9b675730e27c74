package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"agencyflow/apperr"
	"agencyflow/contract"
	"agencyflow/ratio"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type errorBody struct {
	RequestID string      `json:"requestId"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string, details any) {
	writeJSON(w, status, errorBody{
		RequestID: requestIDFrom(r.Context()),
		Error:     errorDetail{Kind: kind, Message: message, Details: details},
	})
}

// readJSON decodes a single JSON object, rejecting unknown fields, and runs
// struct validation on dst.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, false)
}

// readOptionalJSON is readJSON for endpoints whose body may be absent. An empty
// body leaves dst at its zero value whatever the Content-Length says.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		msg := "invalid JSON body"
		if !errors.Is(err, io.EOF) {
			msg = fmt.Sprintf("invalid JSON body: %v", err)
		}
		writeError(w, r, http.StatusBadRequest, apperr.KindValidation, msg, nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, apperr.KindValidation, "request failed validation", fieldErrors(err))
		return false
	}
	return true
}

func fieldErrors(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, map[string]string{"field": field, "rule": fe.Tag()})
	}
	return out
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindDuplicateSettlement, apperr.KindNotActive, apperr.KindConcurrencyConflict:
		return http.StatusConflict
	case apperr.KindSettlementLocked:
		return http.StatusLocked
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders a service error. Internal errors are logged and
// their message withheld from the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.Kind(err)
	status := statusFor(kind)

	var details any
	var verr *ratio.ValidationError
	var terr *contract.TransitionError
	switch {
	case errors.As(err, &verr):
		details = map[string]any{"check": verr.Check, "entries": verr.Entries}
	case errors.As(err, &terr):
		details = map[string]any{"operation": terr.Op, "from": terr.From}
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log().ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	if kind == apperr.KindConcurrencyConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, r, status, kind, message, details)
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
