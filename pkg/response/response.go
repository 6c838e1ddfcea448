// Package response writes the orchestrator's JSON bodies and error envelopes.
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	commonerrors "github.com/exchange/saga/pkg/errors"
)

// HeaderRequestID is echoed on every response and recorded as the actor
// reference of administrative overrides.
const HeaderRequestID = "X-Request-ID"

// RequestIDFromRequest prefers the id stored by RequestIDMiddleware and falls
// back to the raw header.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(HeaderRequestID))
}

// WriteError writes err as an error envelope. Anything that is not a
// *errors.Error is reported as INTERNAL without leaking its text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	var ce *commonerrors.Error
	if !errors.As(err, &ce) {
		ce = commonerrors.NewWithDefault(commonerrors.CodeInternal, "")
	}
	payload := *ce
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error envelope for code; an empty message uses the code's default.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
