package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/go-playground/validator/v10"
)

// MaxRequestBody bounds every JSON request body.
var MaxRequestBody int64 = 16 << 20

const ErrorTypeAuthentication = "AUTHENTICATION_FAILED"

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindUnauthorized:
		return http.StatusForbidden
	case fault.KindAlreadyInitialized:
		return http.StatusConflict
	case fault.KindInvalidState:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (c *Core) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps err onto a status code by its fault kind. Internal errors
// are logged and their detail is withheld from the caller.
func (c *Core) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	message := err.Error()
	if kind == fault.KindInternal {
		c.logger.Error("Request failed", "error", err)
		message = http.StatusText(http.StatusInternalServerError)
	}
	c.writeJSON(w, statusForKind(kind), models.ErrorResponse{
		ErrorType: string(kind),
		Message:   message,
	})
}

func (c *Core) writeAuthFailure(w http.ResponseWriter) {
	c.writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{
		ErrorType: ErrorTypeAuthentication,
		Message:   "Authentication failed. Invalid or missing API key.",
	})
}

// decodeRequest reads a POSTed JSON body into v and validates it. It writes
// the error response itself and reports whether the handler may continue.
func (c *Core) decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.writeError(w, &fault.InvalidState{Reason: "request body too large"})
			return false
		}
		c.logger.Debug("Could not read request body", "path", r.URL.Path, "error", err)
		c.writeError(w, &fault.InvalidState{Reason: "unreadable request body"})
		return false
	}

	if err := json.Unmarshal(bodyBytes, v); err != nil {
		c.writeError(w, &fault.InvalidState{Reason: "invalid JSON payload: " + err.Error()})
		return false
	}

	if err := c.validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			c.writeError(w, err)
			return false
		}
		c.writeError(w, &fault.InvalidState{Reason: err.Error()})
		return false
	}
	return true
}
