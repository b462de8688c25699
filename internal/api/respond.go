package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/storage"
)

// ErrorResponse is the envelope returned for every non-2xx response.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSONResponse(w, statusCode, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// parseJSONBody decodes a JSON request body, rejecting unknown fields.
func parseJSONBody(r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return fmt.Errorf("content-type must be application/json")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// statusForError maps engine and storage sentinels onto an HTTP status and
// a machine-readable code. Unrecognized errors fall through to 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrGroupNotFound):
		return http.StatusNotFound, "GROUP_NOT_FOUND"
	case errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound, "OBJECT_NOT_FOUND"
	case errors.Is(err, storage.ErrEmptyGroup):
		return http.StatusNotFound, "GROUP_EMPTY"
	case errors.Is(err, engine.ErrGroupExists):
		return http.StatusConflict, "GROUP_EXISTS"
	case errors.Is(err, engine.ErrObjectExists):
		return http.StatusConflict, "OBJECT_EXISTS"
	case errors.Is(err, storage.ErrCapacityExceeded):
		return http.StatusInsufficientStorage, "CAPACITY_EXCEEDED"
	case errors.Is(err, engine.ErrInvalidGroupName),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrNoSizing),
		errors.Is(err, storage.ErrInvalidLayout),
		errors.Is(err, storage.ErrSizeBelowLayout),
		errors.Is(err, storage.ErrDuplicateShardID):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
