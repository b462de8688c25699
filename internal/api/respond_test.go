package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/storage"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrGroupNotFound, http.StatusNotFound, "GROUP_NOT_FOUND"},
		{storage.ErrKeyNotFound, http.StatusNotFound, "OBJECT_NOT_FOUND"},
		{storage.ErrEmptyGroup, http.StatusNotFound, "GROUP_EMPTY"},
		{engine.ErrGroupExists, http.StatusConflict, "GROUP_EXISTS"},
		{engine.ErrObjectExists, http.StatusConflict, "OBJECT_EXISTS"},
		{storage.ErrCapacityExceeded, http.StatusInsufficientStorage, "CAPACITY_EXCEEDED"},
		{engine.ErrInvalidGroupName, http.StatusBadRequest, "VALIDATION_ERROR"},
		{storage.ErrInvalidKey, http.StatusBadRequest, "VALIDATION_ERROR"},
		{storage.ErrNoSizing, http.StatusBadRequest, "VALIDATION_ERROR"},
		{storage.ErrInvalidLayout, http.StatusBadRequest, "VALIDATION_ERROR"},
		{storage.ErrSizeBelowLayout, http.StatusBadRequest, "VALIDATION_ERROR"},
		{storage.ErrDuplicateShardID, http.StatusBadRequest, "VALIDATION_ERROR"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			// Mapping must see through wrapping
			status, code := statusForError(fmt.Errorf("context: %w", tt.err))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestParseJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"name":"x"}`)))
		req.Header.Set("Content-Type", "application/json")

		var p payload
		require.NoError(t, parseJSONBody(req, &p))
		assert.Equal(t, "x", p.Name)
	})

	t.Run("charset suffix accepted", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"name":"x"}`)))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		var p payload
		assert.NoError(t, parseJSONBody(req, &p))
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"name":"x"}`)))
		req.Header.Set("Content-Type", "text/plain")

		var p payload
		assert.Error(t, parseJSONBody(req, &p))
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"name":"x","extra":1}`)))
		req.Header.Set("Content-Type", "application/json")

		var p payload
		assert.Error(t, parseJSONBody(req, &p))
	})
}
