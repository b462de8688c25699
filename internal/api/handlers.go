// Package api exposes the storage engine over HTTP. Routes are relative;
// the server mounts them under /v1.
package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
)

// Handler serves the REST API backed by an engine.
type Handler struct {
	engine *engine.Engine
	logger logging.Logger
}

// NewHandler creates an API handler around the given engine.
func NewHandler(eng *engine.Engine, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.GetLogger().Named("api")
	}
	return &Handler{
		engine: eng,
		logger: logger,
	}
}

// RegisterRoutes registers all API routes on the router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/groups", h.CreateGroup).Methods("POST")
	router.HandleFunc("/groups", h.ListGroups).Methods("GET")
	router.HandleFunc("/groups/{group}", h.GetGroup).Methods("GET")
	router.HandleFunc("/groups/{group}", h.DeleteGroup).Methods("DELETE")
	router.HandleFunc("/groups/{group}/clear", h.ClearGroup).Methods("POST")
	router.HandleFunc("/groups/{group}/growth", h.GetGrowthPlan).Methods("GET")

	router.HandleFunc("/groups/{group}/objects", h.UpdateObjects).Methods("PATCH")
	router.HandleFunc("/groups/{group}/objects/{id}", h.CreateObject).Methods("POST")
	router.HandleFunc("/groups/{group}/objects/{id}", h.GetObject).Methods("GET")
	router.HandleFunc("/groups/{group}/objects/{id}", h.UpdateObject).Methods("PUT")
	router.HandleFunc("/groups/{group}/objects/{id}", h.DeleteObject).Methods("DELETE")

	router.HandleFunc("/groups/{group}/keys", h.ListKeys).Methods("GET")
	router.HandleFunc("/groups/{group}/items", h.ListItems).Methods("GET")
	router.HandleFunc("/groups/{group}/extrema", h.GetExtrema).Methods("GET")
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, code := statusForError(err)
	if statusCode == http.StatusInternalServerError {
		h.logger.Error(r.Context(), "Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeErrorResponse(w, statusCode, code, "internal server error")
		return
	}
	writeErrorResponse(w, statusCode, code, err.Error())
}

type createGroupRequest struct {
	Name string `json:"name"`
	models.SizingSpec
}

// groupView pairs the stored manifest with a live usage snapshot.
type groupView struct {
	Manifest models.GroupManifest `json:"manifest"`
	Stats    models.GroupStats    `json:"stats"`
}

type updateResult struct {
	Existed  bool   `json:"existed"`
	Previous []byte `json:"previous"`
}

type objectItem struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type keysResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

type itemsResponse struct {
	Items []objectItem `json:"items"`
	Count int          `json:"count"`
}

type extremaResponse struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// CreateGroup handles POST /groups.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	manifest, err := h.engine.CreateGroup(r.Context(), req.Name, req.SizingSpec)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, manifest)
}

// ListGroups handles GET /groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.engine.StatsAll())
}

// GetGroup handles GET /groups/{group}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	manifest, err := h.engine.Manifest(name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	stats, err := h.engine.Stats(name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, groupView{Manifest: manifest, Stats: stats})
}

// DeleteGroup handles DELETE /groups/{group}.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	if err := h.engine.DropGroup(r.Context(), name); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearGroup handles POST /groups/{group}/clear.
func (h *Handler) ClearGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	removed, err := h.engine.ClearGroup(r.Context(), name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// GetGrowthPlan handles GET /groups/{group}/growth.
func (h *Handler) GetGrowthPlan(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	plan, err := h.engine.GrowthPlan(name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, plan)
}

// CreateObject handles POST /groups/{group}/objects/{id}. The request body
// is the raw object value.
func (h *Handler) CreateObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body")
		return
	}

	if err := h.engine.Create(r.Context(), vars["group"], vars["id"], value); err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"group": vars["group"],
		"key":   vars["id"],
		"size":  len(value),
	})
}

// GetObject handles GET /groups/{group}/objects/{id}, responding with the
// raw object value.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	value, err := h.engine.Read(r.Context(), vars["group"], vars["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

// UpdateObject handles PUT /groups/{group}/objects/{id}. The response
// reports whether the object existed and carries the previous value.
func (h *Handler) UpdateObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body")
		return
	}

	previous, existed, err := h.engine.Update(r.Context(), vars["group"], vars["id"], value)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, updateResult{Existed: existed, Previous: previous})
}

// DeleteObject handles DELETE /groups/{group}/objects/{id}, responding with
// the removed value.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	previous, err := h.engine.Delete(r.Context(), vars["group"], vars["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(previous)
}

// UpdateObjects handles PATCH /groups/{group}/objects with a JSON object of
// id to base64 value. The batch is applied atomically.
func (h *Handler) UpdateObjects(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	var batch map[string][]byte
	if err := parseJSONBody(r, &batch); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if len(batch) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", "batch must not be empty")
		return
	}

	if err := h.engine.UpdateBatch(r.Context(), name, batch); err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"updated": len(batch)})
}

// ListKeys handles GET /groups/{group}/keys?min=&max=&limit=.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	lo, hi, limit, ok := scanParams(w, r)
	if !ok {
		return
	}

	keys, err := h.engine.Keys(name, lo, hi, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, keysResponse{Keys: keys, Count: len(keys)})
}

// ListItems handles GET /groups/{group}/items?min=&max=&limit=.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	lo, hi, limit, ok := scanParams(w, r)
	if !ok {
		return
	}

	entries, err := h.engine.Items(name, lo, hi, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	items := make([]objectItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, objectItem{Key: entry.Key, Value: entry.Value})
	}

	writeJSONResponse(w, http.StatusOK, itemsResponse{Items: items, Count: len(items)})
}

// GetExtrema handles GET /groups/{group}/extrema.
func (h *Handler) GetExtrema(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]

	min, max, err := h.engine.Extrema(name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, extremaResponse{Min: min, Max: max})
}

// scanParams extracts the min/max/limit query parameters shared by the scan
// endpoints. It writes a 400 and returns ok=false when limit is malformed.
func scanParams(w http.ResponseWriter, r *http.Request) (lo, hi string, limit int, ok bool) {
	query := r.URL.Query()
	lo = query.Get("min")
	hi = query.Get("max")

	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return "", "", 0, false
		}
		limit = n
	}

	return lo, hi, limit, true
}
