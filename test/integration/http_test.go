package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/lattice-storage/lattice/internal/api"
	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/eventbus"
	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
)

// startAPI serves the full middleware-wrapped API over a real listener.
func startAPI(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := containerdb.Create(filepath.Join(t.TempDir(), "containers.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.FromZap(zaptest.NewLogger(t))
	eng, err := engine.Open(context.Background(), db, eventbus.NewNoopBus(), logger)
	require.NoError(t, err)

	router := mux.NewRouter()
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(api.LoggingMiddleware(logger), api.RateLimitMiddleware(api.NewRateLimiter(rate.Limit(1000), 2000)))
	api.NewHandler(eng, logger).RegisterRoutes(v1)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPRoundTrip(t *testing.T) {
	server := startAPI(t)
	client := server.Client()

	// Create a group
	body := bytes.NewReader([]byte(`{"name":"events","total_shards":3,"max_shard_capacity":100}`))
	resp, err := client.Post(server.URL+"/v1/groups", "application/json", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var manifest models.GroupManifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&manifest))
	resp.Body.Close()
	require.Len(t, manifest.Shards, 3)

	// Write objects through the raw endpoint
	workload := NewWorkload("evt", 11)
	for i := 0; i < 20; i++ {
		req, err := http.NewRequest("POST",
			fmt.Sprintf("%s/v1/groups/events/objects/%s", server.URL, workload.Key(i)),
			bytes.NewReader(workload.Value(i)))
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	// Read one back byte for byte
	resp, err = client.Get(fmt.Sprintf("%s/v1/groups/events/objects/%s", server.URL, workload.Key(7)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, workload.Value(7), got)

	// Batch-update through PATCH
	patch := map[string][]byte{
		workload.Key(3): []byte("patched-3"),
		workload.Key(4): []byte("patched-4"),
	}
	raw, err := json.Marshal(patch)
	require.NoError(t, err)

	req, err := http.NewRequest("PATCH", server.URL+"/v1/groups/events/objects", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get(fmt.Sprintf("%s/v1/groups/events/objects/%s", server.URL, workload.Key(3)))
	require.NoError(t, err)
	got, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("patched-3"), got)

	// Bounded scan
	resp, err = client.Get(fmt.Sprintf("%s/v1/groups/events/keys?min=%s&max=%s",
		server.URL, workload.Key(5), workload.Key(8)))
	require.NoError(t, err)
	var keys struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	resp.Body.Close()
	assert.Equal(t, 4, keys.Count)
	assert.Equal(t, workload.Key(5), keys.Keys[0])
	assert.Equal(t, workload.Key(8), keys.Keys[3])

	// Group stats reflect the writes
	resp, err = client.Get(server.URL + "/v1/groups")
	require.NoError(t, err)
	var all []models.GroupStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	require.Len(t, all, 1)
	assert.Equal(t, "events", all[0].Name)
	assert.Equal(t, 20, all[0].Size)

	// Clear, then drop
	resp, err = client.Post(server.URL+"/v1/groups/events/clear", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cleared))
	resp.Body.Close()
	assert.Equal(t, 20, cleared["removed"])

	req, err = http.NewRequest("DELETE", server.URL+"/v1/groups/events", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get(server.URL + "/v1/groups/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
