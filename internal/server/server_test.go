package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lattice-storage/lattice/internal/config"
	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/eventbus"
	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         0,
			GRPCPort:     0,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    100,
			RateBurst:    200,
		},
		Telemetry: config.TelemetryConfig{
			Enabled:        false,
			ServiceName:    "test-lattice",
			ServiceVersion: "1.0.0",
		},
	}
}

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()

	db, err := containerdb.Create(filepath.Join(t.TempDir(), "containers.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create container database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng, err := engine.Open(context.Background(), db, eventbus.NewNoopBus(), logging.FromZap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	return eng
}

func TestNew(t *testing.T) {
	cfg := testConfig()
	eng := testEngine(t)
	logger := logging.FromZap(zaptest.NewLogger(t))

	server, err := New(cfg, eng, logger)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	if server == nil {
		t.Fatal("Expected server instance, got nil")
	}

	if server.config != cfg {
		t.Error("Server config not set correctly")
	}

	if server.engine != eng {
		t.Error("Server engine not set correctly")
	}
}

func TestHealthHandler(t *testing.T) {
	server, err := New(testConfig(), testEngine(t), logging.FromZap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	rr := httptest.NewRecorder()
	server.healthHandler(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, rr.Code)
	}

	if contentType := rr.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("Expected content type application/json, got %s", contentType)
	}

	expectedBody := `{"status":"healthy","service":"lattice"}`
	if rr.Body.String() != expectedBody {
		t.Errorf("Expected body %s, got %s", expectedBody, rr.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	server, err := New(testConfig(), testEngine(t), logging.FromZap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	rr := httptest.NewRecorder()
	server.readinessHandler(rr, httptest.NewRequest("GET", "/ready", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, rr.Code)
	}

	expectedBody := `{"status":"ready","service":"lattice","groups":0}`
	if rr.Body.String() != expectedBody {
		t.Errorf("Expected body %s, got %s", expectedBody, rr.Body.String())
	}
}

func TestReadinessHandlerWithoutEngine(t *testing.T) {
	server, err := New(testConfig(), nil, logging.FromZap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	rr := httptest.NewRecorder()
	server.readinessHandler(rr, httptest.NewRequest("GET", "/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status code %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
}

func TestRouterMountsAPI(t *testing.T) {
	server, err := New(testConfig(), testEngine(t), logging.FromZap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	router := server.buildRouter()

	body := `{"name":"alpha","total_shards":2,"max_shard_capacity":100}`
	req := httptest.NewRequest("POST", "/v1/groups", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status code %d, got %d: %s", http.StatusCreated, rr.Code, rr.Body.String())
	}

	var manifest models.GroupManifest
	if err := json.Unmarshal(rr.Body.Bytes(), &manifest); err != nil {
		t.Fatalf("Failed to decode manifest: %v", err)
	}
	if manifest.Name != "alpha" {
		t.Errorf("Expected group alpha, got %s", manifest.Name)
	}

	// Probe endpoints stay outside the /v1 middleware chain
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/ready", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestStartStop(t *testing.T) {
	server, err := New(testConfig(), testEngine(t), logging.FromZap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if err := server.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}
