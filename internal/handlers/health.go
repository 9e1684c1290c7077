package handlers

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
)

// Pinger is satisfied by *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checkpoint directory states reported by /health
const (
	CheckpointsReadable = "readable"
	CheckpointsMissing  = "missing"
	CheckpointsError    = "error"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	backend       string
	checkpointDir string
	db            Pinger
}

// NewHealthHandler creates a new health handler. db may be nil when the
// deployment runs without Postgres.
func NewHealthHandler(backend, checkpointDir string, db Pinger) *HealthHandler {
	return &HealthHandler{backend: backend, checkpointDir: checkpointDir, db: db}
}

// HealthResponse is the response for basic health check
type HealthResponse struct {
	Status        string `json:"status"`
	VectorBackend string `json:"vector_backend"`
	Checkpoints   string `json:"checkpoints"`
	// Targets counts the progress files found in the checkpoint directory.
	Targets int `json:"targets"`
}

// DatabaseHealthResponse is the response for database health check
type DatabaseHealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// checkpoints reports whether the sync progress files can be served. A
// directory that does not exist yet means no sync has run.
func (h *HealthHandler) checkpoints() (string, int) {
	entries, err := os.ReadDir(h.checkpointDir)
	if errors.Is(err, fs.ErrNotExist) {
		return CheckpointsMissing, 0
	}
	if err != nil {
		return CheckpointsError, 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".progress.json") {
			n++
		}
	}
	return CheckpointsReadable, n
}

// Health handles GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	state, targets := h.checkpoints()
	resp := HealthResponse{
		Status:        "healthy",
		VectorBackend: h.backend,
		Checkpoints:   state,
		Targets:       targets,
	}
	if state == CheckpointsError {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

// PostgresHealth handles GET /health/postgres
func (h *HealthHandler) PostgresHealth(c echo.Context) error {
	if h.db == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not_configured",
			"error":  "PostgreSQL is not configured",
		})
	}

	if err := h.db.PingContext(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
	}

	return c.JSON(http.StatusOK, DatabaseHealthResponse{
		Status:   "connected",
		Database: "postgres",
	})
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/health", h.Health)
	g.GET("/health/postgres", h.PostgresHealth)
}
