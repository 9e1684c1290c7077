package handlers

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/vedabase-rag-sync/internal/upload"
)

var targetName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ProgressHandler serves sync checkpoints written by vsync
type ProgressHandler struct {
	dir string
}

// NewProgressHandler reads checkpoints from dir
func NewProgressHandler(dir string) *ProgressHandler {
	return &ProgressHandler{dir: dir}
}

// ProgressResponse summarizes a target's checkpoint
type ProgressResponse struct {
	Target   string           `json:"target"`
	State    upload.State     `json:"state"`
	Progress *upload.Progress `json:"progress,omitempty"`
}

// Progress handles GET /progress/:target
func (h *ProgressHandler) Progress(c echo.Context) error {
	name := c.Param("target")
	if !targetName.MatchString(name) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid target name")
	}

	store := upload.NewFileStore(upload.CheckpointFile(h.dir, name))
	p, err := store.Load()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read checkpoint: "+err.Error())
	}
	if p == nil {
		return c.JSON(http.StatusOK, ProgressResponse{Target: name, State: upload.StateNotStarted})
	}

	return c.JSON(http.StatusOK, ProgressResponse{
		Target:   name,
		State:    p.State,
		Progress: p,
	})
}

// RegisterRoutes registers progress routes
func (h *ProgressHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/progress/:target", h.Progress)
}
