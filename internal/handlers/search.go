package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/services"
)

// Searcher is the search surface the handlers need
type Searcher interface {
	SearchChunksCitations(ctx context.Context, query string, topK int) ([]models.Citation, error)
	SearchKeywords(ctx context.Context, query string, topK int) ([]models.KeywordMatch, error)
}

var _ Searcher = (*services.VectorSearchService)(nil)

// SearchHandler handles search endpoints
type SearchHandler struct {
	search Searcher
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(search Searcher) *SearchHandler {
	return &SearchHandler{
		search: search,
	}
}

func clampLimit(v, def int) int {
	if v <= 0 || v > 50 {
		return def
	}
	return v
}

// SemanticSearch handles POST /search - semantic chunk search
func (h *SearchHandler) SemanticSearch(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.SemanticSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	}

	citations, err := h.search.SearchChunksCitations(ctx, req.Query, clampLimit(req.Limit, 10))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Search failed: "+err.Error())
	}

	return c.JSON(http.StatusOK, models.SemanticSearchResponse{
		Query:   req.Query,
		Results: citations,
	})
}

// HybridSearch handles POST /search/hybrid - semantic plus keyword matches
func (h *SearchHandler) HybridSearch(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.HybridSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	}

	citations, err := h.search.SearchChunksCitations(ctx, req.Query, clampLimit(req.ChunkLimit, 10))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Search failed: "+err.Error())
	}

	// Keyword matches are best effort
	keywords, err := h.search.SearchKeywords(ctx, req.Query, clampLimit(req.KeywordLimit, 5))
	if err != nil {
		c.Logger().Warnf("Keyword search failed: %v", err)
		keywords = []models.KeywordMatch{}
	}

	return c.JSON(http.StatusOK, models.HybridSearchResponse{
		Query: req.Query,
		KeywordMatches: models.KeywordMatches{
			Chunks: keywords,
		},
		SemanticMatches: models.SemanticMatches{
			Chunks: citations,
		},
	})
}

// RegisterRoutes registers search routes
func (h *SearchHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/search", h.SemanticSearch)
	g.POST("/search/hybrid", h.HybridSearch)
}
