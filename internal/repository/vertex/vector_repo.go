package vertex

import (
	"context"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/repository"
	"google.golang.org/api/option"
)

// Ensure VectorSearchRepository implements repository.VectorSearchRepository
var _ repository.VectorSearchRepository = (*VectorSearchRepository)(nil)

// Config holds Vertex AI Vector Search configuration
type Config struct {
	ProjectID            string // GCP project ID
	Location             string // e.g., "us-central1"
	IndexID              string // Index receiving upserts
	IndexEndpointID      string // Deployed index endpoint ID
	DeployedIndexID      string // The deployed index ID within the endpoint
	PublicEndpointDomain string // Public endpoint domain for queries (e.g., "123.us-central1-456.vdb.vertexai.goog")
}

// queryEndpoint is the public domain when set, otherwise the regional endpoint.
func (c Config) queryEndpoint() string {
	if c.PublicEndpointDomain != "" {
		return fmt.Sprintf("%s:443", c.PublicEndpointDomain)
	}
	return fmt.Sprintf("%s-aiplatform.googleapis.com:443", c.Location)
}

func (c Config) indexEndpoint() string {
	return fmt.Sprintf("projects/%s/locations/%s/indexEndpoints/%s", c.ProjectID, c.Location, c.IndexEndpointID)
}

// neighborFinder is the subset of aiplatform.MatchClient used for queries.
type neighborFinder interface {
	FindNeighbors(ctx context.Context, req *aiplatformpb.FindNeighborsRequest, opts ...gax.CallOption) (*aiplatformpb.FindNeighborsResponse, error)
	Close() error
}

// VectorSearchRepository implements repository.VectorSearchRepository using Vertex AI Vector Search
type VectorSearchRepository struct {
	config      Config
	prefix      string
	matchClient neighborFinder
	db          *sqlx.DB // Used to look up chunk text after getting IDs from Vertex AI
	table       string
}

// NewVectorSearchRepository creates a new Vertex AI vector search repository.
// Chunk text is read back from table, the Postgres copy of the synced records.
func NewVectorSearchRepository(ctx context.Context, config Config, prefix string, db *sqlx.DB, table string) (*VectorSearchRepository, error) {
	matchClient, err := aiplatform.NewMatchClient(ctx, option.WithEndpoint(config.queryEndpoint()))
	if err != nil {
		return nil, fmt.Errorf("create match client: %w", err)
	}

	return &VectorSearchRepository{
		config:      config,
		prefix:      prefix,
		matchClient: matchClient,
		db:          db,
		table:       pq.QuoteIdentifier(table),
	}, nil
}

// Close closes the Vertex AI client
func (r *VectorSearchRepository) Close() error {
	if r.matchClient != nil {
		return r.matchClient.Close()
	}
	return nil
}

// SearchChunksByEmbedding performs vector similarity search using Vertex AI Vector Search
func (r *VectorSearchRepository) SearchChunksByEmbedding(ctx context.Context, embedding []float64, topK int) ([]models.ScoredChunk, error) {
	req := &aiplatformpb.FindNeighborsRequest{
		IndexEndpoint:   r.config.indexEndpoint(),
		DeployedIndexId: r.config.DeployedIndexID,
		Queries: []*aiplatformpb.FindNeighborsRequest_Query{
			{
				Datapoint: &aiplatformpb.IndexDatapoint{
					FeatureVector: models.Float32Slice(embedding),
				},
				NeighborCount: int32(topK),
			},
		},
	}

	resp, err := r.matchClient.FindNeighbors(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("find neighbors: %w", err)
	}
	if len(resp.GetNearestNeighbors()) == 0 {
		return []models.ScoredChunk{}, nil
	}

	neighbors := resp.GetNearestNeighbors()[0].GetNeighbors()
	ids := make([]int64, 0, len(neighbors))
	scores := make(map[int64]float64, len(neighbors))
	for _, neighbor := range neighbors {
		id, ok := repository.ParseID(r.prefix, neighbor.GetDatapoint().GetDatapointId())
		if !ok {
			continue
		}
		ids = append(ids, id)
		// Cosine distance: similarity = 1 - distance
		scores[id] = 1 - neighbor.GetDistance()
	}

	results, err := r.lookupChunks(ctx, ids, scores)
	if err != nil {
		return nil, fmt.Errorf("lookup chunks: %w", err)
	}
	return results, nil
}

// lookupChunks retrieves chunk details from PostgreSQL in neighbor order
func (r *VectorSearchRepository) lookupChunks(ctx context.Context, ids []int64, scores map[int64]float64) ([]models.ScoredChunk, error) {
	if len(ids) == 0 {
		return []models.ScoredChunk{}, nil
	}

	query, args, err := sqlx.In(fmt.Sprintf(`
		SELECT id, parent_id, kind, content
		FROM %s
		WHERE id IN (?)
	`, r.table), ids)
	if err != nil {
		return nil, fmt.Errorf("build IN query: %w", err)
	}
	query = r.db.Rebind(query)

	var rows []models.ScoredChunk
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return orderByNeighbors(ids, rows, scores), nil
}

// orderByNeighbors keeps the relevance order Vertex AI returned and drops
// neighbors with no local row.
func orderByNeighbors(ids []int64, rows []models.ScoredChunk, scores map[int64]float64) []models.ScoredChunk {
	byID := make(map[int64]models.ScoredChunk, len(rows))
	for _, c := range rows {
		c.Score = scores[c.ChunkID]
		byID[c.ChunkID] = c
	}
	results := make([]models.ScoredChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			results = append(results, c)
		}
	}
	return results
}
