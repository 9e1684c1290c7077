package vertex

import (
	"context"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/repository"
	"github.com/vedabase-rag-sync/internal/upload"
	"google.golang.org/api/option"
)

// Ensure IndexTarget implements the sync contracts
var (
	_ upload.Writer    = (*IndexTarget)(nil)
	_ reconcile.Prober = (*IndexTarget)(nil)
)

// datapointUpserter is the subset of aiplatform.IndexClient used for writes.
type datapointUpserter interface {
	UpsertDatapoints(ctx context.Context, req *aiplatformpb.UpsertDatapointsRequest, opts ...gax.CallOption) (*aiplatformpb.UpsertDatapointsResponse, error)
	RemoveDatapoints(ctx context.Context, req *aiplatformpb.RemoveDatapointsRequest, opts ...gax.CallOption) (*aiplatformpb.RemoveDatapointsResponse, error)
	Close() error
}

// datapointReader is the subset of aiplatform.MatchClient used for probes.
type datapointReader interface {
	ReadIndexDatapoints(ctx context.Context, req *aiplatformpb.ReadIndexDatapointsRequest, opts ...gax.CallOption) (*aiplatformpb.ReadIndexDatapointsResponse, error)
	Close() error
}

// IndexTarget streams record embeddings into a Vertex AI Vector Search index.
// Datapoint ids are the record ids behind a fixed prefix; kind and parent
// become restricts so queries can filter on them.
type IndexTarget struct {
	config   Config
	prefix   string
	indexes  datapointUpserter
	matches  datapointReader
	indexRef string
}

// NewIndexTarget connects the index client, and the match client when a
// deployed index is configured for existence probes.
func NewIndexTarget(ctx context.Context, config Config, prefix string) (*IndexTarget, error) {
	if config.ProjectID == "" || config.IndexID == "" {
		return nil, upload.Configuration("vertex target needs a project id and an index id")
	}
	regional := fmt.Sprintf("%s-aiplatform.googleapis.com:443", config.Location)
	indexClient, err := aiplatform.NewIndexClient(ctx, option.WithEndpoint(regional))
	if err != nil {
		return nil, fmt.Errorf("create index client: %w", err)
	}

	t := &IndexTarget{
		config:   config,
		prefix:   prefix,
		indexes:  indexClient,
		indexRef: fmt.Sprintf("projects/%s/locations/%s/indexes/%s", config.ProjectID, config.Location, config.IndexID),
	}
	if config.IndexEndpointID != "" && config.DeployedIndexID != "" {
		matchClient, err := aiplatform.NewMatchClient(ctx, option.WithEndpoint(config.queryEndpoint()))
		if err != nil {
			indexClient.Close()
			return nil, fmt.Errorf("create match client: %w", err)
		}
		t.matches = matchClient
	}
	return t, nil
}

// CanProbe reports whether existence probes are available.
func (t *IndexTarget) CanProbe() bool {
	return t.matches != nil
}

// Close closes the Vertex AI clients
func (t *IndexTarget) Close() error {
	var err error
	if t.matches != nil {
		err = t.matches.Close()
	}
	if cerr := t.indexes.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// WriteBatch upserts one datapoint per record. Vertex upserts replace
// datapoints by id.
func (t *IndexTarget) WriteBatch(ctx context.Context, records []models.SourceRecord) error {
	if _, err := repository.RequireEmbeddings(records); err != nil {
		return err
	}

	datapoints := make([]*aiplatformpb.IndexDatapoint, len(records))
	for i, r := range records {
		datapoints[i] = &aiplatformpb.IndexDatapoint{
			DatapointId:   repository.FormatID(t.prefix, r.ID),
			FeatureVector: r.Embedding,
			Restricts: []*aiplatformpb.IndexDatapoint_Restriction{
				{Namespace: "kind", AllowList: []string{r.Kind}},
				{Namespace: "parent_id", AllowList: []string{fmt.Sprint(r.ParentID)}},
			},
		}
	}

	_, err := t.indexes.UpsertDatapoints(ctx, &aiplatformpb.UpsertDatapointsRequest{
		Index:      t.indexRef,
		Datapoints: datapoints,
	})
	if err != nil {
		return fmt.Errorf("upsert datapoints: %w", err)
	}
	return nil
}

// DeleteIDs removes the datapoints for ids from the index.
func (t *IndexTarget) DeleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	remote := make([]string, len(ids))
	for i, id := range ids {
		remote[i] = repository.FormatID(t.prefix, id)
	}
	_, err := t.indexes.RemoveDatapoints(ctx, &aiplatformpb.RemoveDatapointsRequest{
		Index:        t.indexRef,
		DatapointIds: remote,
	})
	if err != nil {
		return fmt.Errorf("remove datapoints: %w", err)
	}
	return nil
}

// ExistingIDs reads the candidate datapoints back from the deployed index
// and returns the record ids it holds.
func (t *IndexTarget) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if t.matches == nil {
		return nil, upload.Configuration("vertex probes need VERTEX_INDEX_ENDPOINT_ID and VERTEX_DEPLOYED_INDEX_ID")
	}
	remote := make([]string, len(ids))
	for i, id := range ids {
		remote[i] = repository.FormatID(t.prefix, id)
	}

	resp, err := t.matches.ReadIndexDatapoints(ctx, &aiplatformpb.ReadIndexDatapointsRequest{
		IndexEndpoint:   t.config.indexEndpoint(),
		DeployedIndexId: t.config.DeployedIndexID,
		Ids:             remote,
	})
	if err != nil {
		return nil, fmt.Errorf("read index datapoints: %w", err)
	}

	found := make([]int64, 0, len(resp.GetDatapoints()))
	for _, dp := range resp.GetDatapoints() {
		if id, ok := repository.ParseID(t.prefix, dp.GetDatapointId()); ok {
			found = append(found, id)
		}
	}
	return found, nil
}
