package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sashabaranov/go-openai"
	"github.com/vedabase-rag-sync/pkg/schema/config"
)

// openAIBatchLimit is the number of inputs the embeddings endpoint accepts per call.
const openAIBatchLimit = 2048

// OpenAIEmbedder implements Embedder with the OpenAI embeddings API.
// OpenAI models take no task type; queries and documents embed alike.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEmbedder creates an OpenAI embedder from cfg.
func NewOpenAIEmbedder(cfg *config.Config) (*OpenAIEmbedder, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for OpenAI embeddings")
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	model := openai.EmbeddingModel(cfg.OpenAIModel)
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		dimensions: cfg.EmbeddingDimensions,
	}, nil
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string, taskType TaskType) ([]float64, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string, _ TaskType) ([][]float64, error) {
	all := make([][]float64, 0, len(texts))
	for i := 0; i < len(texts); i += openAIBatchLimit {
		end := min(i+openAIBatchLimit, len(texts))
		batch, err := e.create(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	return all, nil
}

func (e *OpenAIEmbedder) create(ctx context.Context, texts []string) ([][]float64, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if e.dimensions > 0 && e.model != openai.AdaEmbeddingV2 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", classifyOpenAIError(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	sort.Slice(resp.Data, func(a, b int) bool { return resp.Data[a].Index < resp.Data[b].Index })
	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}

// classifyOpenAIError exposes the HTTP status of API and transport errors.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
