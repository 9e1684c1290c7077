package services

import (
	"context"
	"fmt"
)

// TaskType represents the type of embedding task
type TaskType string

const (
	TaskTypeQuery    TaskType = "RETRIEVAL_QUERY"
	TaskTypeDocument TaskType = "RETRIEVAL_DOCUMENT"
)

// Embedder defines the interface for text embedding operations
type Embedder interface {
	// Embed generates an embedding for a single text with the given task type
	Embed(ctx context.Context, text string, taskType TaskType) ([]float64, error)

	// EmbedBatch generates embeddings for multiple texts with the given task type.
	// The result has one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string, taskType TaskType) ([][]float64, error)
}

// StatusError is a failed embedding call with the HTTP status the provider returned.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embedding error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatusCode returns the provider's status code.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }
