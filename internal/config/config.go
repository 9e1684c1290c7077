package config

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
)

// Config holds all application configuration
type Config struct {
	// API Settings
	APITitle   string
	APIVersion string
	APIPrefix  string
	Port       string

	// CORS
	CORSOrigins []string

	// Vector Search Backend: "pgvector", "vertex", "milvus" or "chroma"
	VectorBackend string

	// ChunkTable is the Postgres table sync writes chunks to
	ChunkTable string
	// IDPrefix is prepended to chunk ids on vector index backends
	IDPrefix string
	// CheckpointDir holds the sync progress files served by /progress
	CheckpointDir string

	// Vertex AI Vector Search settings (used when VectorBackend = "vertex")
	VertexProjectID            string
	VertexLocation             string
	VertexIndexEndpointID      string
	VertexDeployedIndexID      string
	VertexPublicEndpointDomain string

	// Milvus and chromem settings
	MilvusAddress    string
	MilvusCollection string
	ChromaPath       string
	ChromaCollection string
}

var (
	config *Config
	once   sync.Once
)

// GetConfig returns the singleton configuration instance
func GetConfig() *Config {
	once.Do(func() {
		config = loadConfig()
	})
	return config
}

func loadConfig() *Config {
	return &Config{
		APITitle:    getEnv("API_TITLE", "Vedabase Search API"),
		APIVersion:  getEnv("API_VERSION", "1.0.0"),
		APIPrefix:   getEnv("API_PREFIX", "/api/v1"),
		Port:        getEnv("PORT", "8081"),
		CORSOrigins: parseCORSOrigins(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),

		// Vector search backend configuration
		VectorBackend: getEnv("VECTOR_BACKEND", "pgvector"),

		ChunkTable:    getEnv("POSTGRES_TABLE", "chunks"),
		IDPrefix:      getEnv("ID_PREFIX", "vedabase_chunk_"),
		CheckpointDir: getEnv("CHECKPOINT_DIR", ".vsync"),

		// Vertex AI settings
		VertexProjectID:            getEnv("VERTEX_PROJECT_ID", getEnv("GCP_PROJECT_ID", "")),
		VertexLocation:             getEnv("VERTEX_LOCATION", getEnv("GCP_LOCATION", "us-central1")),
		VertexIndexEndpointID:      getEnv("VERTEX_INDEX_ENDPOINT_ID", ""),
		VertexDeployedIndexID:      getEnv("VERTEX_DEPLOYED_INDEX_ID", ""),
		VertexPublicEndpointDomain: getEnv("VERTEX_PUBLIC_ENDPOINT_DOMAIN", ""),

		MilvusAddress:    getEnv("MILVUS_ADDRESS", "localhost:19530"),
		MilvusCollection: getEnv("MILVUS_COLLECTION", "vedabase_chunks"),
		ChromaPath:       getEnv("CHROMA_PATH", "chromem"),
		ChromaCollection: getEnv("CHROMA_COLLECTION", "vedabase_chunks"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseCORSOrigins(value string) []string {
	var origins []string
	if err := json.Unmarshal([]byte(value), &origins); err == nil {
		return origins
	}
	parts := strings.Split(value, ",")
	origins = make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
