package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vedabase-rag-sync/internal/upload"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the pipeline file read when neither --config nor VSYNC_CONFIG is set.
const DefaultPath = "vsync.yaml"

// Target types understood by the pipeline.
const (
	TargetPostgres   = "postgres"
	TargetVertex     = "vertex"
	TargetMilvus     = "milvus"
	TargetChroma     = "chroma"
	TargetEmbeddings = "embeddings"
)

// Config holds configuration for the local store, embeddings and remote targets
type Config struct {
	// Local store
	DatabasePath  string `yaml:"database_path"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	// PostgreSQL
	PostgresURI string `yaml:"postgres_uri"`

	// Embeddings
	EmbeddingProvider   string `yaml:"embedding_provider"` // "vertex", "openai" or "custom"
	EmbeddingServiceURL string `yaml:"embedding_service_url"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	OpenAIAPIKey        string `yaml:"-"`
	OpenAIModel         string `yaml:"openai_model"`
	OpenAIBaseURL       string `yaml:"openai_base_url"`

	// Vertex AI (embeddings and vector search)
	GCPProjectID string `yaml:"gcp_project_id"`
	GCPLocation  string `yaml:"gcp_location"`
	VertexModel  string `yaml:"vertex_model"`

	Segment  SegmentConfig           `yaml:"segment"`
	Defaults TargetConfig            `yaml:"defaults"`
	Targets  map[string]TargetConfig `yaml:"targets"`

	// Path is the pipeline file the config was read from, empty when none existed.
	Path string `yaml:"-"`
}

// SegmentConfig controls ingestion and re-segmentation.
type SegmentConfig struct {
	Metric     string `yaml:"metric"` // "words", "chars" or "tokens"
	MaxSize    int    `yaml:"max_size"`
	TargetSize int    `yaml:"target_size"`
	Kind       string `yaml:"kind"`
}

// TargetConfig describes one remote target and how batches are sent to it.
type TargetConfig struct {
	Type string `yaml:"type"`

	BatchSize         int           `yaml:"batch_size"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	Pause             time.Duration `yaml:"pause"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	ListTimeout       time.Duration `yaml:"list_timeout"`
	Workers           int           `yaml:"workers"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	ReportEvery       int           `yaml:"report_every"`
	Verify            *bool         `yaml:"verify"`

	// IDPrefix is prepended to record ids on vector targets.
	IDPrefix   string `yaml:"id_prefix"`
	Dimensions int    `yaml:"dimensions"`

	// postgres
	Table string `yaml:"table"`

	// milvus, chroma
	Address    string `yaml:"address"`
	Collection string `yaml:"collection"`
	Path       string `yaml:"path"`

	// vertex
	IndexID              string `yaml:"index_id"`
	IndexEndpointID      string `yaml:"index_endpoint_id"`
	DeployedIndexID      string `yaml:"deployed_index_id"`
	PublicEndpointDomain string `yaml:"public_endpoint_domain"`
}

// VerifyEnabled reports whether a verification pass follows each sync.
func (t TargetConfig) VerifyEnabled() bool {
	return t.Verify == nil || *t.Verify
}

var (
	config  *Config
	once    sync.Once
	loadErr error
)

// Load reads the pipeline file once and returns the shared configuration.
// An empty path falls back to VSYNC_CONFIG, then DefaultPath.
func Load(path string) (*Config, error) {
	once.Do(func() {
		config, loadErr = Read(path)
	})
	return config, loadErr
}

// GetConfig returns the singleton configuration instance
func GetConfig() *Config {
	cfg, err := Load("")
	if err != nil {
		log.Printf("Warning: %v; using environment defaults", err)
		cfg = fromEnv()
	}
	return cfg
}

// Read builds a Config from environment defaults overlaid with the pipeline
// file at path. A missing default file is not an error; a missing explicit
// file is.
func Read(path string) (*Config, error) {
	cfg := fromEnv()

	explicit := path != ""
	if !explicit {
		path = getEnv("VSYNC_CONFIG", DefaultPath)
		explicit = os.Getenv("VSYNC_CONFIG") != ""
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	if dir := filepath.Dir(path); dir != "." {
		cfg.DatabasePath = resolve(dir, cfg.DatabasePath)
		cfg.CheckpointDir = resolve(dir, cfg.CheckpointDir)
	}
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func fromEnv() *Config {
	return &Config{
		DatabasePath:  getEnv("VSYNC_DB", "vedabase.db"),
		CheckpointDir: getEnv("CHECKPOINT_DIR", ".vsync"),

		// PostgreSQL
		PostgresURI: getEnv("POSTGRES_URI", ""),

		// Embeddings
		EmbeddingProvider:   getEnv("EMBEDDING_PROVIDER", "vertex"),
		EmbeddingServiceURL: getEnv("EMBEDDING_SERVICE_URL", "http://localhost:8001"),
		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 3072),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", "text-embedding-3-small"),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),

		// Vertex AI
		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),
		GCPLocation:  getEnv("GCP_LOCATION", "us-central1"),
		VertexModel:  getEnv("VERTEX_MODEL", "gemini-embedding-001"),

		Segment: SegmentConfig{
			Metric:     getEnv("SEGMENT_METRIC", "words"),
			MaxSize:    getEnvInt("SEGMENT_MAX_SIZE", 175),
			TargetSize: getEnvInt("SEGMENT_TARGET_SIZE", 125),
			Kind:       getEnv("SEGMENT_KIND", "body"),
		},
		Defaults: TargetConfig{
			BatchSize:    getEnvInt("BATCH_SIZE", 100),
			MaxRetries:   getEnvInt("MAX_RETRIES", 3),
			BaseBackoff:  getEnvDuration("BASE_BACKOFF", time.Second),
			Pause:        getEnvDuration("BATCH_PAUSE", time.Second),
			BatchTimeout: getEnvDuration("BATCH_TIMEOUT", 60*time.Second),
			ListTimeout:  getEnvDuration("LIST_TIMEOUT", 120*time.Second),
			Workers:      getEnvInt("WORKERS", 1),
			ReportEvery:  getEnvInt("REPORT_EVERY", 25),
			IDPrefix:     getEnv("ID_PREFIX", "vedabase_chunk_"),
		},
	}
}

// Target returns the effective settings for the named target: the declared
// entry, then pipeline defaults, then environment values for the target type.
// Undeclared built-in types resolve to themselves.
func (c *Config) Target(name string) (TargetConfig, error) {
	t, ok := c.Targets[name]
	if !ok {
		switch name {
		case TargetPostgres, TargetVertex, TargetMilvus, TargetChroma, TargetEmbeddings:
			t = TargetConfig{Type: name}
		default:
			return TargetConfig{}, fmt.Errorf("unknown target %q (declared: %v)", name, c.TargetNames())
		}
	}
	if t.Type == "" {
		t.Type = name
	}

	d := c.Defaults
	setInt(&t.BatchSize, d.BatchSize)
	setInt(&t.MaxRetries, d.MaxRetries)
	setDuration(&t.BaseBackoff, d.BaseBackoff)
	setDuration(&t.MaxBackoff, d.MaxBackoff)
	setDuration(&t.Pause, d.Pause)
	setDuration(&t.BatchTimeout, d.BatchTimeout)
	setDuration(&t.ListTimeout, d.ListTimeout)
	setInt(&t.Workers, d.Workers)
	setInt(&t.ReportEvery, d.ReportEvery)
	setString(&t.IDPrefix, d.IDPrefix)
	setInt(&t.Dimensions, d.Dimensions)
	if t.RequestsPerSecond == 0 {
		t.RequestsPerSecond = d.RequestsPerSecond
	}
	if t.Verify == nil {
		t.Verify = d.Verify
	}
	setInt(&t.Dimensions, c.EmbeddingDimensions)

	switch t.Type {
	case TargetPostgres:
		setString(&t.Table, getEnv("POSTGRES_TABLE", "chunks"))
	case TargetVertex:
		setString(&t.IndexID, getEnv("VERTEX_INDEX_ID", ""))
		setString(&t.IndexEndpointID, getEnv("VERTEX_INDEX_ENDPOINT_ID", ""))
		setString(&t.DeployedIndexID, getEnv("VERTEX_DEPLOYED_INDEX_ID", ""))
		setString(&t.PublicEndpointDomain, getEnv("VERTEX_PUBLIC_ENDPOINT_DOMAIN", ""))
	case TargetMilvus:
		setString(&t.Address, getEnv("MILVUS_ADDRESS", "localhost:19530"))
		setString(&t.Collection, getEnv("MILVUS_COLLECTION", "vedabase_chunks"))
	case TargetChroma:
		setString(&t.Path, getEnv("CHROMA_PATH", "chromem"))
		setString(&t.Collection, getEnv("CHROMA_COLLECTION", "vedabase_chunks"))
	case TargetEmbeddings:
	default:
		return TargetConfig{}, fmt.Errorf("target %q has unknown type %q", name, t.Type)
	}
	return t, nil
}

// TargetNames lists declared targets in name order.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every missing or invalid setting needed to run against
// the named target. An empty name validates only the shared settings.
func (c *Config) Validate(target string) error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path (VSYNC_DB) is required"))
	}
	if c.Segment.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("segment.max_size must be positive, got %d", c.Segment.MaxSize))
	}
	if c.Segment.TargetSize < 0 || c.Segment.TargetSize > c.Segment.MaxSize {
		errs = append(errs, fmt.Errorf("segment.target_size %d must be within [0, %d]", c.Segment.TargetSize, c.Segment.MaxSize))
	}
	if target == "" {
		return errors.Join(errs...)
	}

	t, err := c.Target(target)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if t.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%s: batch_size must be positive", target))
	}
	if t.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("%s: max_retries must be positive", target))
	}
	if t.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%s: workers must be positive", target))
	}

	switch t.Type {
	case TargetPostgres:
		if c.PostgresURI == "" {
			errs = append(errs, errors.New("POSTGRES_URI is required for the postgres target"))
		}
	case TargetVertex:
		if c.GCPProjectID == "" {
			errs = append(errs, errors.New("GCP_PROJECT_ID is required for the vertex target"))
		}
		if t.IndexID == "" {
			errs = append(errs, errors.New("VERTEX_INDEX_ID is required for the vertex target"))
		}
	case TargetMilvus:
		if t.Dimensions <= 0 {
			errs = append(errs, errors.New("milvus target needs positive dimensions"))
		}
	case TargetEmbeddings:
		errs = append(errs, c.validateEmbeddings()...)
	}
	return errors.Join(errs...)
}

func (c *Config) validateEmbeddings() []error {
	switch c.EmbeddingProvider {
	case "vertex":
		if c.GCPProjectID == "" {
			return []error{errors.New("GCP_PROJECT_ID is required for Vertex AI embeddings")}
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return []error{errors.New("OPENAI_API_KEY is required for OpenAI embeddings")}
		}
	case "custom":
		if c.EmbeddingServiceURL == "" {
			return []error{errors.New("EMBEDDING_SERVICE_URL is required for the custom embedder")}
		}
	default:
		return []error{fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)}
	}
	return nil
}

// CheckpointPath is the progress file for the named target.
func (c *Config) CheckpointPath(target string) string {
	return upload.CheckpointFile(c.CheckpointDir, target)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}
