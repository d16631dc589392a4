package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects between a single-node local deployment and a cloud deployment
// backed by managed services. Storage, database, and vector backends switch
// on their own mode so mixed setups (local files + cloud postgres) work.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

// Config is the complete lorekeep configuration shared by the gateway and
// worker roles. Values are resolved in order of increasing precedence:
// defaults, YAML file, environment variables.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Chunking  ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Graph     GraphConfig     `yaml:"graph" json:"graph"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Inference InferenceConfig `yaml:"inference" json:"inference"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
}

// ServerConfig configures the HTTP listeners and logging.
type ServerConfig struct {
	// GatewayAddr is the gateway listen address.
	GatewayAddr string `yaml:"gateway_addr" json:"gateway_addr"`
	// WorkerAddr is the worker listen address.
	WorkerAddr string `yaml:"worker_addr" json:"worker_addr"`
	// WorkerURL is the base URL the gateway uses to reach the worker.
	WorkerURL string `yaml:"worker_url" json:"worker_url"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// StorageConfig configures blob storage for uploaded documents.
type StorageConfig struct {
	// Mode is "local" (filesystem under DataDir) or "cloud" (S3-compatible).
	Mode string `yaml:"mode" json:"mode"`
	// DataDir is the root for local blobs, sqlite files, and vector indexes.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// MaxFileSize is the upload size ceiling in bytes.
	MaxFileSize int64  `yaml:"max_file_size" json:"max_file_size"`
	S3Bucket    string `yaml:"s3_bucket" json:"s3_bucket"`
	S3Region    string `yaml:"s3_region" json:"s3_region"`
	// S3Endpoint overrides the AWS endpoint for MinIO and friends.
	S3Endpoint string `yaml:"s3_endpoint" json:"s3_endpoint"`
}

// DatabaseConfig configures the metadata store.
type DatabaseConfig struct {
	// Mode is "local" (sqlite under DataDir) or "cloud" (postgres via URL).
	Mode string `yaml:"mode" json:"mode"`
	// URL is the postgres DSN, required in cloud mode.
	URL string `yaml:"url" json:"url"`
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	// Mode is "local" (embedded index under DataDir) or "cloud" (pgvector).
	Mode string `yaml:"mode" json:"mode"`
	// Backend selects the local index implementation: "chromem" or "hnsw".
	Backend string `yaml:"backend" json:"backend"`
}

// RetrievalConfig configures hybrid search and reranking.
type RetrievalConfig struct {
	// UseHybrid enables the BM25 leg next to dense search.
	UseHybrid bool `yaml:"use_hybrid" json:"use_hybrid"`
	// UseParentChild projects child hits onto their parent blocks.
	UseParentChild bool `yaml:"use_parent_child" json:"use_parent_child"`
	// RetrievalK is the candidate count fetched per leg.
	RetrievalK int `yaml:"retrieval_k" json:"retrieval_k"`
	// RRFConstant is the reciprocal-rank-fusion smoothing constant.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	UseReranker       bool   `yaml:"use_reranker" json:"use_reranker"`
	UseRemoteReranker bool   `yaml:"use_remote_reranker" json:"use_remote_reranker"`
	RerankerModel     string `yaml:"reranker_model" json:"reranker_model"`
	// RerankTopK is how many fused candidates are sent to the reranker.
	RerankTopK int `yaml:"rerank_top_k" json:"rerank_top_k"`
	// RerankTopN is how many reranked documents survive into the context.
	RerankTopN int `yaml:"rerank_top_n" json:"rerank_top_n"`
	// RerankScoreThreshold drops documents scoring below it. Nil disables
	// threshold filtering; only the top-n cut applies.
	RerankScoreThreshold *float64 `yaml:"rerank_score_threshold" json:"rerank_score_threshold"`

	// BM25CacheSize bounds the per-user keyword index LRU.
	BM25CacheSize int `yaml:"bm25_cache_size" json:"bm25_cache_size"`
	// BM25CacheTTL evicts idle keyword indexes, e.g. "30m".
	BM25CacheTTL string `yaml:"bm25_cache_ttl" json:"bm25_cache_ttl"`
}

// ChunkingConfig configures the parent/child splitter.
type ChunkingConfig struct {
	// ParentChunkSize is the target parent block size in characters.
	ParentChunkSize int `yaml:"parent_chunk_size" json:"parent_chunk_size"`
	// ChildChunkSize is the target child chunk size in characters.
	ChildChunkSize int `yaml:"child_chunk_size" json:"child_chunk_size"`
}

// GraphConfig configures the retrieval graph runtime.
type GraphConfig struct {
	// MaxRetryCount is the rewrite budget ceiling per request.
	MaxRetryCount int `yaml:"max_retry_count" json:"max_retry_count"`

	UseSummarization bool `yaml:"use_summarization" json:"use_summarization"`
	// SummarizationThreshold triggers history compression above this
	// estimated token count.
	SummarizationThreshold int `yaml:"summarization_threshold" json:"summarization_threshold"`
	// SummarizationKeepMessages is how many recent messages survive verbatim.
	SummarizationKeepMessages int `yaml:"summarization_keep_messages" json:"summarization_keep_messages"`
	// SummarizationMaxTokens caps the generated summary length.
	SummarizationMaxTokens int `yaml:"summarization_max_tokens" json:"summarization_max_tokens"`

	UseCheckpoint bool `yaml:"use_checkpoint" json:"use_checkpoint"`
	// CheckpointType is "memory", "sqlite", or "postgres".
	CheckpointType string `yaml:"checkpoint_type" json:"checkpoint_type"`
}

// LLMConfig configures the chat model provider.
type LLMConfig struct {
	// Provider is "openai" or "anthropic".
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	// BaseURL overrides the provider endpoint for compatible gateways.
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

// EmbeddingConfig configures the embedding model.
type EmbeddingConfig struct {
	// Provider is "remote" (inference service), "openai", or "static".
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	// Dim is the embedding dimensionality; vector backends size to it.
	Dim int `yaml:"dim" json:"dim"`
	// BatchSize is texts per embed call during ingestion.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// InferenceConfig configures the remote embed/rerank service.
type InferenceConfig struct {
	APIURL string `yaml:"api_url" json:"api_url"`
	APIKey string `yaml:"api_key" json:"api_key"`
	// Timeout is the per-call HTTP timeout, e.g. "15s".
	Timeout string `yaml:"timeout" json:"timeout"`
}

// AuthConfig configures gateway authentication.
type AuthConfig struct {
	// JWTSecret signs HS256 tokens. Required to run the gateway.
	JWTSecret     string `yaml:"jwt_secret" json:"jwt_secret"`
	JWTExpireDays int    `yaml:"jwt_expire_days" json:"jwt_expire_days"`
}

// IngestConfig configures the ingestion worker pool and drop folder.
type IngestConfig struct {
	// Workers is the pipeline pool size.
	Workers int `yaml:"workers" json:"workers"`
	// QueueSize is the buffered job channel capacity.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// WatchDir enables drop-folder ingestion when set.
	WatchDir string `yaml:"watch_dir" json:"watch_dir"`
	// WatchUserID owns documents ingested from the drop folder.
	WatchUserID string `yaml:"watch_user_id" json:"watch_user_id"`
	// WatchDebounce coalesces rapid file events, e.g. "500ms".
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
}

// CacheConfig configures read-through caching of list endpoints.
type CacheConfig struct {
	// RedisURL switches the cache to redis when set; empty uses in-memory.
	RedisURL string `yaml:"redis_url" json:"redis_url"`
	// TTL is the entry lifetime, e.g. "120s".
	TTL string `yaml:"ttl" json:"ttl"`
}

// NewConfig creates a Config with defaults for a local deployment.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			GatewayAddr: ":8080",
			WorkerAddr:  ":8001",
			WorkerURL:   "http://localhost:8001",
			LogLevel:    "info",
		},
		Storage: StorageConfig{
			Mode:        ModeLocal,
			DataDir:     defaultDataDir(),
			MaxFileSize: 30 * 1024 * 1024,
		},
		Database: DatabaseConfig{
			Mode: ModeLocal,
		},
		Vector: VectorConfig{
			Mode:    ModeLocal,
			Backend: "chromem",
		},
		Retrieval: RetrievalConfig{
			UseHybrid:      true,
			UseParentChild: true,
			RetrievalK:     20,
			// k=60 is the standard RRF smoothing constant
			RRFConstant:       60,
			UseReranker:       true,
			UseRemoteReranker: true,
			RerankerModel:     "bge-reranker-v2-m3",
			RerankTopK:        20,
			RerankTopN:        3,
			BM25CacheSize:     32,
			BM25CacheTTL:      "30m",
		},
		Chunking: ChunkingConfig{
			ParentChunkSize: 1800,
			ChildChunkSize:  450,
		},
		Graph: GraphConfig{
			MaxRetryCount:             3,
			UseSummarization:          true,
			SummarizationThreshold:    8000,
			SummarizationKeepMessages: 20,
			SummarizationMaxTokens:    500,
			UseCheckpoint:             true,
			CheckpointType:            "memory",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   2000,
		},
		Embedding: EmbeddingConfig{
			Provider:  "remote",
			Model:     "bge-m3",
			Dim:       1024,
			BatchSize: 50,
		},
		Inference: InferenceConfig{
			APIURL:  "http://localhost:9000",
			Timeout: "15s",
		},
		Auth: AuthConfig{
			JWTExpireDays: 7,
		},
		Ingest: IngestConfig{
			Workers:       4,
			QueueSize:     64,
			WatchDebounce: "500ms",
		},
		Cache: CacheConfig{
			TTL: "120s",
		},
	}
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".lorekeep")
	}
	return filepath.Join(home, ".lorekeep")
}

// Load resolves the effective configuration. A `.env` file in the working
// directory is loaded into the process environment first, then defaults are
// overlaid with the YAML file (explicit path, or lorekeep.yaml/.yml in the
// working directory), then environment variables, which win.
func Load(path string) (*Config, error) {
	// Missing .env is fine; it only exists in local setups.
	_ = godotenv.Load()

	cfg := NewConfig()

	if err := cfg.loadFromFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads the YAML config file. An explicit path must exist; the
// default names are optional.
func (c *Config) loadFromFile(path string) error {
	if path != "" {
		return c.loadYAML(path)
	}

	for _, candidate := range []string{"lorekeep.yaml", "lorekeep.yml"} {
		if fileExists(candidate) {
			return c.loadYAML(candidate)
		}
	}

	// No config file is fine - defaults plus env cover local runs.
	return nil
}

// loadYAML overlays values from a YAML file onto c. Absent keys keep their
// current values, so explicit false toggles round-trip correctly.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Unparseable
// numeric values are ignored rather than failing startup.
func (c *Config) applyEnvOverrides() {
	setString(&c.Server.GatewayAddr, "GATEWAY_ADDR")
	setString(&c.Server.WorkerAddr, "WORKER_ADDR")
	setString(&c.Server.WorkerURL, "WORKER_URL")
	setString(&c.Server.LogLevel, "LOG_LEVEL")

	setString(&c.Storage.Mode, "STORAGE_MODE")
	setString(&c.Storage.DataDir, "DATA_DIR")
	setString(&c.Storage.S3Bucket, "S3_BUCKET")
	setString(&c.Storage.S3Region, "S3_REGION")
	setString(&c.Storage.S3Endpoint, "S3_ENDPOINT")
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if n, err := parseByteSize(v); err == nil && n > 0 {
			c.Storage.MaxFileSize = n
		}
	}

	setString(&c.Database.Mode, "DATABASE_MODE")
	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.Vector.Mode, "VECTOR_DB_MODE")
	setString(&c.Vector.Backend, "VECTOR_BACKEND")

	setBool(&c.Retrieval.UseHybrid, "USE_HYBRID_RETRIEVER")
	setBool(&c.Retrieval.UseParentChild, "USE_PARENT_CHILD_STRATEGY")
	setBool(&c.Retrieval.UseReranker, "USE_RERANKER")
	setBool(&c.Retrieval.UseRemoteReranker, "USE_REMOTE_RERANKER")
	setString(&c.Retrieval.RerankerModel, "RERANKER_MODEL")
	setInt(&c.Retrieval.RetrievalK, "RETRIEVAL_K")
	setInt(&c.Retrieval.RRFConstant, "RRF_CONSTANT")
	setInt(&c.Retrieval.RerankTopK, "RERANK_TOP_K")
	setInt(&c.Retrieval.RerankTopN, "RERANK_TOP_N")
	if v := os.Getenv("RERANK_SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.Retrieval.RerankScoreThreshold = &f
		}
	}
	setInt(&c.Retrieval.BM25CacheSize, "BM25_CACHE_SIZE")

	setInt(&c.Chunking.ParentChunkSize, "PARENT_CHUNK_SIZE")
	setInt(&c.Chunking.ChildChunkSize, "CHILD_CHUNK_SIZE")

	setInt(&c.Graph.MaxRetryCount, "MAX_RETRY_COUNT")
	setBool(&c.Graph.UseSummarization, "USE_MESSAGE_SUMMARIZATION")
	setInt(&c.Graph.SummarizationThreshold, "MESSAGE_SUMMARIZATION_THRESHOLD")
	setInt(&c.Graph.SummarizationKeepMessages, "MESSAGE_SUMMARIZATION_KEEP_MESSAGES")
	setInt(&c.Graph.SummarizationMaxTokens, "MESSAGE_SUMMARIZATION_MAX_TOKENS")
	setBool(&c.Graph.UseCheckpoint, "USE_CHECKPOINT")
	setString(&c.Graph.CheckpointType, "CHECKPOINT_TYPE")

	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.LLM.BaseURL, "LLM_BASE_URL")
	setString(&c.LLM.APIKey, "LLM_API_KEY")
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
			c.LLM.Temperature = f
		}
	}
	setInt(&c.LLM.MaxTokens, "LLM_MAX_TOKENS")

	setString(&c.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&c.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&c.Embedding.Dim, "EMBEDDING_DIM")
	setInt(&c.Embedding.BatchSize, "EMBEDDING_BATCH_SIZE")

	setString(&c.Inference.APIURL, "INFERENCE_API_URL")
	setString(&c.Inference.APIKey, "INFERENCE_API_KEY")
	if v := os.Getenv("INFERENCE_API_TIMEOUT"); v != "" {
		// Accept bare seconds for compatibility with older deployments.
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.Inference.Timeout = fmt.Sprintf("%ds", n)
		} else if _, err := time.ParseDuration(v); err == nil {
			c.Inference.Timeout = v
		}
	}

	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setInt(&c.Auth.JWTExpireDays, "JWT_EXPIRE_DAYS")

	setInt(&c.Ingest.Workers, "INGEST_WORKERS")
	setString(&c.Ingest.WatchDir, "INGEST_WATCH_DIR")
	setString(&c.Ingest.WatchUserID, "INGEST_WATCH_USER")

	setString(&c.Cache.RedisURL, "REDIS_URL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = parseBoolEnv(v)
	}
}

// parseBoolEnv treats "true" and "1" (case-insensitive) as true.
func parseBoolEnv(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}

// parseByteSize parses "31457280", "30MB", "512kb", or "1g" into bytes.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1024*1024*1024, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1024*1024, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier, s = 1024, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "G"):
		multiplier, s = 1024*1024*1024, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		multiplier, s = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		multiplier, s = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// Validate checks the resolved configuration and returns the first problem.
func (c *Config) Validate() error {
	if err := validateMode("storage.mode", c.Storage.Mode); err != nil {
		return err
	}
	if err := validateMode("database.mode", c.Database.Mode); err != nil {
		return err
	}
	if err := validateMode("vector.mode", c.Vector.Mode); err != nil {
		return err
	}

	if c.Storage.Mode == ModeCloud && c.Storage.S3Bucket == "" {
		return fmt.Errorf("storage.s3_bucket is required when storage.mode is cloud")
	}
	if c.Database.Mode == ModeCloud && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.mode is cloud")
	}
	if c.Vector.Mode == ModeCloud && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when vector.mode is cloud (pgvector)")
	}

	if c.Vector.Backend != "chromem" && c.Vector.Backend != "hnsw" {
		return fmt.Errorf("vector.backend must be 'chromem' or 'hnsw', got %s", c.Vector.Backend)
	}

	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be positive, got %d", c.Storage.MaxFileSize)
	}

	if c.Chunking.ParentChunkSize <= 0 {
		return fmt.Errorf("chunking.parent_chunk_size must be positive, got %d", c.Chunking.ParentChunkSize)
	}
	if c.Chunking.ChildChunkSize <= 0 {
		return fmt.Errorf("chunking.child_chunk_size must be positive, got %d", c.Chunking.ChildChunkSize)
	}
	if c.Chunking.ChildChunkSize >= c.Chunking.ParentChunkSize {
		return fmt.Errorf("chunking.child_chunk_size (%d) must be smaller than parent_chunk_size (%d)",
			c.Chunking.ChildChunkSize, c.Chunking.ParentChunkSize)
	}

	if c.Retrieval.RetrievalK <= 0 {
		return fmt.Errorf("retrieval.retrieval_k must be positive, got %d", c.Retrieval.RetrievalK)
	}
	if c.Retrieval.RRFConstant <= 0 {
		return fmt.Errorf("retrieval.rrf_constant must be positive, got %d", c.Retrieval.RRFConstant)
	}
	if c.Retrieval.RerankTopN <= 0 {
		return fmt.Errorf("retrieval.rerank_top_n must be positive, got %d", c.Retrieval.RerankTopN)
	}
	if c.Retrieval.RerankTopN > c.Retrieval.RerankTopK {
		return fmt.Errorf("retrieval.rerank_top_n (%d) must not exceed rerank_top_k (%d)",
			c.Retrieval.RerankTopN, c.Retrieval.RerankTopK)
	}
	if t := c.Retrieval.RerankScoreThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("retrieval.rerank_score_threshold must be between 0 and 1, got %f", *t)
	}
	if c.Retrieval.BM25CacheSize <= 0 {
		return fmt.Errorf("retrieval.bm25_cache_size must be positive, got %d", c.Retrieval.BM25CacheSize)
	}
	if _, err := time.ParseDuration(c.Retrieval.BM25CacheTTL); err != nil {
		return fmt.Errorf("retrieval.bm25_cache_ttl is not a duration: %s", c.Retrieval.BM25CacheTTL)
	}

	if c.Graph.MaxRetryCount < 0 {
		return fmt.Errorf("graph.max_retry_count must be non-negative, got %d", c.Graph.MaxRetryCount)
	}
	validCheckpoints := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validCheckpoints[strings.ToLower(c.Graph.CheckpointType)] {
		return fmt.Errorf("graph.checkpoint_type must be 'memory', 'sqlite', or 'postgres', got %s", c.Graph.CheckpointType)
	}
	if c.Graph.CheckpointType == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when graph.checkpoint_type is postgres")
	}

	validProviders := map[string]bool{"openai": true, "anthropic": true}
	if !validProviders[strings.ToLower(c.LLM.Provider)] {
		return fmt.Errorf("llm.provider must be 'openai' or 'anthropic', got %s", c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}

	validEmbedders := map[string]bool{"remote": true, "openai": true, "static": true}
	if !validEmbedders[strings.ToLower(c.Embedding.Provider)] {
		return fmt.Errorf("embedding.provider must be 'remote', 'openai', or 'static', got %s", c.Embedding.Provider)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}

	if _, err := time.ParseDuration(c.Inference.Timeout); err != nil {
		return fmt.Errorf("inference.timeout is not a duration: %s", c.Inference.Timeout)
	}

	if c.Auth.JWTExpireDays <= 0 {
		return fmt.Errorf("auth.jwt_expire_days must be positive, got %d", c.Auth.JWTExpireDays)
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.WatchDir != "" && c.Ingest.WatchUserID == "" {
		return fmt.Errorf("ingest.watch_user_id is required when ingest.watch_dir is set")
	}

	if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
		return fmt.Errorf("cache.ttl is not a duration: %s", c.Cache.TTL)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

func validateMode(key, mode string) error {
	if mode != ModeLocal && mode != ModeCloud {
		return fmt.Errorf("%s must be 'local' or 'cloud', got %s", key, mode)
	}
	return nil
}

// SQLitePath returns the metadata database path for local mode.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Storage.DataDir, "lorekeep.db")
}

// UploadDir returns the local blob root.
func (c *Config) UploadDir() string {
	return filepath.Join(c.Storage.DataDir, "uploads")
}

// VectorDir returns the local vector index root.
func (c *Config) VectorDir() string {
	return filepath.Join(c.Storage.DataDir, "vectors")
}

// KeywordDir returns the per-user BM25 index root.
func (c *Config) KeywordDir() string {
	return filepath.Join(c.Storage.DataDir, "keyword")
}

// CheckpointPath returns the sqlite checkpoint database path.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.Storage.DataDir, "checkpoints.db")
}

// UsagePath returns the token-usage accounting database path.
func (c *Config) UsagePath() string {
	return filepath.Join(c.Storage.DataDir, "usage.db")
}

// InferenceTimeout returns the parsed inference call timeout.
func (c *Config) InferenceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Inference.Timeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// CacheTTL returns the parsed cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Cache.TTL)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// KeywordCacheTTL returns the parsed BM25 index idle eviction window.
func (c *Config) KeywordCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Retrieval.BM25CacheTTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// WatchDebounce returns the parsed drop-folder debounce window.
func (c *Config) WatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Ingest.WatchDebounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// JWTExpiry returns the token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.Auth.JWTExpireDays) * 24 * time.Hour
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
