package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// RemoteConfig configures the inference-service embedder.
type RemoteConfig struct {
	// BaseURL is the inference service root, e.g. http://localhost:9100.
	BaseURL string

	// APIKey is sent as a Bearer token when non-empty.
	APIKey string

	// Model is reported in logs; the service decides what it actually runs.
	Model string

	// Dimensions declares the vector width. Defaults to 1024.
	Dimensions int

	// Timeout bounds each HTTP call. Defaults to 15s.
	Timeout time.Duration

	// Normalize asks the service for unit-length vectors.
	Normalize bool

	// Retry controls backoff. Zero value takes errors.DefaultRetryConfig.
	Retry errors.RetryConfig

	// SkipHealthCheck skips the construction-time health probe (tests).
	SkipHealthCheck bool
}

// Remote embeds through the self-hosted inference service:
// POST {base}/embed {"texts": [...], "normalize_embeddings": bool} →
// {"embeddings": [[...]], "model": "..."}.
// A circuit breaker sits outside the retry loop, so a downed service
// fails ingestion batches fast instead of backing off on every one.
type Remote struct {
	client  *http.Client
	cfg     RemoteConfig
	breaker *errors.CircuitBreaker

	mu     sync.RWMutex
	closed bool
	model  string
}

var _ Embedder = (*Remote)(nil)

type embedRequest struct {
	Texts               []string `json:"texts"`
	NormalizeEmbeddings bool     `json:"normalize_embeddings"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Model      string      `json:"model"`
}

// NewRemote builds the client and, unless skipped, probes GET /health so a
// dead inference service fails at startup instead of on the first upload.
func NewRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.KindConfig, "inference api url is required", nil)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry == (errors.RetryConfig{}) {
		cfg.Retry = errors.DefaultRetryConfig()
	}

	// No http.Client.Timeout: per-request context timeouts control
	// deadlines so retries get a fresh budget each attempt.
	r := &Remote{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cfg:     cfg,
		model:   cfg.Model,
		breaker: errors.NewCircuitBreaker("inference-embed"),
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.healthCheck(checkCtx); err != nil {
			return nil, errors.Wrapf(errors.KindEmbedFailed, err, "inference service health check")
		}
	}

	slog.Debug("remote embedder created",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("dimensions", cfg.Dimensions))

	return r, nil
}

func (r *Remote) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to inference service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference service unhealthy (status %d): %s", resp.StatusCode, body)
	}
	return nil
}

func (r *Remote) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
}

// Embed generates the embedding for one text.
func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New(errors.KindEmbedFailed, "inference service returned no embedding", nil)
	}
	return vecs[0], nil
}

// EmbedBatch posts all texts in one request, retrying transient failures.
func (r *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, errors.New(errors.KindEmbedFailed, "embedder is closed", nil)
	}
	r.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	payload, err := json.Marshal(embedRequest{
		Texts:               texts,
		NormalizeEmbeddings: r.cfg.Normalize,
	})
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "marshal embed request")
	}

	var result embedResponse
	err = r.breaker.Execute(func() error {
		return errors.Retry(ctx, r.cfg.Retry, func() error {
			reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
			return r.post(reqCtx, payload, &result)
		})
	})
	if err != nil {
		return nil, errors.Wrapf(errors.KindEmbedFailed, err, "embed %d texts", len(texts))
	}

	if len(result.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.KindEmbedFailed,
			"inference service returned %d embeddings for %d texts",
			len(result.Embeddings), len(texts))
	}
	if result.Model != "" {
		r.mu.Lock()
		r.model = result.Model
		r.mu.Unlock()
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (r *Remote) post(ctx context.Context, payload []byte, out *embedResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("embed failed (status %d): %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Dimensions returns the configured vector width.
func (r *Remote) Dimensions() int { return r.cfg.Dimensions }

// ModelName returns the model the service last reported, falling back to
// the configured name.
func (r *Remote) ModelName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.model != "" {
		return r.model
	}
	return "remote"
}

// Available probes the health endpoint.
func (r *Remote) Available(ctx context.Context) bool {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return false
	}
	r.mu.RUnlock()
	return r.healthCheck(ctx) == nil
}

// Close marks the embedder closed and drops idle connections.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if t, ok := r.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
