package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// DefaultTimeout bounds a rerank call. Reranking sits on the query path,
// so a slow service should fail fast and let retrieval fall back.
const DefaultTimeout = 15 * time.Second

// RemoteConfig configures the inference-service reranker.
type RemoteConfig struct {
	// BaseURL is the inference service root, shared with the embedder.
	BaseURL string

	// APIKey is sent as a Bearer token when non-empty.
	APIKey string

	// Model is reported in logs; the service decides what it runs.
	Model string

	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// Remote reranks through the inference service:
// POST {base}/rerank {"query": ..., "documents": [{"id","text"}],
// "top_n": n, "score_threshold": t} → {"results": [{"id","score"}], "model"}.
// A circuit breaker fails rerank calls fast while the service is down;
// retrieval falls back to the fused order, so the query path never waits
// out repeated timeouts.
type Remote struct {
	client  *http.Client
	cfg     RemoteConfig
	breaker *errors.CircuitBreaker

	mu     sync.RWMutex
	closed bool
	model  string
}

var _ Reranker = (*Remote)(nil)

type rerankRequest struct {
	Query          string        `json:"query"`
	Documents      []rerankInput `json:"documents"`
	TopN           int           `json:"top_n,omitempty"`
	ScoreThreshold *float64      `json:"score_threshold,omitempty"`
}

type rerankInput struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
	Model   string   `json:"model"`
}

// NewRemote builds the client. No health probe here: the embedder already
// validated the shared service at startup.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.KindConfig, "inference api url is required", nil)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Remote{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cfg:     cfg,
		model:   cfg.Model,
		breaker: errors.NewCircuitBreaker("inference-rerank"),
	}, nil
}

// Rerank scores docs against the query. Results come back sorted by score
// descending, already cut to opts.TopN and opts.ScoreThreshold.
func (r *Remote) Rerank(ctx context.Context, query string, docs []Document, opts Options) ([]Result, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, errors.New(errors.KindInternal, "reranker is closed", nil)
	}
	r.mu.RUnlock()

	if len(docs) == 0 {
		return []Result{}, nil
	}

	inputs := make([]rerankInput, len(docs))
	for i, doc := range docs {
		inputs[i] = rerankInput{ID: doc.ID, Text: doc.Text}
	}

	payload, err := json.Marshal(rerankRequest{
		Query:          query,
		Documents:      inputs,
		TopN:           opts.TopN,
		ScoreThreshold: opts.ScoreThreshold,
	})
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "marshal rerank request")
	}

	var result rerankResponse
	err = r.breaker.Execute(func() error {
		return r.post(ctx, payload, len(docs), &result)
	})
	if err != nil {
		if err == errors.ErrCircuitOpen {
			return nil, errors.Wrapf(errors.KindLLMProviderFailed, err, "rerank %d documents", len(docs))
		}
		return nil, err
	}
	if result.Model != "" {
		r.mu.Lock()
		r.model = result.Model
		r.mu.Unlock()
	}

	// The service orders results; sort anyway so callers can rely on it.
	sort.SliceStable(result.Results, func(i, j int) bool {
		return result.Results[i].Score > result.Results[j].Score
	})
	return result.Results, nil
}

func (r *Remote) post(ctx context.Context, payload []byte, docCount int, out *rerankResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "build rerank request")
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(errors.KindLLMProviderFailed, err, "rerank %d documents", docCount)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf(errors.KindLLMProviderFailed,
			"rerank failed (status %d): %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(errors.KindLLMProviderFailed, err, "decode rerank response")
	}
	return nil
}

func (r *Remote) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
}

// ModelName returns the model the service last reported.
func (r *Remote) ModelName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.model != "" {
		return r.model
	}
	return "remote-reranker"
}

// Available probes the shared health endpoint.
func (r *Remote) Available(ctx context.Context) bool {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return false
	}
	r.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close marks the reranker closed and drops idle connections.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.client.CloseIdleConnections()
	return nil
}
