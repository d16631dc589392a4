// Package worker is the gateway's HTTP client for the RAG worker:
// chat forwarding, SSE stream passthrough, process-job dispatch and
// vector deletion. Worker failures surface as worker_unavailable so
// handlers answer 502 instead of masking the upstream.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// DefaultTimeout bounds the non-streaming calls.
const DefaultTimeout = 30 * time.Second

// Config locates the worker service.
type Config struct {
	// BaseURL is the worker root, e.g. http://localhost:8001.
	BaseURL string

	// Timeout bounds each non-streaming call. Defaults to 30s. Stream
	// calls ignore it and live as long as the caller's context.
	Timeout time.Duration
}

// Client talks to the worker service.
type Client struct {
	http *http.Client
	base string
	cfg  Config
}

// ProcessJob asks the worker to ingest one uploaded document.
type ProcessJob struct {
	DocID       string `json:"doc_id"`
	UserID      string `json:"user_id"`
	StoragePath string `json:"filepath"`
	FileType    string `json:"file_type"`
}

type chatPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type workerReply struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// NewClient builds the client. No http.Client.Timeout: per-request
// context deadlines control the non-streaming calls while stream
// bodies stay open indefinitely.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.KindConfig, "worker url is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		base: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:  cfg,
	}, nil
}

// SendMessage forwards one chat turn. The caller has already persisted
// the user message and owns the session id; the worker answers in the
// background.
func (c *Client) SendMessage(ctx context.Context, userID, sessionID, message string) error {
	body, err := json.Marshal(chatPayload{UserID: userID, SessionID: sessionID, Message: message})
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "marshal chat payload")
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(reqCtx, "/api/chat/message", body, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var reply workerReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		// An unreadable body with a 200 still means the turn was accepted.
		return nil
	}
	if !reply.Success {
		return errors.Newf(errors.KindWorkerUnavailable, "worker rejected the message: %s", reply.Message)
	}
	return nil
}

// OpenStream starts the worker's SSE stream for one chat turn and
// returns the raw body for the caller to copy frame by frame. The
// stream lives until the body is closed or ctx is canceled.
func (c *Client) OpenStream(ctx context.Context, userID, sessionID, message string) (io.ReadCloser, error) {
	body, err := json.Marshal(chatPayload{UserID: userID, SessionID: sessionID, Message: message})
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "marshal chat payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.KindWorkerUnavailable, err, "connect to worker")
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// ProcessDocument dispatches an ingestion job for a confirmed upload.
func (c *Client) ProcessDocument(ctx context.Context, job ProcessJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(errors.KindInternal, err, "marshal process job")
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(reqCtx, "/api/documents/"+url.PathEscape(job.DocID)+"/process", body, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// DeleteVectors removes a document's chunks from the worker's vector
// and keyword indexes. Safe to call after the metadata row is gone.
func (c *Client) DeleteVectors(ctx context.Context, userID, docID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := fmt.Sprintf("%s/api/documents/%s/delete-vectors?user_id=%s",
		c.base, url.PathEscape(docID), url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, target, nil)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(errors.KindWorkerUnavailable, err, "connect to worker")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Available probes the worker's health endpoint.
func (c *Client) Available(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close drops idle connections.
func (c *Client) Close() error {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.KindWorkerUnavailable, err, "connect to worker")
	}
	return resp, nil
}

// statusError turns a non-200 worker reply into a worker_unavailable
// error carrying a bounded slice of the body for diagnosis.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.Newf(errors.KindWorkerUnavailable,
		"worker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
