package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lorekeep/lorekeep/internal/config"
)

// Pool runs ingestion jobs on a fixed set of workers behind a buffered
// queue. Enqueue never blocks the caller: when the queue is full the job
// is rejected and the document stays in processing state until resubmitted.
type Pool struct {
	pipeline *Pipeline
	jobs     chan Job

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewPool sizes the pool from the ingest config. Workers and queue size
// fall back to the config defaults when non-positive.
func NewPool(cfg *config.Config, pipeline *Pipeline) *Pool {
	workers := cfg.Ingest.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := cfg.Ingest.QueueSize
	if queue <= 0 {
		queue = 64
	}
	p := &Pool{
		pipeline: pipeline,
		jobs:     make(chan Job, queue),
	}
	p.start(workers)
	return p
}

func (p *Pool) start(workers int) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	slog.Info("ingest pool started",
		slog.Int("workers", workers),
		slog.Int("queue", cap(p.jobs)))
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		// Workers use their own context so an HTTP request that
		// enqueued the job can return without cancelling it.
		if err := p.pipeline.Process(context.Background(), job); err != nil {
			slog.Error("ingest job failed",
				slog.String("doc_id", job.DocID),
				slog.Any("error", err))
		}
	}
}

// Enqueue submits a job without blocking. It reports false when the pool
// is stopped or the queue is full.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		slog.Warn("ingest queue full, job rejected",
			slog.String("doc_id", job.DocID))
		return false
	}
}

// Stop rejects new jobs, lets the workers drain what is already queued,
// and blocks until they exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
	slog.Info("ingest pool stopped")
}
