package usage

import (
	"context"
	"log/slog"

	"github.com/lorekeep/lorekeep/internal/llm"
)

// Recorder decorates an llm.Client so every successful Generate call
// writes one usage event. Attribution comes from llm.WithCaller on the
// request context; a failed write is logged and never fails the call.
type Recorder struct {
	inner llm.Client
	store *Store
}

var _ llm.Client = (*Recorder)(nil)

// NewRecorder wraps client with usage accounting backed by store.
func NewRecorder(client llm.Client, store *Store) *Recorder {
	return &Recorder{inner: client, store: store}
}

func (r *Recorder) Generate(ctx context.Context, msgs []llm.Message, opts ...llm.Option) (*llm.Response, error) {
	resp, err := r.inner.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, err
	}

	caller := llm.CallerFromContext(ctx)
	ev := Event{
		UserID:           caller.UserID,
		Node:             caller.Node,
		Model:            r.inner.ModelName(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if err := r.store.Record(ctx, ev); err != nil {
		slog.Warn("usage event dropped",
			slog.String("model", ev.Model),
			slog.String("node", ev.Node),
			slog.Any("error", err))
	}
	return resp, nil
}

func (r *Recorder) ModelName() string { return r.inner.ModelName() }

func (r *Recorder) Available(ctx context.Context) bool { return r.inner.Available(ctx) }

// Close closes the wrapped client. The store is shared and has its own
// lifecycle.
func (r *Recorder) Close() error { return r.inner.Close() }
