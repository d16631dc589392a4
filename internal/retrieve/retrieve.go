// Package retrieve runs hybrid search over a user's chunks and formats
// the winners into the context block the answer prompt consumes.
//
// The pipeline is dense + BM25 legs fused with reciprocal rank fusion,
// child hits projected onto their parent blocks, an optional
// cross-encoder rerank, and a fixed text rendering. Every stage degrades
// rather than fails where it can: a missing keyword index falls back to
// pure dense, a rerank error falls back to fused order.
package retrieve

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/rerank"
	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// NoDocuments is the tool text when nothing survives retrieval. The
// grader reads it as irrelevant context and routes to rewrite.
const NoDocuments = "No relevant documents found."

// Document is one retrieved context block with its presentation
// metadata. RerankScore is nil when no reranker scored it.
type Document struct {
	Content     string
	Source      string
	Title       string
	RerankScore *float64
	Parent      bool
}

// Result is what the retrieve tool hands back: the formatted context
// text plus the structured documents behind it, so the completion
// payload does not have to re-parse the text.
type Result struct {
	Text      string
	Documents []Document
}

// ParentSource supplies the parent blocks child hits project onto.
// store.Store satisfies it.
type ParentSource interface {
	GetParentMapForUser(ctx context.Context, userID string) (map[string]*store.ParentBlock, error)
}

// Deps are the retrieval collaborators. Keywords and Reranker may be
// nil: retrieval degrades to dense-only legs and fused-order truncation.
type Deps struct {
	Embedder embed.Embedder
	Vectors  vector.Store
	Keywords *keyword.Manager
	Parents  ParentSource
	Reranker rerank.Reranker
}

// Retriever executes the hybrid retrieval pipeline for one query.
type Retriever struct {
	embedder embed.Embedder
	vectors  vector.Store
	keywords *keyword.Manager
	parents  ParentSource
	reranker rerank.Reranker

	hybrid      bool
	parentChild bool
	k           int
	rrfC        int
	rerankTopK  int
	topN        int
	threshold   *float64

	bm25Warn sync.Once
}

// New wires a retriever from config and collaborators.
func New(cfg *config.Config, deps Deps) *Retriever {
	return &Retriever{
		embedder:    deps.Embedder,
		vectors:     deps.Vectors,
		keywords:    deps.Keywords,
		parents:     deps.Parents,
		reranker:    deps.Reranker,
		hybrid:      cfg.Retrieval.UseHybrid,
		parentChild: cfg.Retrieval.UseParentChild,
		k:           cfg.Retrieval.RetrievalK,
		rrfC:        cfg.Retrieval.RRFConstant,
		rerankTopK:  cfg.Retrieval.RerankTopK,
		topN:        cfg.Retrieval.RerankTopN,
		threshold:   cfg.Retrieval.RerankScoreThreshold,
	}
}

// Retrieve answers one retrieval request for a user. It never returns
// an empty Result: when nothing survives, Text is the NoDocuments
// sentinel and Documents is empty.
func (r *Retriever) Retrieve(ctx context.Context, userID, query string) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New(errors.KindInvalidInput, "retrieve requires user_id", nil)
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.KindInvalidInput, "retrieve requires a query", nil)
	}

	dense, kw, err := r.searchLegs(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	// Keyword leg first: on score ties the BM25 winner keeps its rank,
	// matching the leg order the fusion was tuned with.
	var fused []candidate
	if len(kw) == 0 {
		fused = truncateCandidates(dense, r.k)
	} else {
		fused = rrfFuse([][]candidate{kw, dense}, r.k, r.rrfC)
	}
	if len(fused) == 0 {
		return &Result{Text: NoDocuments, Documents: []Document{}}, nil
	}

	var docs []Document
	if r.parentChild && r.parents != nil {
		docs, err = r.projectParents(ctx, userID, fused)
		if err != nil {
			return nil, err
		}
	} else {
		docs = childDocuments(fused)
	}
	if len(docs) == 0 {
		return &Result{Text: NoDocuments, Documents: []Document{}}, nil
	}

	docs = r.rank(ctx, query, docs)
	if len(docs) == 0 {
		return &Result{Text: NoDocuments, Documents: []Document{}}, nil
	}

	return &Result{Text: Format(docs), Documents: docs}, nil
}

// searchLegs runs the dense and keyword legs concurrently. The dense
// leg is load-bearing and fails the call; the keyword leg only ever
// degrades to nothing.
func (r *Retriever) searchLegs(ctx context.Context, userID, query string) (dense, kw []candidate, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		vec, embedErr := r.embedder.Embed(gctx, query)
		if embedErr != nil {
			return errors.Wrapf(errors.KindEmbedFailed, embedErr, "embed query")
		}
		hits, searchErr := r.vectors.Search(gctx, vec, r.k, vector.Filter{UserID: userID})
		if searchErr != nil {
			return searchErr
		}
		dense = denseCandidates(hits)
		return nil
	})

	if r.hybrid && r.keywords != nil {
		g.Go(func() error {
			idx, openErr := r.keywords.ForUser(userID)
			if openErr != nil {
				r.warnKeywordLeg(userID, openErr)
				return nil
			}
			results, searchErr := idx.Search(gctx, query, r.k)
			if searchErr != nil {
				r.warnKeywordLeg(userID, searchErr)
				return nil
			}
			kw = keywordCandidates(results)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return dense, kw, nil
}

// warnKeywordLeg reports BM25 degradation once per retriever; repeats
// drop to debug so a flapping index does not flood the log.
func (r *Retriever) warnKeywordLeg(userID string, err error) {
	logged := false
	r.bm25Warn.Do(func() {
		slog.Warn("keyword search unavailable, falling back to dense retrieval",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		logged = true
	})
	if !logged {
		slog.Debug("keyword search unavailable",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
}

// projectParents swaps child hits for their parent blocks, unique by
// parent id in first-seen order. Children whose parent is missing from
// the map are dropped, not kept as children.
func (r *Retriever) projectParents(ctx context.Context, userID string, fused []candidate) ([]Document, error) {
	ids := make([]string, 0, len(fused))
	seen := make(map[string]struct{}, len(fused))
	for _, cand := range fused {
		if cand.parentID == "" {
			continue
		}
		if _, ok := seen[cand.parentID]; ok {
			continue
		}
		seen[cand.parentID] = struct{}{}
		ids = append(ids, cand.parentID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	blocks, err := r.parents.GetParentMapForUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err, "load parent map for user %s", userID)
	}

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		block, ok := blocks[id]
		if !ok || block == nil {
			continue
		}
		docs = append(docs, Document{
			Content: block.Content,
			Source:  block.Metadata["source"],
			Title:   block.Metadata["title"],
			Parent:  true,
		})
	}
	return docs, nil
}

// rank orders documents with the cross-encoder when one is configured,
// attaching scores. Without a reranker, and on rerank failure, fused
// order truncated to top-n stands.
func (r *Retriever) rank(ctx context.Context, query string, docs []Document) []Document {
	if len(docs) == 0 {
		return docs
	}
	if r.rerankTopK > 0 && len(docs) > r.rerankTopK {
		docs = docs[:r.rerankTopK]
	}
	if r.reranker == nil {
		return truncateDocuments(docs, r.topN)
	}

	inputs := make([]rerank.Document, len(docs))
	for i, doc := range docs {
		inputs[i] = rerank.Document{ID: strconv.Itoa(i), Text: doc.Content}
	}
	results, err := r.reranker.Rerank(ctx, query, inputs, rerank.Options{
		TopN:           r.topN,
		ScoreThreshold: r.threshold,
	})
	if err != nil {
		slog.Warn("rerank failed, keeping fused order",
			slog.String("error", err.Error()))
		return truncateDocuments(docs, r.topN)
	}

	ranked := make([]Document, 0, len(results))
	for _, res := range results {
		i, convErr := strconv.Atoi(res.ID)
		if convErr != nil || i < 0 || i >= len(docs) {
			continue
		}
		doc := docs[i]
		score := res.Score
		doc.RerankScore = &score
		ranked = append(ranked, doc)
	}
	return truncateDocuments(ranked, r.topN)
}

// childDocuments renders fused candidates directly, for deployments
// that ingest without the parent/child split.
func childDocuments(fused []candidate) []Document {
	docs := make([]Document, 0, len(fused))
	for _, cand := range fused {
		docs = append(docs, Document{
			Content: cand.content,
			Source:  cand.source,
			Title:   cand.title,
		})
	}
	return docs
}

func truncateDocuments(docs []Document, n int) []Document {
	if n > 0 && len(docs) > n {
		return docs[:n]
	}
	return docs
}
