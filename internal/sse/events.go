package sse

import (
	"math"
	"time"

	"github.com/lorekeep/lorekeep/internal/graph"
	"github.com/lorekeep/lorekeep/internal/retrieve"
)

// Document is the wire form of one retrieved passage. Similarity is the
// rerank score pushed through a sigmoid, or null when the passage was
// never reranked.
type Document struct {
	ChunkID    int          `json:"chunk_id"`
	Content    string       `json:"content"`
	Similarity *float64     `json:"similarity"`
	Metadata   DocumentMeta `json:"metadata"`
}

// DocumentMeta carries the passage provenance shown in the source list.
type DocumentMeta struct {
	Source      string   `json:"source,omitempty"`
	Title       string   `json:"title,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// ThinkingEvent streams one or more thinking steps.
type ThinkingEvent struct {
	Type      string       `json:"type"`
	Data      []graph.Step `json:"data"`
	SessionID string       `json:"session_id"`
}

// ChunkEvent streams one answer fragment.
type ChunkEvent struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

// CompleteEvent is the final frame of a successful run.
type CompleteEvent struct {
	Type            string       `json:"type"`
	Answer          string       `json:"answer"`
	RetrievedDocs   []Document   `json:"retrieved_docs"`
	ThinkingProcess []graph.Step `json:"thinking_process"`
	ElapsedTime     float64      `json:"elapsed_time"`
	TokensUsed      int          `json:"tokens_used"`
	SessionID       string       `json:"session_id"`
}

// ErrorEvent is the final frame of a failed run.
type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Thinking builds a thinking event.
func Thinking(steps []graph.Step, sessionID string) ThinkingEvent {
	return ThinkingEvent{Type: "thinking", Data: steps, SessionID: sessionID}
}

// Chunk builds an answer-fragment event.
func Chunk(content, sessionID string) ChunkEvent {
	return ChunkEvent{Type: "chunk", Content: content, SessionID: sessionID}
}

// Complete builds the final frame.
func Complete(sessionID, answer string, docs []retrieve.Document, steps []graph.Step, tokensUsed int, elapsed time.Duration) CompleteEvent {
	return CompleteEvent{
		Type:            "complete",
		Answer:          answer,
		RetrievedDocs:   Documents(docs),
		ThinkingProcess: steps,
		ElapsedTime:     elapsed.Seconds(),
		TokensUsed:      tokensUsed,
		SessionID:       sessionID,
	}
}

// Error builds the failure frame.
func Error(message, sessionID string) ErrorEvent {
	return ErrorEvent{Type: "error", Message: message, SessionID: sessionID}
}

// Documents converts retrieved passages to their wire form. The result
// is never nil so the complete frame serializes [] rather than null.
func Documents(docs []retrieve.Document) []Document {
	out := make([]Document, 0, len(docs))
	for i, doc := range docs {
		meta := DocumentMeta{
			Source:      doc.Source,
			Title:       doc.Title,
			RerankScore: doc.RerankScore,
		}
		out = append(out, Document{
			ChunkID:    i,
			Content:    doc.Content,
			Similarity: similarity(doc.RerankScore),
			Metadata:   meta,
		})
	}
	return out
}

// similarity maps a cross-encoder score onto (0,1) with a sigmoid,
// rounded to four decimals for display.
func similarity(rerankScore *float64) *float64 {
	if rerankScore == nil {
		return nil
	}
	s := 1 / (1 + math.Exp(-*rerankScore))
	s = math.Round(s*10000) / 10000
	return &s
}
