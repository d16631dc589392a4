// Package graph runs the agentic retrieval workflow behind chat. Each
// turn summarizes oversized history, asks the model for a retrieval
// query, grades what came back, rewrites the question and retries on a
// miss, and finally generates an answer grounded in the retrieved
// context. Conversation history persists across turns through
// checkpoint savers keyed by thread id; everything else in the state is
// request scoped.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/lorekeep/lorekeep/internal/checkpoint"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/errors"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/retrieve"
)

// maxCycles bounds the respond/retrieve/grade loop. The retry budget
// ends a run long before this; the cap only catches a broken counter.
const maxCycles = 25

// Step is one entry of the thinking trace streamed to clients.
type Step struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Details     string `json:"details"`
}

// Request is one chat turn.
type Request struct {
	UserID   string
	ThreadID string
	Question string

	// OnStep receives each thinking step as the run progresses.
	OnStep func(Step)

	// OnToken receives answer tokens when the provider streams them.
	OnToken llm.StreamFunc
}

// Outcome is a completed run.
type Outcome struct {
	Answer     string
	Documents  []retrieve.Document
	Steps      []Step
	TokensUsed int
	Elapsed    time.Duration
}

// DocumentSource serves the graph's retrieval tool calls.
type DocumentSource interface {
	Retrieve(ctx context.Context, userID, query string) (*retrieve.Result, error)
}

// Graph wires the workflow's collaborators together. One Graph serves
// all users; per-request state lives in the runner.
type Graph struct {
	client llm.Client
	docs   DocumentSource
	saver  checkpoint.Saver

	maxRetry           int
	summarize          bool
	summarizeThreshold int
	summarizeKeep      int
	summaryMaxTokens   int
	useCheckpoint      bool
}

// New builds a Graph from the runtime configuration. A nil saver
// disables cross-turn memory regardless of configuration.
func New(cfg *config.Config, client llm.Client, docs DocumentSource, saver checkpoint.Saver) *Graph {
	return &Graph{
		client:             client,
		docs:               docs,
		saver:              saver,
		maxRetry:           cfg.Graph.MaxRetryCount,
		summarize:          cfg.Graph.UseSummarization,
		summarizeThreshold: cfg.Graph.SummarizationThreshold,
		summarizeKeep:      cfg.Graph.SummarizationKeepMessages,
		summaryMaxTokens:   cfg.Graph.SummarizationMaxTokens,
		useCheckpoint:      cfg.Graph.UseCheckpoint && saver != nil,
	}
}

// runner carries one request through the workflow.
type runner struct {
	g     *Graph
	req   Request
	state *State
	steps []Step
	docs  []retrieve.Document
	usage int
}

// Run executes one chat turn. The retry budget always starts at zero:
// checkpoints restore history only, never mid-run scalars.
func (g *Graph) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.UserID == "" {
		return nil, errors.Newf(errors.KindInvalidInput, "user id must not be empty")
	}
	if req.Question == "" {
		return nil, errors.Newf(errors.KindInvalidInput, "question must not be empty")
	}

	start := time.Now()

	// The savers need a key even for a turn outside any session, so a
	// sessionless run gets a throwaway thread of its own.
	if g.useCheckpoint && req.ThreadID == "" {
		req.ThreadID = checkpoint.TempThreadID(req.UserID)
	}

	history, err := g.loadHistory(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}

	r := &runner{
		g:   g,
		req: req,
		state: &State{
			Messages:     applyMessages(history, []llm.Message{llm.User(req.Question)}),
			CurrentQuery: req.Question,
		},
	}

	answer, err := r.loop(ctx)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	r.emit("完成", "回答生成完成", fmt.Sprintf("耗时: %.2f 秒", elapsed.Seconds()))

	if err := g.saveHistory(ctx, req.ThreadID, r.state.Messages); err != nil {
		// The answer is already produced; losing one checkpoint write
		// costs memory on the next turn, not this one.
		slog.Warn("checkpoint save failed",
			slog.String("thread_id", req.ThreadID), slog.Any("error", err))
	}

	used := r.usage
	if used == 0 {
		used = utf8.RuneCountInString(req.Question)/4 + utf8.RuneCountInString(answer)/4
	}

	return &Outcome{
		Answer:     answer,
		Documents:  r.docs,
		Steps:      r.steps,
		TokensUsed: used,
		Elapsed:    elapsed,
	}, nil
}

func (r *runner) loop(ctx context.Context) (string, error) {
	for cycle := 0; ; cycle++ {
		if cycle >= maxCycles {
			return "", errors.Newf(errors.KindInternal, "graph exceeded %d cycles", maxCycles)
		}

		if err := r.summarizeHistory(ctx); err != nil {
			return "", err
		}

		reply, err := r.queryOrRespond(ctx)
		if err != nil {
			return "", err
		}
		r.emit("分析问题", "生成查询或判断是否需要检索", " 判断是否文档检索 ")

		if !reply.HasToolCalls() {
			// Unreachable in practice: queryOrRespond forces a call.
			return reply.Content, nil
		}

		if err := r.runRetrieval(ctx, reply.ToolCalls); err != nil {
			return "", err
		}
		r.emit("文档检索", fmt.Sprintf("检索到 %d 个相关段落", len(r.docs)), "工具检索完成")

		relevant, err := r.gradeDocuments(ctx)
		if err != nil {
			return "", err
		}
		r.emit("评估文档相关性", "判断检索到的文档是否相关", "文档相关性评估")

		if !relevant && r.state.RetryCount < r.g.maxRetry-1 {
			if err := r.rewriteQuestion(ctx); err != nil {
				return "", err
			}
			r.emit("重写问题", "优化查询以提高检索效果", "问题重写")
			continue
		}
		if !relevant {
			r.state.NoRelevantFound = true
		}

		answer, err := r.generateAnswer(ctx)
		if err != nil {
			return "", err
		}
		if answer != "" {
			r.emit("生成答案", "基于检索上下文生成回答",
				fmt.Sprintf("回答长度: %d 字符", utf8.RuneCountInString(answer)))
		}
		return answer, nil
	}
}

// emit appends a thinking step and forwards it to the caller.
func (r *runner) emit(action, description, details string) {
	step := Step{Step: len(r.steps) + 1, Action: action, Description: description, Details: details}
	r.steps = append(r.steps, step)
	if r.req.OnStep != nil {
		r.req.OnStep(step)
	}
}

// addUsage accumulates provider token counts. Providers that report
// nothing leave the sum at zero and Run falls back to an estimate.
func (r *runner) addUsage(resp *llm.Response) {
	r.usage += resp.Usage.TotalTokens
}

func (g *Graph) loadHistory(ctx context.Context, threadID string) ([]llm.Message, error) {
	if !g.useCheckpoint || threadID == "" {
		return nil, nil
	}
	cp, err := g.saver.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return cp.Messages, nil
}

func (g *Graph) saveHistory(ctx context.Context, threadID string, msgs []llm.Message) error {
	if !g.useCheckpoint || threadID == "" {
		return nil
	}
	return g.saver.Save(ctx, threadID, &checkpoint.Checkpoint{
		Messages:  msgs,
		UpdatedAt: time.Now(),
	})
}
