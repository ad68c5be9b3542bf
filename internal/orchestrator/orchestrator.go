package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/executor"
	"github.com/Vovarama1992/lead-reply-bridge/internal/metrics"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

var (
	// ErrOrchestration means the turn cannot be answered: a malformed backend
	// response or a trigger naming an unregistered agent or tool.
	ErrOrchestration = errors.New("orchestrator: orchestration failed")
	ErrTimeout       = errors.New("orchestrator: timed out")
)

const DefaultFallbackReply = "Sorry, I could not finish that right now. Could you send your message again in a moment?"

type Options struct {
	Model         string
	SystemPrompt  string
	Instructions  string
	AITimeout     time.Duration
	BranchTimeout time.Duration
	FallbackReply string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Orchestrator struct {
	backend       ai.Backend
	registry      *executor.Registry
	model         string
	systemPrompt  string
	instructions  string
	aiTimeout     time.Duration
	branchTimeout time.Duration
	fallback      string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(backend ai.Backend, registry *executor.Registry, opts Options) *Orchestrator {
	if opts.AITimeout <= 0 {
		opts.AITimeout = 60 * time.Second
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = 90 * time.Second
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		backend:       backend,
		registry:      registry,
		model:         opts.Model,
		systemPrompt:  opts.SystemPrompt,
		instructions:  registry.RenderInstructions(opts.Instructions),
		aiTimeout:     opts.AITimeout,
		branchTimeout: opts.BranchTimeout,
		fallback:      opts.FallbackReply,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "orchestrator"),
	}
}

// Decide produces the output records of one turn in production order. It
// never writes the transcript or sends anything.
func (o *Orchestrator) Decide(ctx context.Context, turns []ai.Turn, conversationID string) ([]transcript.Record, error) {
	turns = o.withSystem(turns)

	resp, err := o.respond(ctx, turns)
	if err != nil {
		return nil, err
	}

	d := Classify(resp)
	o.logger.Info("turn classified",
		"conversation_id", conversationID,
		"kind", d.Kind.String(),
		"agents", d.AgentIDs,
		"calls", len(d.Calls))

	switch d.Kind {
	case KindAgents:
		branches, err := o.agentBranches(d.AgentIDs, conversationID, turns)
		if err != nil {
			return nil, err
		}
		return o.fanOut(ctx, conversationID, branches), nil

	case KindTools:
		branches, err := o.toolBranches(d.Calls, conversationID, turns)
		if err != nil {
			return nil, err
		}
		return o.fanOut(ctx, conversationID, branches), nil
	}

	if d.Reply == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrOrchestration)
	}
	return []transcript.Record{transcript.Assistant(conversationID, d.Reply)}, nil
}

func (o *Orchestrator) withSystem(turns []ai.Turn) []ai.Turn {
	if o.systemPrompt == "" {
		return turns
	}
	for _, t := range turns {
		if t.Role == ai.RoleSystem {
			return turns
		}
	}
	out := make([]ai.Turn, 0, len(turns)+1)
	out = append(out, ai.Turn{Role: ai.RoleSystem, Text: o.systemPrompt})
	return append(out, turns...)
}

func (o *Orchestrator) respond(ctx context.Context, turns []ai.Turn) (*ai.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.aiTimeout)
	defer cancel()

	resp, err := o.backend.Respond(callCtx, ai.Request{
		Model:        o.model,
		Instructions: o.instructions,
		Input:        turns,
		Tools:        o.registry.Schemas(),
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: backend call after %s: %w", ErrTimeout, o.aiTimeout, err)
		}
		return nil, fmt.Errorf("orchestrator: backend: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", ErrOrchestration)
	}
	return resp, nil
}

type branch struct {
	kind string
	name string
	run  func(ctx context.Context) ([]transcript.Record, error)
}

func (o *Orchestrator) agentBranches(ids []string, conversationID string, turns []ai.Turn) ([]branch, error) {
	branches := make([]branch, 0, len(ids))
	for _, id := range ids {
		agent, err := o.registry.Agent(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOrchestration, err)
		}
		branches = append(branches, branch{
			kind: "agent",
			name: id,
			run: func(ctx context.Context) ([]transcript.Record, error) {
				return agent.Execute(ctx, conversationID, turns)
			},
		})
	}
	return branches, nil
}

func (o *Orchestrator) toolBranches(calls []ai.Output, conversationID string, turns []ai.Turn) ([]branch, error) {
	branches := make([]branch, 0, len(calls))
	for _, c := range calls {
		tool, err := o.registry.Tool(c.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOrchestration, err)
		}

		args := map[string]any{}
		if raw := strings.TrimSpace(c.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("%w: arguments of %s: %w", ErrOrchestration, c.Name, err)
			}
		}

		call := executor.Call{
			ConversationID: conversationID,
			CallID:         c.CallID,
			FunctionCallID: c.ID,
			Name:           tool.Name(),
			Arguments:      args,
			Turns:          turns,
		}
		branches = append(branches, branch{
			kind: "tool",
			name: call.Name,
			run: func(ctx context.Context) ([]transcript.Record, error) {
				return tool.Execute(ctx, call)
			},
		})
	}
	return branches, nil
}

// fanOut runs every branch concurrently and waits for all of them. Results
// keep trigger order. A failed, invalid or timed-out branch contributes one
// fallback assistant record.
func (o *Orchestrator) fanOut(ctx context.Context, conversationID string, branches []branch) []transcript.Record {
	results := make([][]transcript.Record, len(branches))

	var g errgroup.Group
	for i, b := range branches {
		i, b := i, b // per-iteration copies (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			recs, err := o.runBranch(ctx, b)
			if err == nil {
				err = executor.Validate(recs)
			}
			if err != nil {
				o.logger.Error("branch failed",
					"conversation_id", conversationID,
					"kind", b.kind,
					"name", b.name,
					"error", err)
				o.metrics.IncBranchFailure(b.kind, b.name)
				recs = []transcript.Record{transcript.Assistant(conversationID, o.fallback)}
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var out []transcript.Record
	for _, recs := range results {
		out = append(out, recs...)
	}
	return out
}

type branchResult struct {
	records []transcript.Record
	err     error
}

// runBranch bounds b by the branch timeout even when b ignores its context.
func (o *Orchestrator) runBranch(ctx context.Context, b branch) ([]transcript.Record, error) {
	bctx, cancel := context.WithTimeout(ctx, o.branchTimeout)
	defer cancel()

	done := make(chan branchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- branchResult{err: fmt.Errorf("%s %s panicked: %v", b.kind, b.name, r)}
			}
		}()
		recs, err := b.run(bctx)
		done <- branchResult{records: recs, err: err}
	}()

	select {
	case r := <-done:
		return r.records, r.err
	case <-bctx.Done():
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, b.kind, b.name)
	}
}
