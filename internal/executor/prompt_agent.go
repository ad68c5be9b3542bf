package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

// PromptAgent answers with its own instructions over the shared context.
// System turns of the orchestrating prompt are dropped so they do not
// compete with the agent's instructions.
type PromptAgent struct {
	id           string
	name         string
	instructions string
	model        string
	backend      ai.Backend
}

func NewPromptAgent(id, name, instructions, model string, backend ai.Backend) *PromptAgent {
	return &PromptAgent{
		id:           id,
		name:         name,
		instructions: instructions,
		model:        model,
		backend:      backend,
	}
}

func (a *PromptAgent) ID() string   { return a.id }
func (a *PromptAgent) Name() string { return a.name }

func (a *PromptAgent) Execute(ctx context.Context, conversationID string, turns []ai.Turn) ([]transcript.Record, error) {
	input := make([]ai.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == ai.RoleSystem {
			continue
		}
		input = append(input, t)
	}

	resp, err := a.backend.Respond(ctx, ai.Request{
		Model:        a.model,
		Instructions: a.instructions,
		Input:        input,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.id, err)
	}

	text := strings.TrimSpace(strings.Join(resp.Texts(), ". "))
	if text == "" {
		return nil, fmt.Errorf("agent %s: %w: empty reply", a.id, ErrInvalidOutput)
	}

	return []transcript.Record{transcript.Assistant(conversationID, text)}, nil
}
