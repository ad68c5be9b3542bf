package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

var (
	ErrUnknownAgent  = errors.New("executor: unknown agent")
	ErrUnknownTool   = errors.New("executor: unknown tool")
	ErrInvalidOutput = errors.New("executor: invalid output")
)

// Agent answers a turn with its own instructions. ID is the marker the
// orchestrating model emits to hand the turn over, e.g. "#2".
type Agent interface {
	ID() string
	Name() string
	Execute(ctx context.Context, conversationID string, turns []ai.Turn) ([]transcript.Record, error)
}

// Tool runs one function call requested by the model.
type Tool interface {
	Name() string
	Schema() ai.ToolSchema
	Execute(ctx context.Context, call Call) ([]transcript.Record, error)
}

// Call is a completed function call. Turns is the context the call was
// made in, for tools that need the model to phrase their result.
type Call struct {
	ConversationID string
	CallID         string
	FunctionCallID string
	Name           string
	Arguments      map[string]any
	Turns          []ai.Turn
}

// Validate checks an executor result: it must not be empty and must end with
// an assistant text record, which becomes the user-visible reply.
func Validate(records []transcript.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: no records", ErrInvalidOutput)
	}
	last := records[len(records)-1]
	if last.Role != transcript.RoleAssistant || last.Content == "" {
		return fmt.Errorf("%w: last record is %s", ErrInvalidOutput, last.Role)
	}
	return nil
}
