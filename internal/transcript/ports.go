package transcript

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	RoleUser               Role = "user"
	RoleAssistant          Role = "assistant"
	RoleSystem             Role = "system"
	RoleFunctionCall       Role = "function_call"
	RoleFunctionCallOutput Role = "function_call_output"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleFunctionCall, RoleFunctionCallOutput:
		return true
	}
	return false
}

// Record is one append-only transcript entry. ID orders records of a
// conversation; it is assigned by the store.
type Record struct {
	ID             int64
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

var ErrInvalidRecord = errors.New("transcript: invalid record")

// Store persists the conversation log.
//
// Recent returns the newest limit records of a conversation ordered oldest
// first, which is the order they are replayed to the AI backend. A limit of
// zero or less returns the whole conversation.
type Store interface {
	Append(ctx context.Context, conversationID string, role Role, content string) (Record, error)
	AppendMany(ctx context.Context, records []Record) ([]Record, error)
	Recent(ctx context.Context, conversationID string, limit int) ([]Record, error)
}

func validate(r Record) error {
	if r.ConversationID == "" || !r.Role.Valid() {
		return ErrInvalidRecord
	}
	return nil
}
