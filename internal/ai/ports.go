package ai

import "context"

// Backend is the text-generation service. It knows nothing about buffers,
// transcripts or delivery.
type Backend interface {
	Respond(ctx context.Context, req Request) (*Response, error)
}

type Role string

const (
	RoleSystem             Role = "system"
	RoleUser               Role = "user"
	RoleAssistant          Role = "assistant"
	RoleFunctionCall       Role = "function_call"
	RoleFunctionCallOutput Role = "function_call_output"
)

type PartType string

const (
	PartText  PartType = "input_text"
	PartImage PartType = "input_image"
	PartFile  PartType = "input_file"
)

// Part is one piece of a multi-part user turn.
type Part struct {
	Type PartType
	Text string
	URL  string
}

// Turn is one role-tagged entry of the conversation replayed to the backend.
// Function calls carry CallID, Name and Arguments; function outputs carry
// CallID and the output in Text.
type Turn struct {
	Role      Role
	Text      string
	Parts     []Part
	CallID    string
	Name      string
	Arguments string
}

// ToolSchema describes a callable function exposed to the backend.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
}

type Request struct {
	Model        string
	Instructions string
	Input        []Turn
	Tools        []ToolSchema
}

type OutputType string

const (
	OutputMessage      OutputType = "message"
	OutputFunctionCall OutputType = "function_call"
)

const (
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
)

// Output is one item of the backend response, in production order.
type Output struct {
	ID        string
	Type      OutputType
	Status    string
	Text      string
	CallID    string
	Name      string
	Arguments string
}

type Response struct {
	Outputs []Output
}

// Texts returns the text of every message output, in order.
func (r *Response) Texts() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, o := range r.Outputs {
		if o.Type == OutputMessage && o.Text != "" {
			out = append(out, o.Text)
		}
	}
	return out
}

// CompletedCalls returns function calls the backend finished emitting.
func (r *Response) CompletedCalls() []Output {
	if r == nil {
		return nil
	}
	var out []Output
	for _, o := range r.Outputs {
		if o.Type == OutputFunctionCall && o.Status == StatusCompleted {
			out = append(out, o)
		}
	}
	return out
}
