package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []ai.Request
	respond  func(req ai.Request) (*ai.Response, error)
}

func (f *fakeBackend) Respond(_ context.Context, req ai.Request) (*ai.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func textResponse(texts ...string) *ai.Response {
	resp := &ai.Response{}
	for _, t := range texts {
		resp.Outputs = append(resp.Outputs, ai.Output{Type: ai.OutputMessage, Status: ai.StatusCompleted, Text: t})
	}
	return resp
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAgent(NewPromptAgent("#1", "Places", "", "", nil)))
	require.NoError(t, r.RegisterTool(NewLeadNotifyTool("", "", nil, nil)))

	a, err := r.Agent("#1")
	require.NoError(t, err)
	assert.Equal(t, "Places", a.Name())

	_, err = r.Agent("#9")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	tool, err := r.Tool(" notify_new_lead ")
	require.NoError(t, err)
	assert.Equal(t, LeadNotifyToolName, tool.Name())

	_, err = r.Tool("send_invoice")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_RejectsBadAndDuplicate(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"places", "agent#1", "#1a", " #1", "#"} {
		assert.Error(t, r.RegisterAgent(NewPromptAgent(id, "Places", "", "", nil)), id)
	}

	require.NoError(t, r.RegisterAgent(NewPromptAgent("#1", "Places", "", "", nil)))
	assert.Error(t, r.RegisterAgent(NewPromptAgent("#1", "Other", "", "", nil)))

	require.NoError(t, r.RegisterTool(NewLeadNotifyTool("", "", nil, nil)))
	assert.Error(t, r.RegisterTool(NewLeadNotifyTool("", "", nil, nil)))
}

func TestRegistry_RenderInstructions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAgent(NewPromptAgent("#10", "Nightlife", "", "", nil)))
	require.NoError(t, r.RegisterAgent(NewPromptAgent("#2", "Restaurants", "", "", nil)))
	require.NoError(t, r.RegisterAgent(NewPromptAgent("#1", "Hotels", "", "", nil)))

	got := r.RenderInstructions("Route to:\n[[AGENTS]]\nOtherwise answer.")
	want := "Route to:\n" +
		`Hotels: reply only with "#1",` + "\n" +
		`Restaurants: reply only with "#2",` + "\n" +
		`Nightlife: reply only with "#10"` + "\n" +
		"Otherwise answer."
	assert.Equal(t, want, got)

	assert.Equal(t, "no roster", r.RenderInstructions("no roster"))
}

func TestRegistry_Schemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(NewLeadNotifyTool("", "", nil, nil)))

	schemas := r.Schemas()
	require.Len(t, schemas, 1)
	assert.Equal(t, LeadNotifyToolName, schemas[0].Name)
	assert.True(t, schemas[0].Strict)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrInvalidOutput)
	assert.ErrorIs(t, Validate([]transcript.Record{
		transcript.FunctionCall("c", "call_1", "x", "{}"),
	}), ErrInvalidOutput)
	assert.ErrorIs(t, Validate([]transcript.Record{transcript.Assistant("c", "")}), ErrInvalidOutput)
	assert.NoError(t, Validate([]transcript.Record{
		transcript.FunctionCall("c", "call_1", "x", "{}"),
		transcript.Assistant("c", "done"),
	}))
}

func TestPromptAgent_Execute(t *testing.T) {
	backend := &fakeBackend{respond: func(ai.Request) (*ai.Response, error) {
		return textResponse("Try the pier", "It opens at 9"), nil
	}}
	agent := NewPromptAgent("#1", "Places", "Only recommend listed places.", "gpt-test", backend)

	turns := []ai.Turn{
		{Role: ai.RoleSystem, Text: "orchestrator prompt"},
		{Role: ai.RoleUser, Text: "where to go?"},
	}
	records, err := agent.Execute(context.Background(), "conv", turns)
	require.NoError(t, err)
	require.NoError(t, Validate(records))
	assert.Equal(t, "Try the pier. It opens at 9", records[0].Content)

	require.Len(t, backend.requests, 1)
	req := backend.requests[0]
	assert.Equal(t, "Only recommend listed places.", req.Instructions)
	assert.Equal(t, "gpt-test", req.Model)
	require.Len(t, req.Input, 1)
	assert.Equal(t, ai.RoleUser, req.Input[0].Role)
}

func TestPromptAgent_EmptyReply(t *testing.T) {
	backend := &fakeBackend{respond: func(ai.Request) (*ai.Response, error) {
		return textResponse(), nil
	}}
	_, err := NewPromptAgent("#1", "Places", "", "", backend).Execute(context.Background(), "c", nil)
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestPromptAgent_BackendError(t *testing.T) {
	boom := errors.New("boom")
	backend := &fakeBackend{respond: func(ai.Request) (*ai.Response, error) { return nil, boom }}
	_, err := NewPromptAgent("#1", "Places", "", "", backend).Execute(context.Background(), "c", nil)
	assert.ErrorIs(t, err, boom)
}

func TestLeadNotifyTool_Execute(t *testing.T) {
	var lead Lead
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lead))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend := &fakeBackend{respond: func(ai.Request) (*ai.Response, error) {
		return textResponse("Done! Our team will call you shortly."), nil
	}}
	tool := NewLeadNotifyTool(srv.URL, "", backend, nil)

	records, err := tool.Execute(context.Background(), Call{
		ConversationID: "5511987654321",
		CallID:         "call_1",
		FunctionCallID: "fc_1",
		Name:           LeadNotifyToolName,
		Arguments:      map[string]any{"name": "Ana", "project": "Sea View", "budget": 450000.0},
		Turns:          []ai.Turn{{Role: ai.RoleUser, Text: "I want the Sea View flat"}},
	})
	require.NoError(t, err)
	require.NoError(t, Validate(records))

	require.Len(t, records, 3)
	assert.Equal(t, transcript.RoleFunctionCall, records[0].Role)
	assert.Equal(t, transcript.RoleFunctionCallOutput, records[1].Role)
	assert.Equal(t, "Done! Our team will call you shortly.", records[2].Content)

	turn := records[0].Turn()
	assert.Equal(t, "call_1", turn.CallID)
	assert.Contains(t, turn.Arguments, "Sea View")
	assert.Contains(t, records[1].Turn().Text, "sales team was notified")

	assert.Equal(t, "Ana", lead.Name)
	assert.Equal(t, "5511987654321", lead.Phone)
	assert.Equal(t, "Project: Sea View | Budget: 450000.00", lead.Interest)
	assert.NotEmpty(t, lead.ID)

	// confirmation sees the context plus the call and its output
	require.Len(t, backend.requests, 1)
	input := backend.requests[0].Input
	require.Len(t, input, 3)
	assert.Equal(t, ai.RoleFunctionCall, input[1].Role)
	assert.Equal(t, ai.RoleFunctionCallOutput, input[2].Role)
}

func TestLeadNotifyTool_WebhookFailureStillConfirms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	backend := &fakeBackend{respond: func(ai.Request) (*ai.Response, error) {
		return textResponse(), nil
	}}
	tool := NewLeadNotifyTool(srv.URL, "", backend, nil)

	records, err := tool.Execute(context.Background(), Call{
		ConversationID: "+55 11 9876-0000",
		CallID:         "call_2",
		Name:           LeadNotifyToolName,
		Arguments:      map[string]any{},
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, strings.HasPrefix(records[2].Content, "The request was registered"))
	assert.Contains(t, records[1].Turn().Text, "technical note")
}

func TestNewLead_Defaults(t *testing.T) {
	lead := newLead(Call{ConversationID: "+55 (11) 98765-4321", Arguments: map[string]any{"budget": "1200"}})
	assert.Equal(t, "5511987654321", lead.Phone)
	assert.Equal(t, "Customer 4321", lead.Name)
	assert.Equal(t, 1200.0, lead.Budget)
	assert.Equal(t, "Budget: 1200.00", lead.Interest)
}
