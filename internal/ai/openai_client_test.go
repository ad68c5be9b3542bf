package ai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToChatMessages_MergesParallelCalls(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Text: "price of 42 and 43?"},
		{Role: RoleFunctionCall, CallID: "c1", Name: "lookup_price", Arguments: `{"id":42}`},
		{Role: RoleFunctionCall, CallID: "c2", Name: "lookup_price", Arguments: `{"id":43}`},
		{Role: RoleFunctionCallOutput, CallID: "c1", Text: "10"},
		{Role: RoleFunctionCallOutput, CallID: "c2", Text: "12"},
		{Role: RoleAssistant, Text: "10 and 12"},
	}

	msgs := toChatMessages(turns, slog.Default())

	require.Len(t, msgs, 5)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 2)
	assert.Equal(t, "c1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "c2", msgs[1].ToolCalls[1].ID)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, "10 and 12", msgs[4].Content)
}

func TestToChatMessages_DropsOrphanedToolResult(t *testing.T) {
	turns := []Turn{
		{Role: RoleFunctionCallOutput, CallID: "old", Text: "stale"},
		{Role: RoleUser, Text: "hi"},
	}

	msgs := toChatMessages(turns, slog.Default())

	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestToChatMessages_SynthesizesMissingResult(t *testing.T) {
	turns := []Turn{
		{Role: RoleFunctionCall, CallID: "c1", Name: "notify", Arguments: `{}`},
		{Role: RoleUser, Text: "hello?"},
	}

	msgs := toChatMessages(turns, slog.Default())

	require.Len(t, msgs, 3)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[1].Role)
	assert.Equal(t, "c1", msgs[1].ToolCallID)
	assert.Equal(t, "hello?", msgs[2].Content)
}

func TestToChatMessages_MultiPartUserTurn(t *testing.T) {
	turns := []Turn{{
		Role: RoleUser,
		Parts: []Part{
			{Type: PartText, Text: "look"},
			{Type: PartImage, URL: "https://img/1.jpg"},
			{Type: PartFile, URL: "https://files/a.pdf"},
		},
	}}

	msgs := toChatMessages(turns, slog.Default())

	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Content)
	require.Len(t, msgs[0].MultiContent, 3)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msgs[0].MultiContent[1].Type)
	assert.Equal(t, "https://img/1.jpg", msgs[0].MultiContent[1].ImageURL.URL)
	assert.Equal(t, "[file] https://files/a.pdf", msgs[0].MultiContent[2].Text)
}

func TestOpenAIClient_Respond_ToolCall(t *testing.T) {
	var captured openai.ChatCompletionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "resp-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "lookup_price", "arguments": "{\"id\":42}"}
					}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1", "test-model", nil)

	resp, err := c.Respond(context.Background(), Request{
		Instructions: "be brief",
		Input:        []Turn{{Role: RoleUser, Text: "price?"}},
		Tools: []ToolSchema{{
			Name:       "lookup_price",
			Parameters: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Outputs, 1)
	call := resp.Outputs[0]
	assert.Equal(t, OutputFunctionCall, call.Type)
	assert.Equal(t, StatusCompleted, call.Status)
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "lookup_price", call.Name)
	assert.JSONEq(t, `{"id":42}`, call.Arguments)
	assert.Len(t, resp.CompletedCalls(), 1)
	assert.Empty(t, resp.Texts())

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, captured.Messages[0].Role)
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "lookup_price", captured.Tools[0].Function.Name)
}

func TestOpenAIClient_Respond_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1", "", nil)

	_, err := c.Respond(context.Background(), Request{Input: []Turn{{Role: RoleUser, Text: "x"}}})
	require.Error(t, err)
}
